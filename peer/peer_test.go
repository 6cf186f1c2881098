package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIdentityIsUniqueAndComparedByID(t *testing.T) {
	a := NewIdentity("  Alice  ")
	b := NewIdentity("Alice")

	assert.Equal(t, "Alice", a.DisplayName)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Equal(b))

	renamed := Identity{ID: a.ID, DisplayName: "Someone else"}
	assert.True(t, a.Equal(renamed))
}

func TestIdentityStringFallsBackToID(t *testing.T) {
	assert.Equal(t, "abc", Identity{ID: "abc"}.String())
	assert.Equal(t, "Bob", Identity{ID: "abc", DisplayName: "Bob"}.String())
	assert.True(t, Identity{}.IsZero())
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{NotConnected, Connecting, true},
		{NotConnected, Connected, false},
		{NotConnected, NotConnected, false},
		{Connecting, Connected, true},
		{Connecting, NotConnected, true},
		{Connecting, Connecting, false},
		{Connected, NotConnected, true},
		{Connected, Connecting, false},
		{Connected, Connected, false},
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}
