package crypto

import (
	"crypto/ed25519"
	"testing"
)

func TestSignVerify(t *testing.T) {
	key, err := GenerateIdentityKey()
	if err != nil {
		t.Fatalf("GenerateIdentityKey failed: %v", err)
	}
	public := key.Public().(ed25519.PublicKey)

	signature, err := Sign(key, []byte("hello payload"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	cases := []struct {
		name string
		data []byte
		sig  []byte
		want bool
	}{
		{"valid", []byte("hello payload"), signature, true},
		{"tampered data", []byte("hello payload!"), signature, false},
		{"truncated signature", []byte("hello payload"), signature[:10], false},
		{"empty data", nil, signature, false},
	}
	for _, tc := range cases {
		if got := Verify(public, tc.data, tc.sig); got != tc.want {
			t.Fatalf("%s: Verify = %v, want %v", tc.name, got, tc.want)
		}
	}

	if _, err := Sign(key, nil); err == nil {
		t.Fatalf("expected empty payload to be rejected")
	}
}
