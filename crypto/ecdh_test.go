package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveSessionKeyMatchesAcrossPeers(t *testing.T) {
	alice, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatalf("generate alice key: %v", err)
	}
	bob, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatalf("generate bob key: %v", err)
	}
	salt := []byte("challenge-nonce")

	aliceKey, err := DeriveSessionKey(alice, bob.PublicKey().Bytes(), "alice", "bob", salt)
	if err != nil {
		t.Fatalf("derive alice session key: %v", err)
	}
	bobKey, err := DeriveSessionKey(bob, alice.PublicKey().Bytes(), "bob", "alice", salt)
	if err != nil {
		t.Fatalf("derive bob session key: %v", err)
	}

	if len(aliceKey) != SessionKeySize {
		t.Fatalf("expected %d-byte session key, got %d", SessionKeySize, len(aliceKey))
	}
	if !bytes.Equal(aliceKey, bobKey) {
		t.Fatalf("expected matching session keys")
	}

	otherSalt, err := DeriveSessionKey(alice, bob.PublicKey().Bytes(), "alice", "bob", []byte("other"))
	if err != nil {
		t.Fatalf("derive with other salt: %v", err)
	}
	if bytes.Equal(aliceKey, otherSalt) {
		t.Fatalf("expected salt to change the derived key")
	}
}

func TestDeriveSessionKeyRejectsBadPeerKey(t *testing.T) {
	local, err := GenerateEphemeralKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := DeriveSessionKey(local, []byte("short"), "a", "b", nil); err == nil {
		t.Fatalf("expected malformed peer key to fail")
	}
	if _, err := DeriveSessionKey(local, local.PublicKey().Bytes(), "", "b", nil); err == nil {
		t.Fatalf("expected missing local ID to fail")
	}
}
