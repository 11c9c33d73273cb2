package peer

import (
	"crypto/ed25519"
	"testing"
)

func TestFromPublicKeyDeterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	id1, err := FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("FromPublicKey not deterministic: %v != %v", id1, id2)
	}
	if id1.Empty() {
		t.Fatal("expected non-empty id")
	}
}

func TestFromPublicKeyDistinctForDistinctKeys(t *testing.T) {
	pubA, _, _ := ed25519.GenerateKey(nil)
	pubB, _, _ := ed25519.GenerateKey(nil)
	idA, _ := FromPublicKey(pubA)
	idB, _ := FromPublicKey(pubB)
	if idA == idB {
		t.Fatal("expected distinct ids for distinct keys")
	}
}

func TestFromPublicKeyRejectsEmpty(t *testing.T) {
	if _, err := FromPublicKey(nil); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestEmptyID(t *testing.T) {
	var id ID
	if !id.Empty() {
		t.Fatal("zero-value ID should be Empty")
	}
	if id.String() != "" {
		t.Fatalf("String() = %q", id.String())
	}
}
