package identity

import (
	"path/filepath"
	"testing"
)

func TestGenerateDerivesConsistentID(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	re, err := FromPrivateKey(id.PrivateKey)
	if err != nil {
		t.Fatalf("FromPrivateKey: %v", err)
	}
	if re.ID != id.ID || re.PublicKey != id.PublicKey {
		t.Fatal("identity not reproducible from private key")
	}
	if id.ID.IsZero() {
		t.Fatal("generated a zero NodeID")
	}
}

func TestLoadOrGenerateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}
	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("identity not stable across loads: %s != %s", first.ID, second.ID)
	}
}
