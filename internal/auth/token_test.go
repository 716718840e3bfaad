package auth

import "testing"

func TestGenerateTokenUnique(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if a == "" || b == "" {
		t.Fatal("expected non-empty tokens")
	}
	if a == b {
		t.Fatal("expected distinct tokens")
	}
}

func TestHashTokenDeterministicWithPepper(t *testing.T) {
	h1 := HashToken("token-1", "pepper")
	h2 := HashToken("token-1", "pepper")
	if h1 != h2 {
		t.Fatal("expected deterministic hash")
	}
	if HashToken("token-1", "other") == h1 {
		t.Fatal("expected pepper to change the hash")
	}
	if HashToken("token-2", "pepper") == h1 {
		t.Fatal("expected token to change the hash")
	}
}

func TestMintAdminToken(t *testing.T) {
	token, hash, err := MintAdminToken("pepper")
	if err != nil {
		t.Fatal(err)
	}
	if token == "" || hash == "" {
		t.Fatal("expected non-empty token and hash")
	}
	if hash != HashToken(token, "pepper") {
		t.Fatal("expected minted hash to match HashToken over the same pepper")
	}
}

func TestConstantTimeHashEquals(t *testing.T) {
	h := HashToken("token", "pepper")
	if !ConstantTimeHashEquals(h, h) {
		t.Fatal("expected equal hashes to compare equal")
	}
	if ConstantTimeHashEquals(h, HashToken("other", "pepper")) {
		t.Fatal("expected different hashes to compare unequal")
	}
	if ConstantTimeHashEquals(h, h[:10]) {
		t.Fatal("expected length mismatch to compare unequal")
	}
}
