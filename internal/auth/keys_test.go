package auth

import "testing"

func TestHashToken(t *testing.T) {
	hash := HashToken("pfp_3f2a-project-token")

	if len(hash) != 64 {
		t.Errorf("HashToken returned %d chars, want 64", len(hash))
	}
	if hash != HashToken("pfp_3f2a-project-token") {
		t.Error("HashToken is not deterministic")
	}
}

func TestHashToken_TrimsWhitespace(t *testing.T) {
	if HashToken("  pfr_runner-token\n") != HashToken("pfr_runner-token") {
		t.Error("surrounding whitespace must not change the hash")
	}
}

func TestHashToken_EmptyToken(t *testing.T) {
	// SHA-256 of the empty string.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := HashToken(""); got != want {
		t.Errorf("HashToken(\"\") = %s, want %s", got, want)
	}
}

func TestHashToken_DistinctTokens(t *testing.T) {
	if HashToken("pfp_project-a") == HashToken("pfp_project-b") {
		t.Error("different tokens produced the same hash")
	}
}
