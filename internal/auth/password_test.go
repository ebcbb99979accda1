package auth

import "testing"

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	if !VerifyPassword(hash, "correct-horse-battery") {
		t.Error("VerifyPassword() = false, want true for correct password")
	}

	if VerifyPassword(hash, "wrong-password") {
		t.Error("VerifyPassword() = true, want false for wrong password")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	if VerifyPassword("not-a-hash", "anything") {
		t.Error("VerifyPassword() = true for malformed hash, want false")
	}
}

func TestHashPasswordUniqueSalt(t *testing.T) {
	h1, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	h2, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if h1 == h2 {
		t.Error("HashPassword() should produce distinct hashes for the same password")
	}
}

func TestIsWeakPassword(t *testing.T) {
	cases := []struct {
		password string
		weak     bool
	}{
		{"short1", true},
		{"alllettersnonum", true},
		{"12345678901234", true},
		{"has-digits-123", false},
		{"Str0ngEnough!", false},
	}

	for _, c := range cases {
		if got := IsWeakPassword(c.password); got != c.weak {
			t.Errorf("IsWeakPassword(%q) = %v, want %v", c.password, got, c.weak)
		}
	}
}
