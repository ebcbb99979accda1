package auth

import (
	"testing"
	"time"
)

func TestNewSessionManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewSessionManager("too-short", time.Hour); err == nil {
		t.Error("NewSessionManager() error = nil, want error for short secret")
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	sm, err := NewSessionManager(GenerateDevSecret(), time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}

	claims := SessionClaims{Subject: "user@example.com", Role: RoleAnalyst, UserID: "abc-123"}
	token, err := sm.IssueToken(claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	got, err := sm.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if *got != claims {
		t.Errorf("ValidateToken() = %+v, want %+v", *got, claims)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	sm, err := NewSessionManager(GenerateDevSecret(), -time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}

	token, err := sm.IssueToken(SessionClaims{Subject: "user@example.com", Role: RoleAnalyst})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if _, err := sm.ValidateToken(token); err == nil {
		t.Error("ValidateToken() error = nil, want error for expired token")
	}
}

func TestValidateTokenRejectsForeignKey(t *testing.T) {
	sm1, _ := NewSessionManager(GenerateDevSecret(), time.Hour)
	sm2, _ := NewSessionManager(GenerateDevSecret(), time.Hour)

	token, err := sm1.IssueToken(SessionClaims{Subject: "user@example.com", Role: RoleAnalyst})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if _, err := sm2.ValidateToken(token); err == nil {
		t.Error("ValidateToken() error = nil, want error for token signed with a different key")
	}
}
