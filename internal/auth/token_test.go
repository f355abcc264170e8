package auth

import (
	"testing"
	"time"
)

func TestVerify_ValidToken(t *testing.T) {
	secret := "test-secret"
	token := Sign(secret, 7, nil)

	v := NewVerifier(secret)
	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if userID != 7 {
		t.Errorf("userID = %d, want 7", userID)
	}
}

func TestVerify_BadSignature(t *testing.T) {
	token := Sign("secret-a", 7, nil)

	v := NewVerifier("secret-b")
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error for token signed with different secret")
	}
}

func TestVerify_Malformed(t *testing.T) {
	v := NewVerifier("secret")
	cases := []string{"", "garbage", "nodot-here", "a.b.c"}
	for _, tok := range cases {
		if _, err := v.Verify(tok); err == nil {
			t.Errorf("Verify(%q) expected error, got nil", tok)
		}
	}
}

func TestVerify_Expired(t *testing.T) {
	secret := "test-secret"
	past := time.Now().Add(-time.Hour).Unix()
	token := Sign(secret, 7, &past)

	v := NewVerifier(secret)
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerify_NotYetExpired(t *testing.T) {
	secret := "test-secret"
	future := time.Now().Add(time.Hour).Unix()
	token := Sign(secret, 7, &future)

	v := NewVerifier(secret)
	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if userID != 7 {
		t.Errorf("userID = %d, want 7", userID)
	}
}

func TestVerify_MissingUserID(t *testing.T) {
	secret := "test-secret"
	token := Sign(secret, 0, nil)

	v := NewVerifier(secret)
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error for zero user_id")
	}
}
