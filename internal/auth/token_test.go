package auth

import (
	"testing"
	"time"
)

func TestGenerateAndValidateNodeToken(t *testing.T) {
	Init("test-secret-key", "internal-token", true)

	token, err := GenerateNodeToken("worker-1", time.Now().Add(24*time.Hour), "flowfleet")
	if err != nil {
		t.Fatalf("GenerateNodeToken() failed: %v", err)
	}

	if token == "" {
		t.Error("Expected non-empty token")
	}

	if err := ValidateNodeToken(token); err != nil {
		t.Errorf("ValidateNodeToken() failed: %v", err)
	}

	claims, err := ParseNodeToken(token)
	if err != nil {
		t.Fatalf("ParseNodeToken() failed: %v", err)
	}

	if claims.NodeName != "worker-1" {
		t.Errorf("Expected node name worker-1, got %s", claims.NodeName)
	}
}

func TestValidateNodeToken_Invalid(t *testing.T) {
	Init("test-secret-key", "internal-token", true)

	if err := ValidateNodeToken("invalid.token.string"); err == nil {
		t.Error("ValidateNodeToken() should fail for invalid token")
	}
}

func TestValidateNodeToken_InternalTokenAlwaysPasses(t *testing.T) {
	Init("test-secret-key", "internal-token", true)

	if err := ValidateNodeToken("internal-token"); err != nil {
		t.Errorf("Internal token should always pass, got: %v", err)
	}
}

func TestValidateNodeToken_EnforcementOff(t *testing.T) {
	Init("test-secret-key", "internal-token", false)

	if err := ValidateNodeToken("any-garbage-token"); err != nil {
		t.Errorf("All tokens should pass when enforcement is off, got: %v", err)
	}
}

func TestValidateNodeToken_Expired(t *testing.T) {
	Init("test-secret-key", "internal-token", true)

	token, err := GenerateNodeToken("worker-1", time.Now().Add(-1*time.Hour), "flowfleet")
	if err != nil {
		t.Fatalf("GenerateNodeToken() failed: %v", err)
	}

	if err := ValidateNodeToken(token); err == nil {
		t.Error("ValidateNodeToken() should fail for expired token")
	}
}

func TestValidateNodeToken_WrongSecret(t *testing.T) {
	Init("secret-1", "internal-token", true)

	token, err := GenerateNodeToken("worker-1", time.Now().Add(24*time.Hour), "flowfleet")
	if err != nil {
		t.Fatalf("GenerateNodeToken() failed: %v", err)
	}

	Init("secret-2", "internal-token", true)

	if err := ValidateNodeToken(token); err == nil {
		t.Error("ValidateNodeToken() should fail when secret differs")
	}
}
