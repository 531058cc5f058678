package auth

import (
	"testing"
	"time"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("ops-1", ScopeAdmin, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Operator != "ops-1" {
		t.Fatalf("expected ops-1, got %q", claims.Operator)
	}
	if claims.Scope != ScopeAdmin {
		t.Fatalf("expected admin scope, got %q", claims.Scope)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("ops-1", ScopeAdmin, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyToken_WrongIssuer(t *testing.T) {
	tok, err := CreateToken("ops-1", ScopeAdmin, TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "other"})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"})
	if err == nil {
		t.Fatalf("expected issuer mismatch")
	}
}

func TestCreateToken_InvalidExpiry(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: -time.Second, Issuer: "test"}
	_, err := CreateToken("ops-1", ScopeAdmin, cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
}
