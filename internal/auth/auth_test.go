package auth

import (
	"errors"
	"testing"
	"time"
)

func TestVerify(t *testing.T) {
	v := NewVerifier("test-secret")

	t.Run("valid token round trip", func(t *testing.T) {
		token, err := v.Sign("0xabc123", time.Hour)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		claims, err := v.Verify(token)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if claims.Address != "0xabc123" {
			t.Errorf("address = %q, want 0xabc123", claims.Address)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := v.Sign("0xabc123", -time.Hour)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		_, err = v.Verify(token)
		if !errors.Is(err, ErrTokenExpired) {
			t.Errorf("error = %v, want ErrTokenExpired", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewVerifier("other-secret")
		token, err := other.Sign("0xabc123", time.Hour)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		_, err = v.Verify(token)
		if !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("error = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := v.Verify("not.a.jwt")
		if !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("error = %v, want ErrTokenInvalid", err)
		}
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := v.Verify("")
		if !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("error = %v, want ErrTokenInvalid", err)
		}
	})
}
