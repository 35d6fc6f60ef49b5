package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"walksync/internal/errs"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestInspectValidToken(t *testing.T) {
	claims, err := Inspect(signedToken(t, time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestInspectExpiredToken(t *testing.T) {
	_, err := Inspect(signedToken(t, time.Now().Add(-time.Hour)))
	var verr *errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestInspectGarbageToken(t *testing.T) {
	if _, err := Inspect("not-a-jwt"); err == nil {
		t.Fatalf("expected error")
	}
}
