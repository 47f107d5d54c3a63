package sanago

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-side-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestTokenClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	c, err := TokenClaims(signToken(t, jwt.MapClaims{"sub": "17", "exp": exp.Unix()}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.UserID != "17" {
		t.Fatalf("user id = %q", c.UserID)
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Fatalf("expires = %v, want %v", c.ExpiresAt, exp)
	}
	if c.Expired(time.Now()) {
		t.Fatal("token should not be expired")
	}
	if !c.Expired(exp.Add(time.Minute)) {
		t.Fatal("token should be expired after exp")
	}
}

func TestTokenClaimsExpiredStillParses(t *testing.T) {
	c, err := TokenClaims(signToken(t, jwt.MapClaims{"sub": "5", "exp": time.Now().Add(-time.Hour).Unix()}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Expired(time.Now()) {
		t.Fatal("expected expired claims")
	}
}

func TestTokenClaimsErrors(t *testing.T) {
	if _, err := TokenClaims("1|opaque-sanctum-token"); err == nil {
		t.Fatal("expected error for opaque token")
	}
	if _, err := TokenClaims(signToken(t, jwt.MapClaims{"name": "no subject"})); err == nil {
		t.Fatal("expected error without subject")
	}
}

func TestPrivateChannel(t *testing.T) {
	if got := PrivateChannel("17"); got != "App.Models.User.17" {
		t.Fatalf("got %q", got)
	}
}

func TestClaimsWithoutExpiryNeverExpire(t *testing.T) {
	if (Claims{UserID: "1"}).Expired(time.Now().Add(100 * 365 * 24 * time.Hour)) {
		t.Fatal("claims without exp must not expire")
	}
}
