package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shellmux/shellmux/internal/permission"
)

func signedToken(t *testing.T, secret, subject, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestExtractNoHeaderIsAnonymous(t *testing.T) {
	x := NewIdentityExtractor("s3cret")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)

	identity, role := x.Extract(r)
	if identity != "" || role != permission.Anonymous {
		t.Errorf("got (%q, %q), want (\"\", Anonymous)", identity, role)
	}
}

func TestExtractValidTokenResolvesIdentityAndRole(t *testing.T) {
	x := NewIdentityExtractor("s3cret")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, "s3cret", "alice", "Owner"))

	identity, role := x.Extract(r)
	if identity != "alice" || role != permission.Owner {
		t.Errorf("got (%q, %q), want (\"alice\", Owner)", identity, role)
	}
}

func TestExtractWrongSecretIsAnonymous(t *testing.T) {
	x := NewIdentityExtractor("s3cret")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, "wrong-secret", "alice", "Owner"))

	identity, role := x.Extract(r)
	if identity != "" || role != permission.Anonymous {
		t.Errorf("got (%q, %q), want (\"\", Anonymous) for a badly-signed token", identity, role)
	}
}

func TestExtractUnknownRoleClaimDefaultsToUser(t *testing.T) {
	x := NewIdentityExtractor("s3cret")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, "s3cret", "bob", "Emperor"))

	_, role := x.Extract(r)
	if role != permission.User {
		t.Errorf("role = %q, want User for an unrecognized role claim", role)
	}
}

func TestExtractNoSecretTrustsUnverifiedClaims(t *testing.T) {
	x := NewIdentityExtractor("")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+signedToken(t, "whatever-key", "carol", "Viewer"))

	identity, role := x.Extract(r)
	if identity != "carol" || role != permission.Viewer {
		t.Errorf("got (%q, %q), want (\"carol\", Viewer) in no-secret trusted mode", identity, role)
	}
}
