package transport

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shellmux/shellmux/internal/permission"
)

// claims is the minimal set of JWT claims the broker understands. The
// broker does not issue or validate tokens against an identity
// provider (that integration is external per spec); it only extracts
// the subject and an optional role claim from a bearer token already
// presented by the transport layer.
type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IdentityExtractor resolves a connection's identity and role from an
// incoming HTTP request. Absent or invalid credentials resolve to
// Anonymous, per spec §4.8 rule 1.
type IdentityExtractor struct {
	// Secret verifies the JWT signature. Empty means claims are parsed
	// but not cryptographically verified (trusted-deployment mode,
	// e.g. behind another auth layer that already validated the token).
	Secret string
}

// NewIdentityExtractor creates an IdentityExtractor.
func NewIdentityExtractor(secret string) *IdentityExtractor {
	return &IdentityExtractor{Secret: secret}
}

// Extract resolves the identity and role for r.
func (x *IdentityExtractor) Extract(r *http.Request) (identity string, role permission.Role) {
	token := bearerToken(r)
	if token == "" {
		return "", permission.Anonymous
	}

	parsed, err := x.parse(token)
	if err != nil || (x.Secret != "" && !parsed.Valid) {
		return "", permission.Anonymous
	}

	c, ok := parsed.Claims.(*claims)
	if !ok {
		return "", permission.Anonymous
	}

	return c.Subject, roleFromClaim(c.Role)
}

func (x *IdentityExtractor) parse(token string) (*jwt.Token, error) {
	c := &claims{}

	if x.Secret == "" {
		// No secret configured: extract claims without verifying the
		// signature, trusting the upstream transport/proxy to have
		// already authenticated the bearer.
		parsed, _, err := jwt.NewParser().ParseUnverified(token, c)
		return parsed, err
	}

	keyFunc := func(t *jwt.Token) (interface{}, error) {
		return []byte(x.Secret), nil
	}
	return jwt.ParseWithClaims(token, c, keyFunc, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
}

func roleFromClaim(raw string) permission.Role {
	switch permission.Role(raw) {
	case permission.Viewer, permission.User, permission.Owner, permission.Supervisor:
		return permission.Role(raw)
	default:
		return permission.User
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
