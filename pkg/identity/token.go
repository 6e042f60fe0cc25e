package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenConfig configures the token provider.
type TokenConfig struct {
	// Issuer is the expected issuer claim.
	Issuer string

	// SigningKey is the HMAC key used to verify token signatures.
	SigningKey []byte
}

// TokenProvider authorizes principals presenting a signed JWT in
// Principal.Secret. The principal name is taken from the "sub" claim and the
// group from the "group" claim; a non-empty Principal.Name must match "sub".
type TokenProvider struct {
	cfg TokenConfig
}

// NewTokenProvider creates a JWT-validating identity provider.
func NewTokenProvider(cfg TokenConfig) (*TokenProvider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("token issuer is required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("token signing key is required")
	}
	return &TokenProvider{cfg: cfg}, nil
}

// Login validates the token carried by p and derives the authenticated context.
func (t *TokenProvider) Login(ctx context.Context, p Principal) (context.Context, error) {
	if p.Secret == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}

	claims, err := t.parseAndValidate(p.Secret)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("missing sub claim: %w", ErrUnauthorized)
	}
	if p.Name != "" && p.Name != sub {
		return nil, fmt.Errorf("principal %q does not match token subject: %w", p.Name, ErrUnauthorized)
	}

	p.Name = sub
	if group, ok := claims["group"].(string); ok && p.Group == "" {
		p.Group = group
	}
	p.Secret = ""
	return WithPrincipal(ctx, p), nil
}

// Logout tears down the authenticated context.
func (*TokenProvider) Logout(context.Context) {}

// parseAndValidate verifies the token signature and issuer.
func (t *TokenProvider) parseAndValidate(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.cfg.SigningKey, nil
	}, jwt.WithIssuer(t.cfg.Issuer))
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	return claims, nil
}

// Verify interface compliance.
var _ Provider = (*TokenProvider)(nil)
