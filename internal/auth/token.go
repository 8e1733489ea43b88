package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenParser validates bearer access tokens issued by the platform's identity
// service. This core never issues tokens; it only verifies them.
type TokenParser struct {
	Secret    []byte
	ClockSkew time.Duration
}

// Claims carries the identity information extracted from a verified token.
type Claims struct {
	UserID string
	Email  string
	Roles  []string
}

// Parse verifies the signature and registered claims and extracts identity claims.
func (p TokenParser) Parse(token string) (Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Claims{}, errors.New("auth: empty token")
	}
	if len(p.Secret) == 0 {
		return Claims{}, errors.New("auth: parser secret not configured")
	}
	options := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, p.Secret),
		jwt.WithValidate(true),
	}
	if p.ClockSkew > 0 {
		options = append(options, jwt.WithAcceptableSkew(p.ClockSkew))
	}
	parsed, err := jwt.ParseString(trimmed, options...)
	if err != nil {
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}
	sub := strings.TrimSpace(parsed.Subject())
	if sub == "" {
		return Claims{}, errors.New("auth: token missing subject")
	}
	claims := Claims{UserID: sub}
	if v, ok := parsed.Get("email"); ok {
		if email, ok := v.(string); ok {
			claims.Email = email
		}
	}
	if v, ok := parsed.Get("roles"); ok {
		claims.Roles = toStringSlice(v)
	}
	return claims, nil
}

func toStringSlice(v any) []string {
	switch raw := v.(type) {
	case []string:
		return raw
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
