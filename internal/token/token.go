// Package token issues the per-model capability credentials sent to the
// remote NLU service as bearer tokens.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/zulandar/roundhouse/internal/nlu"
)

// DefaultTTL is the lifetime of an issued token.
const DefaultTTL = time.Hour

// AnyLanguage scopes a token to every language of a bot, as language
// detection needs.
const AnyLanguage = "*"

// Source hands out the token for one model key.
type Source interface {
	Issue(key nlu.ModelKey) (string, error)
}

// Claims scope a token to one bot and language.
type Claims struct {
	Bot      string `json:"bot"`
	Language string `json:"lang"`
	jwt.RegisteredClaims
}

// Issuer signs HS256 tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

var _ Source = (*Issuer)(nil)

// NewIssuer returns an issuer for secret. A non-positive ttl means DefaultTTL.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token: secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for key.
func (i *Issuer) Issue(key nlu.ModelKey) (string, error) {
	if key.BotID == "" || key.Language == "" {
		return "", fmt.Errorf("token: incomplete key %q", key)
	}
	now := i.now().UTC()
	claims := Claims{
		Bot:      key.BotID,
		Language: key.Language,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign %s: %w", key, err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of tok and returns its claims.
func (i *Issuer) Verify(tok string) (*Claims, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return nil, errors.New("token: empty token")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("token: verify: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("token: verify: invalid token")
	}
	if claims.Bot == "" || claims.Language == "" {
		return nil, errors.New("token: verify: missing bot or language claim")
	}
	return claims, nil
}

// Allows reports whether the claims grant access to key.
func (c *Claims) Allows(key nlu.ModelKey) bool {
	if c.Bot != key.BotID {
		return false
	}
	return c.Language == AnyLanguage || c.Language == key.Language
}

// Static returns the same configured token for every key, for services
// protected by a single shared key.
type Static string

// Issue returns s.
func (s Static) Issue(nlu.ModelKey) (string, error) { return string(s), nil }
