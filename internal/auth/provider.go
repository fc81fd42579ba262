package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies the session token attached to every backend request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// FileToken reads the token from disk on every call so that a fresh login
// written by another process is picked up without a restart.
type FileToken struct {
	Path string
}

func (f FileToken) Token(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// ExpiryChecked fails fast with ErrTokenExpired when the wrapped provider
// returns a JWT whose exp claim has passed. Opaque tokens pass through.
type ExpiryChecked struct {
	Inner TokenProvider
	Now   func() time.Time
}

func (e ExpiryChecked) Token(ctx context.Context) (string, error) {
	tok, err := e.Inner.Token(ctx)
	if err != nil {
		return "", err
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return tok, nil
	}
	if claims.ExpiresAt == nil {
		return tok, nil
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	if !now().Before(claims.ExpiresAt.Time) {
		return "", ErrTokenExpired
	}
	return tok, nil
}

// ProviderFor picks the provider implied by configuration: an explicit token
// wins over a token file.
func ProviderFor(token, file string) TokenProvider {
	var p TokenProvider = StaticToken(token)
	if token == "" && file != "" {
		p = FileToken{Path: file}
	}
	return ExpiryChecked{Inner: p}
}
