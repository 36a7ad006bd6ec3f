// Package auth validates the JWT access tokens issued by the login service
// and resolves them to user IDs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrUnauthorized is returned for any token that does not identify an active
// user. The cause is wrapped for logging but callers should not expose it.
var ErrUnauthorized = errors.New("could not validate credentials")

// DefaultTTL is the access token lifetime used by IssueToken when none is
// configured.
const DefaultTTL = 30 * time.Minute

// UserResolver maps the e-mail carried in a token to a user.
type UserResolver interface {
	FindIDByEmail(ctx context.Context, email string) (id uuid.UUID, active bool, err error)
}

// Config holds token signing parameters.
type Config struct {
	Secret    string
	Algorithm string // HS256, HS384 or HS512
	TTL       time.Duration
	Now       func() time.Time
}

// Authenticator validates access tokens.
type Authenticator struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
	now    func() time.Time
	users  UserResolver
}

// New returns an Authenticator. Only HMAC algorithms are accepted.
func New(cfg Config, users UserResolver) (*Authenticator, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth: secret is required")
	}
	alg := strings.ToUpper(strings.TrimSpace(cfg.Algorithm))
	if alg == "" {
		alg = "HS256"
	}
	method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("auth: unsupported algorithm %q", cfg.Algorithm)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authenticator{
		secret: []byte(cfg.Secret),
		method: method,
		ttl:    cfg.TTL,
		now:    cfg.Now,
		users:  users,
	}, nil
}

// Subject parses token and returns its subject (the user's e-mail). It
// requires a valid signature with the configured algorithm and an unexpired
// exp claim.
func (a *Authenticator) Subject(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{a.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Authenticate validates token and resolves it to an active user's ID.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (uuid.UUID, error) {
	email, err := a.Subject(token)
	if err != nil {
		return uuid.Nil, err
	}
	if a.users == nil {
		return uuid.Nil, fmt.Errorf("%w: no user resolver", ErrUnauthorized)
	}

	id, active, err := a.users.FindIDByEmail(ctx, email)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !active {
		return uuid.Nil, fmt.Errorf("%w: inactive user", ErrUnauthorized)
	}
	return id, nil
}

// IssueToken mints an access token for email.
func (a *Authenticator) IssueToken(email string) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	signed, err := jwt.NewWithClaims(a.method, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
