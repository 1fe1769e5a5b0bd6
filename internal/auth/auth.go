// Package auth verifies the identity provider's bearer tokens. Tokens are
// HS256 JWTs signed with the project secret; verification is local.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for every authentication failure. The wrapped
// cause is for logs only.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is the authenticated caller.
type Identity struct {
	UserID    string
	Email     string
	AvatarURL string
}

// DisplayName is the part of the email before the @, or "Anonymous".
func (id Identity) DisplayName() string {
	if name, _, _ := strings.Cut(id.Email, "@"); name != "" {
		return name
	}
	return "Anonymous"
}

// Claims is the token body issued by the identity provider.
type Claims struct {
	jwt.RegisteredClaims

	Email        string       `json:"email,omitempty"`
	Role         string       `json:"role,omitempty"`
	UserMetadata UserMetadata `json:"user_metadata,omitempty"`
}

type UserMetadata struct {
	AvatarURL string `json:"avatar_url,omitempty"`
	FullName  string `json:"full_name,omitempty"`
}

// Options tune verification. Zero values disable the optional checks.
type Options struct {
	Audience string
	Issuer   string
	Leeway   time.Duration
}

// Verifier checks bearer tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier returns a Verifier for tokens signed with secret.
func NewVerifier(secret string, opts Options) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is empty")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(opts.Leeway))
	}
	return &Verifier{secret: []byte(secret), parser: jwt.NewParser(parserOpts...)}, nil
}

// Verify validates token and returns the caller's identity.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return Identity{
		UserID:    claims.Subject,
		Email:     claims.Email,
		AvatarURL: claims.UserMetadata.AvatarURL,
	}, nil
}

// Authenticate verifies the bearer token carried by r.
func (v *Verifier) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	token, err := BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return Identity{}, err
	}
	return v.Verify(ctx, token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	return token, nil
}
