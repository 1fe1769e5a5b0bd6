package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/arch1tech/platform/internal/auth"
	"github.com/arch1tech/platform/internal/config"
	"github.com/arch1tech/platform/internal/loadtest/client"
)

// commonFlags are shared by every scenario.
type commonFlags struct {
	url         *string
	secret      *string
	audience    *string
	workspaces  *int
	concurrency *int
	metricsURL  *string
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		url:         fs.String("url", "ws://localhost:8081/ws", "relay WebSocket URL"),
		secret:      fs.String("secret", "", "JWT signing secret (default $"+config.KeyJWTSecret+")"),
		audience:    fs.String("audience", "authenticated", "token audience"),
		workspaces:  fs.Int("workspaces", 10, "number of workspaces to spread connections over"),
		concurrency: fs.Int("concurrency", 50, "maximum simultaneous connection attempts"),
		metricsURL:  fs.String("metrics-url", "", "relay /metrics URL to scrape during the run"),
	}
}

// minter issues short-lived tokens for simulated users.
type minter struct {
	secret   []byte
	audience string
}

func newMinter(f commonFlags) (*minter, error) {
	secret := *f.secret
	if secret == "" {
		secret = config.ResolveSecret(config.EnvSource{}, config.KeyJWTSecret, config.LegacyKeyJWTSecret).Value
	}
	if secret == "" {
		return nil, errors.New("no signing secret: pass --secret or set " + config.KeyJWTSecret)
	}
	return &minter{secret: []byte(secret), audience: *f.audience}, nil
}

// mint returns a fresh user ID and a token for it.
func (m *minter) mint(n int) (string, string, error) {
	userID := uuid.NewString()
	now := time.Now()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Hour)),
		},
		Email: fmt.Sprintf("loadtest-%d@example.com", n),
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign token: %w", err)
	}
	return userID, tok, nil
}

func workspaceName(i int) string {
	return fmt.Sprintf("loadtest-%03d", i)
}

// connectURL mints a user for connection n and returns its relay URL.
func (m *minter) connectURL(base string, n, workspaces int) (string, error) {
	if workspaces <= 0 {
		workspaces = 1
	}
	_, tok, err := m.mint(n)
	if err != nil {
		return "", err
	}
	return client.URL(base, workspaceName(n%workspaces), tok)
}

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
