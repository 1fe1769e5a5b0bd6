package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "super-secret-signing-key-for-tests"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func validClaims() Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "9b2f7c1e-0000-4000-8000-000000000001",
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Email:        "alice@example.com",
		UserMetadata: UserMetadata{AvatarURL: "https://cdn.example.com/a.png"},
	}
}

func newVerifier(t *testing.T, opts Options) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, opts)
	require.NoError(t, err)
	return v
}

func TestVerify_Valid(t *testing.T) {
	v := newVerifier(t, Options{Audience: "authenticated"})
	id, err := v.Verify(context.Background(), sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "9b2f7c1e-0000-4000-8000-000000000001", id.UserID)
	assert.Equal(t, "alice", id.DisplayName())
	assert.Equal(t, "https://cdn.example.com/a.png", id.AvatarURL)
}

func TestVerify_Rejections(t *testing.T) {
	v := newVerifier(t, Options{Audience: "authenticated", Issuer: "https://auth.example.com"})

	withIssuer := func(c Claims) Claims {
		c.Issuer = "https://auth.example.com"
		return c
	}

	cases := map[string]func() string{
		"empty": func() string { return "" },
		"garbage": func() string { return "not.a.jwt" },
		"wrong secret": func() string {
			return sign(t, jwt.SigningMethodHS256, []byte("other-secret"), withIssuer(validClaims()))
		},
		"expired": func() string {
			c := withIssuer(validClaims())
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return sign(t, jwt.SigningMethodHS256, []byte(testSecret), c)
		},
		"no expiry": func() string {
			c := withIssuer(validClaims())
			c.ExpiresAt = nil
			return sign(t, jwt.SigningMethodHS256, []byte(testSecret), c)
		},
		"no subject": func() string {
			c := withIssuer(validClaims())
			c.Subject = ""
			return sign(t, jwt.SigningMethodHS256, []byte(testSecret), c)
		},
		"wrong audience": func() string {
			c := withIssuer(validClaims())
			c.Audience = jwt.ClaimStrings{"anon"}
			return sign(t, jwt.SigningMethodHS256, []byte(testSecret), c)
		},
		"wrong issuer": func() string {
			return sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims())
		},
		"hs512": func() string {
			return sign(t, jwt.SigningMethodHS512, []byte(testSecret), withIssuer(validClaims()))
		},
		"alg none": func() string {
			return sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, withIssuer(validClaims()))
		},
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token())
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestVerify_CancelledContext(t *testing.T) {
	v := newVerifier(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Verify(ctx, sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims()))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	_, err := NewVerifier("  ", Options{})
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	v := newVerifier(t, Options{})
	token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims())

	r := httptest.NewRequest("POST", "/extract", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := v.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.NotEmpty(t, id.UserID)

	r = httptest.NewRequest("POST", "/extract", nil)
	_, err = v.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer   abc ", "abc", false},
		{"Basic abc", "", true},
		{"Bearer", "", true},
		{"Bearer  ", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := BearerToken(tc.header)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrUnauthorized, tc.header)
			continue
		}
		require.NoError(t, err, tc.header)
		assert.Equal(t, tc.want, got)
	}
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "bob", Identity{Email: "bob@example.com"}.DisplayName())
	assert.Equal(t, "Anonymous", Identity{}.DisplayName())
	assert.Equal(t, "Anonymous", Identity{Email: "@example.com"}.DisplayName())
}
