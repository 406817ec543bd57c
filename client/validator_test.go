package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jwksServer struct {
	*httptest.Server
	hits atomic.Int32
	keys atomic.Value
}

func newJWKSServer(t *testing.T, keys ...jose.JSONWebKey) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.keys.Store(jose.JSONWebKeySet{Keys: keys})
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=600")
		_ = json.NewEncoder(w).Encode(s.keys.Load().(jose.JSONWebKeySet))
	}))
	t.Cleanup(s.Close)
	return s
}

func newRSAKey(t *testing.T, kid string) (*rsa.PrivateKey, jose.JSONWebKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv, jose.JSONWebKey{Key: &priv.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
}

func signIDToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	raw, err := tok.SignedString(priv)
	require.NoError(t, err)
	return raw
}

func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   "https://idp.test",
		"aud":   "demo-client-id",
		"sub":   "user-1",
		"nonce": "n",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func TestVerifyIDToken(t *testing.T) {
	priv, pub := newRSAKey(t, "k1")
	srv := newJWKSServer(t, pub)
	v := NewValidator(ValidatorConfig{ClientID: "demo-client-id", HTTPClient: srv.Client()})
	ctx := context.Background()

	raw := signIDToken(t, priv, "k1", validClaims())
	require.NoError(t, v.VerifyIDToken(ctx, "https://idp.test", srv.URL, raw, "n"))
	require.NoError(t, v.VerifyIDToken(ctx, "https://idp.test", srv.URL, raw, "n"))
	assert.EqualValues(t, 1, srv.hits.Load())
}

func TestVerifyIDTokenRejects(t *testing.T) {
	priv, pub := newRSAKey(t, "k1")
	other, _ := newRSAKey(t, "k1")
	srv := newJWKSServer(t, pub)
	v := NewValidator(ValidatorConfig{ClientID: "demo-client-id", HTTPClient: srv.Client()})
	ctx := context.Background()

	tests := map[string]struct {
		raw    string
		issuer string
	}{
		"wrong signer": {signIDToken(t, other, "k1", validClaims()), "https://idp.test"},
		"wrong issuer": {signIDToken(t, priv, "k1", validClaims()), "https://other.test"},
		"wrong audience": {signIDToken(t, priv, "k1", func() jwt.MapClaims {
			c := validClaims()
			c["aud"] = "someone-else"
			return c
		}()), "https://idp.test"},
		"expired": {signIDToken(t, priv, "k1", func() jwt.MapClaims {
			c := validClaims()
			c["exp"] = time.Now().Add(-time.Hour).Unix()
			return c
		}()), "https://idp.test"},
		"no sub": {signIDToken(t, priv, "k1", func() jwt.MapClaims {
			c := validClaims()
			delete(c, "sub")
			return c
		}()), "https://idp.test"},
		"unknown kid": {signIDToken(t, priv, "k2", validClaims()), "https://idp.test"},
		"wrong nonce": {signIDToken(t, priv, "k1", func() jwt.MapClaims {
			c := validClaims()
			c["nonce"] = "replayed"
			return c
		}()), "https://idp.test"},
		"garbage":     {"not-a-jwt", "https://idp.test"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, v.VerifyIDToken(ctx, tc.issuer, srv.URL, tc.raw, "n"))
		})
	}

	assert.Error(t, v.VerifyIDToken(ctx, "https://idp.test", "", signIDToken(t, priv, "k1", validClaims()), "n"))
	assert.Error(t, v.VerifyIDToken(ctx, "https://idp.test", srv.URL, "", "n"))
}

func TestVerifyIDTokenWithoutExpectedNonce(t *testing.T) {
	priv, pub := newRSAKey(t, "k1")
	srv := newJWKSServer(t, pub)
	v := NewValidator(ValidatorConfig{ClientID: "demo-client-id", HTTPClient: srv.Client()})

	require.NoError(t, v.VerifyIDToken(context.Background(), "https://idp.test", srv.URL, signIDToken(t, priv, "k1", validClaims()), ""))
}

func TestVerifyIDTokenRefreshesOnKeyRotation(t *testing.T) {
	oldPriv, oldPub := newRSAKey(t, "old")
	newPriv, newPub := newRSAKey(t, "new")
	srv := newJWKSServer(t, oldPub)
	v := NewValidator(ValidatorConfig{ClientID: "demo-client-id", HTTPClient: srv.Client()})
	ctx := context.Background()

	require.NoError(t, v.VerifyIDToken(ctx, "https://idp.test", srv.URL, signIDToken(t, oldPriv, "old", validClaims()), "n"))
	assert.EqualValues(t, 1, srv.hits.Load())

	srv.keys.Store(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{oldPub, newPub}})
	raw := signIDToken(t, newPriv, "new", validClaims())
	require.NoError(t, v.VerifyIDToken(ctx, "https://idp.test", srv.URL, raw, "n"))
	assert.EqualValues(t, 2, srv.hits.Load())
}
