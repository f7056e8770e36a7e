package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "mindbridge/src/configuration"
)

const oidcClientID = "mindbridge-web"

// fakeIdentityProvider serves discovery, keys and a token endpoint that
// always answers with an ID token for one subject.
func fakeIdentityProvider(t *testing.T, email string) *httptest.Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "k1"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                srv.URL + "/authorize",
			"token_endpoint":                        srv.URL + "/token",
			"jwks_uri":                              srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"},
		}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		idToken, err := jwt.Signed(signer).Claims(jwt.Claims{
			Issuer:   srv.URL,
			Subject:  "ext-42",
			Audience: jwt.Audience{oidcClientID},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
		}).Claims(map[string]any{"email": email, "name": "Ann External"}).CompactSerialize()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "provider-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idToken,
		})
	})
	return srv
}

func TestOIDCFlow(t *testing.T) {
	idp := fakeIdentityProvider(t, "ext@example.com")
	provider, err := NewOIDCProvider(context.Background(), cfg.AuthProperties{
		Host:        idp.URL,
		ID:          oidcClientID,
		Secret:      "secret",
		Redirect:    "http://localhost:8000/api/v1/auth/oidc/callback",
		StateCookie: "mb_state",
		ReadTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	env := newTestEnv(t, joyAnswer(), func(d *Dependencies) { d.OIDC = provider })

	w := env.do(t, http.MethodGet, "/api/v1/auth/oidc/login", nil, "")
	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/authorize", location.Path)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	callback := func(state string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/oidc/callback?code=abc&state="+state, nil)
		req.AddCookie(&http.Cookie{Name: "mb_state", Value: location.Query().Get("state")})
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, callback("forged").Code)

	w = callback(state)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tokens TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tokens))
	require.NotNil(t, tokens.User)
	assert.Equal(t, "ext@example.com", tokens.User.Email)
	assert.Equal(t, idp.URL+"|ext-42", tokens.User.ExternalID)

	// second login maps onto the same account
	w = callback(state)
	require.Equal(t, http.StatusOK, w.Code)
	var again TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Equal(t, tokens.User.ID, again.User.ID)

	w = env.do(t, http.MethodGet, "/api/v1/auth/profile", nil, tokens.AccessToken)
	assert.Equal(t, http.StatusOK, w.Code)
}
