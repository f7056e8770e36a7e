package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mindbridge/src/app"
	cfg "mindbridge/src/configuration"
	db "mindbridge/src/repository"
)

// OIDCProvider is the optional external identity provider. Accounts it creates
// are keyed by issuer and subject.
type OIDCProvider struct {
	provider    *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	AuthConfig  *oauth2.Config
	Issuer      string
	StateCookie string
}

func randString(nByte int) (string, error) {
	b := make([]byte, nByte)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewOIDCProvider runs discovery against config.Host.
func NewOIDCProvider(ctx context.Context, config cfg.AuthProperties) (*OIDCProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, config.ReadTimeout)
	defer cancel()
	provider, err := oidc.NewProvider(ctx, config.Host)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider %s: %w", config.Host, err)
	}
	return &OIDCProvider{
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: config.ID}),
		AuthConfig: &oauth2.Config{
			ClientID:     config.ID,
			ClientSecret: config.Secret,
			RedirectURL:  config.Redirect,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		Issuer:      config.Host,
		StateCookie: config.StateCookie,
	}, nil
}

// OIDCLogin redirects the browser to the provider with a fresh state cookie.
func (a *AuthHandler) OIDCLogin(c *gin.Context) {
	if a.oidc == nil {
		detail(c, http.StatusNotFound, "External login is not configured")
		return
	}
	state, err := randString(16)
	if err != nil {
		detail(c, http.StatusInternalServerError, "Could not start login")
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(a.oidc.StateCookie, state, int((10 * time.Minute).Seconds()), "/", "", false, true)
	c.Redirect(http.StatusFound, a.oidc.AuthConfig.AuthCodeURL(state))
}

// OIDCCallback exchanges the code, verifies the ID token and answers with our own token pair.
func (a *AuthHandler) OIDCCallback(c *gin.Context) {
	if a.oidc == nil {
		detail(c, http.StatusNotFound, "External login is not configured")
		return
	}
	expected, err := c.Cookie(a.oidc.StateCookie)
	if err != nil || expected == "" || c.Query("state") != expected {
		detail(c, http.StatusBadRequest, "no current state found")
		return
	}
	c.SetCookie(a.oidc.StateCookie, "", -1, "/", "", false, true)

	ctx := c.Request.Context()
	token, err := a.oidc.AuthConfig.Exchange(ctx, c.Query("code"))
	if err != nil {
		detail(c, http.StatusBadRequest, "Error getting access token: "+err.Error())
		return
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		detail(c, http.StatusBadRequest, "No ID token found in callback")
		return
	}
	idToken, err := a.oidc.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		detail(c, http.StatusUnauthorized, "Error verifying ID token: "+err.Error())
		return
	}
	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		detail(c, http.StatusBadRequest, "Can not parse ID token claims: "+err.Error())
		return
	}
	if claims.Email == "" {
		detail(c, http.StatusBadRequest, "ID token carries no email")
		return
	}

	user, err := a.externalUser(ctx, idToken.Issuer+"|"+idToken.Subject, claims.Email, claims.Name)
	if err != nil {
		a.logger.Error("external login error", zap.Error(err))
		detail(c, http.StatusInternalServerError, "Login failed")
		return
	}
	a.respondTokens(c, http.StatusOK, user)
}

func (a *AuthHandler) externalUser(ctx context.Context, externalID, email, name string) (*app.User, error) {
	user, err := a.store.UserByExternalID(ctx, externalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if user, err := a.store.UserByEmail(ctx, email); err == nil {
		return user, nil
	}
	user = &app.User{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     name,
		ExternalID:   externalID,
		IsActive:     true,
		BaselineMood: app.MoodNeutral,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	a.logger.Info("user created from external login", zap.String("user_id", user.ID))
	return user, nil
}
