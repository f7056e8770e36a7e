package server

import (
	"errors"
	"net/http"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mindbridge/src/app"
	db "mindbridge/src/repository"
	"mindbridge/src/security"
)

const (
	userContextKey    = "user"
	minPasswordLength = 8
	maxProfileText    = 1000
)

type (
	AuthHandler struct {
		store  db.Store
		issuer *security.Issuer
		oidc   *OIDCProvider
		logger *zap.Logger
		// nil when login attempts are not limited
		loginLimiter *windowLimiter
	}

	RegisterBody struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
	}

	LoginBody struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	RefreshBody struct {
		RefreshToken string `json:"refresh_token"`
	}

	// ProfileBody lists the fields a user may change. Anything else is ignored.
	ProfileBody struct {
		BaselineMood          *string        `json:"baseline_mood"`
		EmergencyContactName  *string        `json:"emergency_contact_name"`
		EmergencyContactPhone *string        `json:"emergency_contact_phone"`
		PrivacySettings       map[string]any `json:"privacy_settings"`
	}

	TokenResponse struct {
		AccessToken  string    `json:"access_token"`
		RefreshToken string    `json:"refresh_token"`
		TokenType    string    `json:"token_type"`
		ExpiresIn    int       `json:"expires_in"`
		User         *app.User `json:"user,omitempty"`
	}
)

func NewAuthHandler(store db.Store, issuer *security.Issuer, provider *OIDCProvider, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{store: store, issuer: issuer, oidc: provider, logger: logger}
}

func detail(c *gin.Context, status int, msg string) {
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": msg})
}

func (a *AuthHandler) Register(c *gin.Context) {
	var body RegisterBody
	if err := c.ShouldBindJSON(&body); err != nil {
		detail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	if _, err := mail.ParseAddress(body.Email); err != nil {
		detail(c, http.StatusBadRequest, "Invalid email address")
		return
	}
	if len(body.Password) < minPasswordLength {
		detail(c, http.StatusBadRequest, "Password must be at least 8 characters long")
		return
	}
	hash, err := security.HashPassword(body.Password)
	if err != nil {
		a.logger.Error("registration error", zap.Error(err))
		detail(c, http.StatusInternalServerError, "Registration failed")
		return
	}
	user := &app.User{
		ID:           uuid.NewString(),
		Email:        body.Email,
		FullName:     strings.TrimSpace(body.FullName),
		PasswordHash: hash,
		IsActive:     true,
		BaselineMood: app.MoodNeutral,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateUser(c.Request.Context(), user); err != nil {
		if errors.Is(err, db.ErrEmailTaken) {
			detail(c, http.StatusBadRequest, "Email already registered")
			return
		}
		a.logger.Error("registration error", zap.Error(err))
		detail(c, http.StatusInternalServerError, "Registration failed")
		return
	}
	a.logger.Info("user registered", zap.String("user_id", user.ID))
	a.respondTokens(c, http.StatusCreated, user)
}

// LimitLogin rejects a client address that used up its login attempts.
func (a *AuthHandler) LimitLogin(c *gin.Context) {
	if a.loginLimiter == nil || a.loginLimiter.Allow("login:"+c.ClientIP()) {
		c.Next()
		return
	}
	a.logger.Warn("login rate limit exceeded", zap.String("client", c.ClientIP()))
	c.Header("Retry-After", strconv.Itoa(int(a.loginLimiter.window.Seconds())))
	detail(c, http.StatusTooManyRequests, "Too many login attempts. Please try again later.")
}

func (a *AuthHandler) Login(c *gin.Context) {
	var body LoginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		detail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, err := a.store.UserByEmail(c.Request.Context(), strings.TrimSpace(body.Email))
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		a.logger.Error("login error", zap.Error(err))
		detail(c, http.StatusInternalServerError, "Login failed")
		return
	}
	if user == nil || !security.VerifyPassword(body.Password, user.PasswordHash) {
		a.logger.Warn("failed login attempt", zap.String("email", body.Email))
		detail(c, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	if !user.IsActive {
		detail(c, http.StatusBadRequest, "Account is deactivated")
		return
	}
	a.logger.Info("user logged in", zap.String("user_id", user.ID))
	a.respondTokens(c, http.StatusOK, user)
}

// Refresh issues a new access token and hands back the same refresh token.
func (a *AuthHandler) Refresh(c *gin.Context) {
	var body RefreshBody
	if err := c.ShouldBindJSON(&body); err != nil || body.RefreshToken == "" {
		detail(c, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	ctx := c.Request.Context()
	claims, err := a.issuer.Verify(body.RefreshToken, security.RefreshToken)
	if err != nil {
		detail(c, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	revoked, err := a.store.IsRevoked(ctx, claims.ID)
	if err != nil || revoked {
		detail(c, http.StatusUnauthorized, "Could not refresh token")
		return
	}
	user, err := a.store.UserByID(ctx, claims.Subject)
	if err != nil || !user.IsActive {
		detail(c, http.StatusUnauthorized, "User not found or inactive")
		return
	}
	access, _, err := a.issuer.Issue(user.ID, user.Email, security.AccessToken)
	if err != nil {
		a.logger.Error("token refresh error", zap.Error(err))
		detail(c, http.StatusUnauthorized, "Could not refresh token")
		return
	}
	a.logger.Debug("token refreshed", zap.String("user_id", user.ID))
	c.JSON(http.StatusOK, TokenResponse{
		AccessToken:  access,
		RefreshToken: body.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int(a.issuer.AccessTTL().Seconds()),
	})
}

// Logout revokes the posted refresh token when it belongs to the caller.
func (a *AuthHandler) Logout(c *gin.Context) {
	user := currentUser(c)
	var body RefreshBody
	_ = c.ShouldBindJSON(&body)
	if body.RefreshToken != "" {
		claims, err := a.issuer.Verify(body.RefreshToken, security.RefreshToken)
		if err == nil && claims.Subject == user.ID {
			if err := a.store.RevokeToken(c.Request.Context(), claims.ID, claims.ExpiresAt); err != nil {
				a.logger.Error("logout error", zap.Error(err))
				detail(c, http.StatusInternalServerError, "Logout failed")
				return
			}
		}
	}
	a.logger.Info("user logged out", zap.String("user_id", user.ID))
	c.JSON(http.StatusOK, gin.H{"message": "Successfully logged out"})
}

func (a *AuthHandler) Profile(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

// UpdateProfile changes the mood baseline, emergency contact and privacy settings.
func (a *AuthHandler) UpdateProfile(c *gin.Context) {
	var body ProfileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		detail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	user := *currentUser(c)
	if body.BaselineMood != nil {
		if !slices.Contains(app.MoodLevels, *body.BaselineMood) {
			detail(c, http.StatusBadRequest, "Invalid baseline_mood. Allowed: "+strings.Join(app.MoodLevels, ", "))
			return
		}
		user.BaselineMood = *body.BaselineMood
	}
	if body.EmergencyContactName != nil {
		user.EmergencyContactName = sanitize(*body.EmergencyContactName)
	}
	if body.EmergencyContactPhone != nil {
		user.EmergencyContactPhone = sanitize(*body.EmergencyContactPhone)
	}
	if body.PrivacySettings != nil {
		user.PrivacySettings = body.PrivacySettings
	}
	if err := a.store.UpdateUser(c.Request.Context(), &user); err != nil {
		a.logger.Error("profile update error", zap.Error(err))
		detail(c, http.StatusInternalServerError, "Profile update failed")
		return
	}
	a.logger.Info("profile updated", zap.String("user_id", user.ID))
	c.JSON(http.StatusOK, &user)
}

var unsafeText = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "")

func sanitize(text string) string {
	text = strings.TrimSpace(unsafeText.Replace(text))
	if r := []rune(text); len(r) > maxProfileText {
		text = string(r[:maxProfileText])
	}
	return text
}

func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// RequireAuth accepts a bearer header only.
func (a *AuthHandler) RequireAuth(c *gin.Context) {
	a.authenticate(c, bearerToken(c))
}

// RequireStreamAuth also takes a token query parameter, for EventSource
// clients that cannot set headers.
func (a *AuthHandler) RequireStreamAuth(c *gin.Context) {
	raw := bearerToken(c)
	if raw == "" {
		raw = c.Query("token")
	}
	a.authenticate(c, raw)
}

func (a *AuthHandler) authenticate(c *gin.Context, raw string) {
	if raw == "" {
		detail(c, http.StatusUnauthorized, "Not authenticated")
		return
	}
	claims, err := a.issuer.Verify(raw, security.AccessToken)
	if err != nil {
		detail(c, http.StatusUnauthorized, "Invalid token")
		return
	}
	user, err := a.store.UserByID(c.Request.Context(), claims.Subject)
	if err != nil {
		detail(c, http.StatusUnauthorized, "User not found")
		return
	}
	if !user.IsActive {
		detail(c, http.StatusBadRequest, "Inactive user")
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) *app.User {
	return c.MustGet(userContextKey).(*app.User)
}

func (a *AuthHandler) respondTokens(c *gin.Context, status int, user *app.User) {
	access, _, err := a.issuer.Issue(user.ID, user.Email, security.AccessToken)
	if err != nil {
		a.logger.Error("issue access token", zap.Error(err))
		detail(c, http.StatusInternalServerError, "Could not issue tokens")
		return
	}
	refresh, _, err := a.issuer.Issue(user.ID, user.Email, security.RefreshToken)
	if err != nil {
		a.logger.Error("issue refresh token", zap.Error(err))
		detail(c, http.StatusInternalServerError, "Could not issue tokens")
		return
	}
	c.JSON(status, TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(a.issuer.AccessTTL().Seconds()),
		User:         user,
	})
}
