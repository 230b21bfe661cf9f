package stubhttp

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sandbox/internal/logger"
	"sandbox/internal/stub"
)

const minPasswordLength = 6

type handlers struct {
	store               *stub.Store
	source              stub.CandleSource
	anonKey             string
	tokenTTL            time.Duration
	requireConfirmation bool
	limits              *userLimits
}

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenBody struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	User         stub.User `json:"user"`
}

func (h *handlers) registerAuth(group *gin.RouterGroup) {
	group.POST("/token", h.handleToken)
	group.POST("/signup", h.handleSignUp)
	group.POST("/logout", h.handleLogout)
}

func (h *handlers) handleToken(c *gin.Context) {
	ctx := c.Request.Context()
	switch c.Query("grant_type") {
	case "password":
		var body credentialsBody
		if err := c.ShouldBindJSON(&body); err != nil {
			authError(c, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		user, err := h.store.Authenticate(ctx, body.Email, body.Password)
		if err != nil {
			h.authFailure(c, err)
			return
		}
		h.issue(c, user)
	case "refresh_token":
		var body refreshBody
		if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.RefreshToken) == "" {
			authError(c, http.StatusBadRequest, "invalid_request", "refresh_token is required")
			return
		}
		tok, err := h.store.Refresh(ctx, strings.TrimSpace(body.RefreshToken), h.tokenTTL)
		if err != nil {
			h.authFailure(c, err)
			return
		}
		c.JSON(http.StatusOK, toTokenBody(tok))
	default:
		authError(c, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type")
	}
}

func (h *handlers) handleSignUp(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		authError(c, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Email) == "" {
		authError(c, http.StatusBadRequest, "validation_failed", "email is required")
		return
	}
	if len(body.Password) < minPasswordLength {
		authError(c, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters")
		return
	}
	user, err := h.store.CreateUser(c.Request.Context(), body.Email, body.Password, !h.requireConfirmation)
	if errors.Is(err, stub.ErrUserExists) {
		authError(c, http.StatusUnprocessableEntity, "user_already_exists", err.Error())
		return
	}
	if err != nil {
		h.authFailure(c, err)
		return
	}
	if h.requireConfirmation {
		logger.Infof("stub: %s signed up, confirmation pending", user.Email)
		c.JSON(http.StatusOK, gin.H{
			"id":                   user.ID,
			"email":                user.Email,
			"confirmation_sent_at": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	h.issue(c, user)
}

func (h *handlers) handleLogout(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		authError(c, http.StatusUnauthorized, "no_authorization", "This endpoint requires a Bearer token")
		return
	}
	if err := h.store.Revoke(c.Request.Context(), token); err != nil {
		h.authFailure(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) issue(c *gin.Context, user stub.User) {
	tok, err := h.store.IssueToken(c.Request.Context(), user, h.tokenTTL)
	if err != nil {
		h.authFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, toTokenBody(tok))
}

func (h *handlers) authFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, stub.ErrInvalidCredentials), errors.Is(err, stub.ErrInvalidToken):
		authError(c, http.StatusBadRequest, "invalid_grant", err.Error())
	case errors.Is(err, stub.ErrEmailNotConfirmed):
		authError(c, http.StatusBadRequest, "email_not_confirmed", err.Error())
	default:
		logger.Errorf("stub auth: %v", err)
		authError(c, http.StatusInternalServerError, "unexpected_failure", "internal error")
	}
}

func authError(c *gin.Context, status int, code, description string) {
	c.JSON(status, gin.H{"error": code, "error_description": description})
}

func toTokenBody(tok stub.Token) tokenBody {
	return tokenBody{
		AccessToken:  tok.AccessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(time.Until(tok.ExpiresAt).Seconds()),
		ExpiresAt:    tok.ExpiresAt.Unix(),
		RefreshToken: tok.RefreshToken,
		User:         tok.User,
	}
}
