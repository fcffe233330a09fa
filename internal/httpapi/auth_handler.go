package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"chat_gateway/internal/auth"
	"chat_gateway/internal/config"
	"chat_gateway/internal/logging"
	"chat_gateway/internal/models"
	"chat_gateway/internal/storage"
	"chat_gateway/internal/utils"
)

// AuthHandler serves signup and login.
type AuthHandler struct {
	users  *storage.UserRepository
	cfg    *config.Config
	logger *logging.Logger
}

// NewAuthHandler creates the auth endpoints handler.
func NewAuthHandler(users *storage.UserRepository, cfg *config.Config) *AuthHandler {
	return &AuthHandler{
		users:  users,
		cfg:    cfg,
		logger: logging.NewLogger("httpapi.auth"),
	}
}

type signupRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt int64        `json:"expires_at"`
	User      userResponse `json:"user"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func toUserResponse(user *models.User) userResponse {
	return userResponse{
		ID:    user.ID.String(),
		Email: user.Email,
		Name:  user.Name,
		Role:  user.Role,
	}
}

// Signup registers a new free-tier user and returns a session token.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req signupRequest
	if err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		utils.RespondWithError(w, http.StatusBadRequest, "A valid email is required")
		return
	}
	if len(req.Password) < 8 {
		utils.RespondWithError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("password hashing failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	user := &models.User{
		Email:        req.Email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hash,
		Role:         auth.RoleUser.String(),
		Enabled:      true,
	}

	if err := h.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, storage.ErrEmailTaken) {
			utils.RespondWithError(w, http.StatusConflict, "Email already registered")
			return
		}
		h.logger.Error("user creation failed", "email", req.Email, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	h.respondWithSession(w, http.StatusCreated, user)
}

// Login authenticates a user and returns a session token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req loginRequest
	if err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	user, err := h.users.GetByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			utils.RespondWithError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		h.logger.Error("user lookup failed", "email", email, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	if !user.Enabled || !auth.CheckPassword(req.Password, user.PasswordHash) {
		utils.RespondWithError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	if err := h.users.UpdateLastLogin(r.Context(), user.ID); err != nil {
		h.logger.Warn("last login update failed", "user", user.ID.String(), "error", err)
	}

	h.respondWithSession(w, http.StatusOK, user)
}

func (h *AuthHandler) respondWithSession(w http.ResponseWriter, code int, user *models.User) {
	token, expiresAt, err := auth.GenerateSessionToken(user, h.cfg.JWTSecret)
	if err != nil {
		h.logger.Error("token generation failed", "user", user.ID.String(), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	utils.RespondWithJSON(w, code, sessionResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      toUserResponse(user),
	})
}
