package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"chat_gateway/internal/auth"
	"chat_gateway/internal/logging"
	"chat_gateway/internal/models"
	"chat_gateway/internal/storage"
	"chat_gateway/internal/utils"
)

// AdminUsersHandler serves the user management endpoints.
type AdminUsersHandler struct {
	users  *storage.UserRepository
	logger *logging.Logger
}

// NewAdminUsersHandler creates the admin users handler.
func NewAdminUsersHandler(users *storage.UserRepository) *AdminUsersHandler {
	return &AdminUsersHandler{
		users:  users,
		logger: logging.NewLogger("httpapi.admin.users"),
	}
}

type adminUserResponse struct {
	ID               string  `json:"id"`
	Email            string  `json:"email"`
	Name             string  `json:"name"`
	Role             string  `json:"role"`
	StripeCustomerID *string `json:"stripe_customer_id"`
	Enabled          bool    `json:"enabled"`
	LastLoginAt      *string `json:"last_login_at"`
	CreatedAt        string  `json:"created_at"`
}

func toAdminUserResponse(user *models.User) adminUserResponse {
	resp := adminUserResponse{
		ID:               user.ID.String(),
		Email:            user.Email,
		Name:             user.Name,
		Role:             user.Role,
		StripeCustomerID: user.StripeCustomerID,
		Enabled:          user.Enabled,
		CreatedAt:        user.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if user.LastLoginAt != nil {
		formatted := user.LastLoginAt.Format("2006-01-02T15:04:05Z07:00")
		resp.LastLoginAt = &formatted
	}
	return resp
}

// HandleCollection dispatches /admin/users requests.
func (h *AdminUsersHandler) HandleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleItem dispatches /admin/users/{id} requests.
func (h *AdminUsersHandler) HandleItem(w http.ResponseWriter, r *http.Request) {
	rawID := strings.TrimPrefix(r.URL.Path, "/admin/users/")
	id, err := uuid.Parse(rawID)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodPut:
		h.update(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		utils.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *AdminUsersHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	users, err := h.users.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("user listing failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	responses := make([]adminUserResponse, 0, len(users))
	for _, user := range users {
		responses = append(responses, toAdminUserResponse(user))
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"users": responses,
		"count": len(responses),
	})
}

type adminCreateUserRequest struct {
	Email            string  `json:"email"`
	Name             string  `json:"name"`
	Password         string  `json:"password"`
	Role             string  `json:"role"`
	StripeCustomerID *string `json:"stripe_customer_id"`
}

func (h *AdminUsersHandler) create(w http.ResponseWriter, r *http.Request) {
	var req adminCreateUserRequest
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

	role := req.Role
	if role == "" {
		role = auth.RoleUser.String()
	}
	if !auth.Role(role).IsValid() {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid role")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("password hashing failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	user := &models.User{
		Email:            req.Email,
		Name:             strings.TrimSpace(req.Name),
		PasswordHash:     hash,
		Role:             role,
		StripeCustomerID: req.StripeCustomerID,
		Enabled:          true,
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

	utils.RespondWithJSON(w, http.StatusCreated, toAdminUserResponse(user))
}

func (h *AdminUsersHandler) get(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error("user lookup failed", "user", id.String(), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to get user")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, toAdminUserResponse(user))
}

type adminUpdateUserRequest struct {
	Name             *string `json:"name"`
	Password         *string `json:"password"`
	Role             *string `json:"role"`
	StripeCustomerID *string `json:"stripe_customer_id"`
	Enabled          *bool   `json:"enabled"`
}

func (h *AdminUsersHandler) update(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var req adminUpdateUserRequest
	if err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error("user lookup failed", "user", id.String(), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to get user")
		return
	}

	if req.Name != nil {
		user.Name = strings.TrimSpace(*req.Name)
	}
	if req.Password != nil {
		if len(*req.Password) < 8 {
			utils.RespondWithError(w, http.StatusBadRequest, "Password must be at least 8 characters")
			return
		}
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			h.logger.Error("password hashing failed", "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "Failed to update user")
			return
		}
		user.PasswordHash = hash
	}
	if req.Role != nil {
		if !auth.Role(*req.Role).IsValid() {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid role")
			return
		}
		user.Role = *req.Role
	}
	if req.StripeCustomerID != nil {
		user.StripeCustomerID = req.StripeCustomerID
	}
	if req.Enabled != nil {
		user.Enabled = *req.Enabled
	}

	if err := h.users.Update(r.Context(), user); err != nil {
		h.logger.Error("user update failed", "user", id.String(), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to update user")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, toAdminUserResponse(user))
}

func (h *AdminUsersHandler) delete(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := h.users.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error("user deletion failed", "user", id.String(), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
