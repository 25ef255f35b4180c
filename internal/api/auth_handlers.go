package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/crosspoint/crosspoint/internal/api/middleware"
	"github.com/crosspoint/crosspoint/internal/store"
)

// authRequest is the JSON body for setup and login.
type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// authResponse carries the issued bearer token.
type authResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Username  string `json:"username"`
}

func validateAuthRequest(req authRequest) string {
	if errMsg := validateRequiredStringLen("username", req.Username, maxNameLen); errMsg != "" {
		return errMsg
	}
	return validateRequiredStringLen("password", req.Password, maxPasswordLen)
}

// handleSetup creates the first admin account. It only works while no
// account exists; afterwards it always returns 409.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateAuthRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	count, err := s.admins.Count(r.Context())
	if err != nil {
		slog.Error("setup: failed to count admin users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if count > 0 {
		writeError(w, http.StatusConflict, "setup already completed")
		return
	}

	hash, err := store.HashPassword(req.Password)
	if err != nil {
		slog.Error("setup: failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user := &store.AdminUser{
		Username:     req.Username,
		PasswordHash: hash,
	}
	if err := s.admins.Create(r.Context(), user); err != nil {
		slog.Error("setup: failed to create admin user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("admin account created", "username", user.Username)
	writeJSON(w, http.StatusCreated, map[string]string{"username": user.Username})
}

// handleLogin verifies credentials and issues a JWT bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateAuthRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	user, err := s.admins.GetByUsername(r.Context(), req.Username)
	if err != nil {
		slog.Error("login: failed to query admin user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ok, err := store.CheckPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		slog.Info("login rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken(s.jwtSecret, user.ID, user.Username)
	if err != nil {
		slog.Error("login: failed to sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("admin logged in", "username", user.Username)
	writeJSON(w, http.StatusOK, authResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
		Username:  user.Username,
	})
}
