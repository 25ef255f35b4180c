package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crosspoint/crosspoint/internal/store"
)

// backendRequest is the JSON body for creating/updating a backend.
type backendRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
	Priority *int   `json:"priority"`
	Enabled  *bool  `json:"enabled"`
}

// backendResponse is the JSON response for a single backend. The password is
// never returned.
type backendResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Address   string `json:"address"`
	Username  string `json:"username"`
	Priority  int    `json:"priority"`
	Enabled   bool   `json:"enabled"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toBackendResponse(b *store.Backend) backendResponse {
	return backendResponse{
		ID:        b.ID,
		Name:      b.Name,
		Kind:      b.Kind,
		Address:   b.Address,
		Username:  b.Username,
		Priority:  b.Priority,
		Enabled:   b.Enabled,
		CreatedAt: b.CreatedAt.Format(time.RFC3339),
		UpdatedAt: b.UpdatedAt.Format(time.RFC3339),
	}
}

func validateBackendRequest(req backendRequest) string {
	if errMsg := validateRequiredStringLen("name", req.Name, maxNameLen); errMsg != "" {
		return errMsg
	}
	if req.Kind != "" && req.Kind != "sip" {
		return "kind must be \"sip\""
	}
	if errMsg := validateHostPort("address", req.Address); errMsg != "" {
		return errMsg
	}
	if errMsg := validateStringLen("username", req.Username, maxNameLen); errMsg != "" {
		return errMsg
	}
	if errMsg := validateStringLen("password", req.Password, maxPasswordLen); errMsg != "" {
		return errMsg
	}
	return validateIntRange("priority", req.Priority, 0, 1000)
}

// handleListBackends returns provisioned backends with pagination.
func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rows, err := s.backends.List(r.Context())
	if err != nil {
		slog.Error("list backends: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]backendResponse, len(rows))
	for i := range rows {
		all[i] = toBackendResponse(&rows[i])
	}

	total := len(all)
	start := pg.Offset
	if start > total {
		start = total
	}
	end := start + pg.Limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  all[start:end],
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleCreateBackend provisions a new backend.
func (s *Server) handleCreateBackend(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateBackendRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	priority := 100
	if req.Priority != nil {
		priority = *req.Priority
	}
	kind := req.Kind
	if kind == "" {
		kind = "sip"
	}

	row := &store.Backend{
		Name:     req.Name,
		Kind:     kind,
		Address:  req.Address,
		Username: req.Username,
		Password: req.Password,
		Priority: priority,
		Enabled:  enabled,
	}
	if err := s.backends.Create(r.Context(), row); err != nil {
		slog.Error("create backend: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.backends.GetByID(r.Context(), row.ID)
	if err != nil || created == nil {
		slog.Error("create backend: failed to re-fetch", "error", err, "backend_id", row.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("backend created", "backend_id", created.ID, "name", created.Name)
	writeJSON(w, http.StatusCreated, toBackendResponse(created))
}

// handleGetBackend returns a single backend by ID.
func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := s.backends.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("get backend: failed to query", "error", err, "backend_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "backend not found")
		return
	}
	writeJSON(w, http.StatusOK, toBackendResponse(row))
}

// handleUpdateBackend replaces a backend's provisioning attributes. An empty
// password keeps the stored one.
func (s *Server) handleUpdateBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req backendRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateBackendRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	row, err := s.backends.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("update backend: failed to query", "error", err, "backend_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "backend not found")
		return
	}

	row.Name = req.Name
	if req.Kind != "" {
		row.Kind = req.Kind
	}
	row.Address = req.Address
	row.Username = req.Username
	if req.Password != "" {
		row.Password = req.Password
	}
	if req.Priority != nil {
		row.Priority = *req.Priority
	}
	if req.Enabled != nil {
		row.Enabled = *req.Enabled
	}

	if err := s.backends.Update(r.Context(), row); err != nil {
		slog.Error("update backend: failed to update", "error", err, "backend_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("backend updated", "backend_id", id, "name", row.Name)
	writeJSON(w, http.StatusOK, toBackendResponse(row))
}

// handleDeleteBackend removes a backend from provisioning. Live calls bound
// to it keep their binding until the lease tracker retires it.
func (s *Server) handleDeleteBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	row, err := s.backends.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("delete backend: failed to query", "error", err, "backend_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "backend not found")
		return
	}

	if err := s.backends.Delete(r.Context(), id); err != nil {
		slog.Error("delete backend: failed to delete", "error", err, "backend_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("backend deleted", "backend_id", id, "name", row.Name)
	w.WriteHeader(http.StatusNoContent)
}
