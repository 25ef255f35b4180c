package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crosspoint/crosspoint/internal/store"
)

// selectorRequest is the JSON body for creating/updating a selector.
type selectorRequest struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Prefix    string `json:"prefix"`
	BackendID string `json:"backend_id"`
	Priority  *int   `json:"priority"`
	Enabled   *bool  `json:"enabled"`
}

// selectorResponse is the JSON response for a single selector.
type selectorResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Prefix    string `json:"prefix,omitempty"`
	BackendID string `json:"backend_id,omitempty"`
	Priority  int    `json:"priority"`
	Enabled   bool   `json:"enabled"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toSelectorResponse(sel *store.Selector) selectorResponse {
	return selectorResponse{
		ID:        sel.ID,
		Name:      sel.Name,
		Kind:      sel.Kind,
		Prefix:    sel.Prefix,
		BackendID: sel.BackendID,
		Priority:  sel.Priority,
		Enabled:   sel.Enabled,
		CreatedAt: sel.CreatedAt.Format(time.RFC3339),
		UpdatedAt: sel.UpdatedAt.Format(time.RFC3339),
	}
}

func validateSelectorRequest(req selectorRequest) string {
	if errMsg := validateRequiredStringLen("name", req.Name, maxNameLen); errMsg != "" {
		return errMsg
	}
	switch req.Kind {
	case "", store.SelectorKindPriority:
		// Prefix and backend_id are ignored for the priority kind.
	case store.SelectorKindPrefix:
		if errMsg := validateHandlePrefix("prefix", req.Prefix); errMsg != "" {
			return errMsg
		}
		if req.Prefix == "" {
			return "prefix is required for the prefix kind"
		}
		if req.BackendID == "" {
			return "backend_id is required for the prefix kind"
		}
	default:
		return "kind must be \"priority\" or \"prefix\""
	}
	return validateIntRange("priority", req.Priority, 0, 1000)
}

// handleListSelectors returns provisioned selectors with pagination.
func (s *Server) handleListSelectors(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rows, err := s.selectors.List(r.Context())
	if err != nil {
		slog.Error("list selectors: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]selectorResponse, len(rows))
	for i := range rows {
		all[i] = toSelectorResponse(&rows[i])
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

// handleCreateSelector provisions a new selector.
func (s *Server) handleCreateSelector(w http.ResponseWriter, r *http.Request) {
	var req selectorRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateSelectorRequest(req); errMsg != "" {
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
		kind = store.SelectorKindPriority
	}

	row := &store.Selector{
		Name:      req.Name,
		Kind:      kind,
		Prefix:    req.Prefix,
		BackendID: req.BackendID,
		Priority:  priority,
		Enabled:   enabled,
	}
	if err := s.selectors.Create(r.Context(), row); err != nil {
		slog.Error("create selector: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.selectors.GetByID(r.Context(), row.ID)
	if err != nil || created == nil {
		slog.Error("create selector: failed to re-fetch", "error", err, "selector_id", row.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("selector created", "selector_id", created.ID, "name", created.Name, "kind", created.Kind)
	writeJSON(w, http.StatusCreated, toSelectorResponse(created))
}

// handleGetSelector returns a single selector by ID.
func (s *Server) handleGetSelector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := s.selectors.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("get selector: failed to query", "error", err, "selector_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "selector not found")
		return
	}
	writeJSON(w, http.StatusOK, toSelectorResponse(row))
}

// handleUpdateSelector replaces a selector's provisioning attributes.
func (s *Server) handleUpdateSelector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req selectorRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateSelectorRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	row, err := s.selectors.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("update selector: failed to query", "error", err, "selector_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "selector not found")
		return
	}

	row.Name = req.Name
	if req.Kind != "" {
		row.Kind = req.Kind
	}
	row.Prefix = req.Prefix
	row.BackendID = req.BackendID
	if req.Priority != nil {
		row.Priority = *req.Priority
	}
	if req.Enabled != nil {
		row.Enabled = *req.Enabled
	}

	if err := s.selectors.Update(r.Context(), row); err != nil {
		slog.Error("update selector: failed to update", "error", err, "selector_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("selector updated", "selector_id", id, "name", row.Name)
	writeJSON(w, http.StatusOK, toSelectorResponse(row))
}

// handleDeleteSelector removes a selector from provisioning.
func (s *Server) handleDeleteSelector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	row, err := s.selectors.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("delete selector: failed to query", "error", err, "selector_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "selector not found")
		return
	}

	if err := s.selectors.Delete(r.Context(), id); err != nil {
		slog.Error("delete selector: failed to delete", "error", err, "selector_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("selector deleted", "selector_id", id, "name", row.Name)
	w.WriteHeader(http.StatusNoContent)
}
