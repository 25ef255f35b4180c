package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crosspoint/crosspoint/internal/call"
)

// placeCallRequest is the JSON body for placing an outgoing call.
type placeCallRequest struct {
	Handle       string `json:"handle"`
	DisplayName  string `json:"display_name"`
	Organization string `json:"organization"`
}

// handleListCalls returns all live calls with pagination.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	all := s.controller.ListCalls()

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

// handleGetCall returns a single live call by ID.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.controller.GetCall(id)
	if !ok {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handlePlaceCall submits an outgoing call intent.
func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateHandle("handle", req.Handle); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateStringLen("display_name", req.DisplayName, maxNameLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	id, ok := s.controller.PlaceCall(req.Handle, call.ContactInfo{
		DisplayName:  req.DisplayName,
		Organization: req.Organization,
	})
	if !ok {
		writeError(w, http.StatusForbidden, "call not permitted")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// handleAnswerCall answers a ringing incoming call.
func (s *Server) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	s.controller.Answer(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleRejectCall rejects a ringing incoming call.
func (s *Server) handleRejectCall(w http.ResponseWriter, r *http.Request) {
	s.controller.Reject(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleDisconnectCall hangs up a live call.
func (s *Server) handleDisconnectCall(w http.ResponseWriter, r *http.Request) {
	s.controller.Disconnect(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
