package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/marcelomtsv/telegram/internal/registry"
)

type SessionHandler struct {
	registry *registry.Registry
}

func NewSessionHandler(reg *registry.Registry) *SessionHandler {
	return &SessionHandler{
		registry: reg,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Delete("/", h.DeleteAll)
	r.Post("/connect", h.Connect)
	r.Post("/{sessionID}/verify", h.Verify)
	r.Post("/{sessionID}/pause", h.Pause)
	r.Post("/{sessionID}/resume", h.Resume)
	r.Delete("/{sessionID}", h.Delete)

	return r
}

// POST /v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Phone   string `json:"phone"`
		AppID   int    `json:"appId"`
		AppHash string `json:"appHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	if req.Phone == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "phone is required"})
		return
	}

	result, err := h.registry.CreateSession(r.Context(), registry.CreateSessionParams{
		Name:    req.Name,
		Phone:   req.Phone,
		AppID:   req.AppID,
		AppHash: req.AppHash,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create session")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// POST /v1/sessions/{sessionID}/verify
func (h *SessionHandler) Verify(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code is required"})
		return
	}

	token, err := h.registry.VerifySession(r.Context(), sessionID, req.Code)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("session verification failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId":    sessionID,
		"status":       "active",
		"sessionToken": token,
	})
}

// POST /v1/sessions/connect
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Phone        string `json:"phone"`
		SessionToken string `json:"sessionToken"`
		AppID        int    `json:"appId"`
		AppHash      string `json:"appHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	if req.SessionToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sessionToken is required"})
		return
	}

	id, err := h.registry.ConnectWithToken(r.Context(), registry.ConnectParams{
		Name:         req.Name,
		Phone:        req.Phone,
		SessionToken: req.SessionToken,
		AppID:        req.AppID,
		AppHash:      req.AppHash,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to connect with token")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"sessionId": id,
		"status":    "active",
	})
}

// POST /v1/sessions/{sessionID}/pause
func (h *SessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.registry.Pause(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": sessionID,
		"status":    "paused",
	})
}

// POST /v1/sessions/{sessionID}/resume
func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.registry.Resume(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": sessionID,
		"status":    "active",
	})
}

// DELETE /v1/sessions/{sessionID}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.registry.Delete(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID, "status": "deleted"})
}

// DELETE /v1/sessions
func (h *SessionHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.DeleteAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": h.registry.List(),
	})
}
