package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coursecast-live/internal/models"
	"coursecast-live/internal/store"
	"coursecast-live/internal/token"
)

type createSessionRequest struct {
	Title string `json:"title"`
	Kind  string `json:"kind"`
}

type createSessionResponse struct {
	SessionID      string `json:"sessionId"`
	Room           string `json:"room"`
	PublisherToken string `json:"publisherToken"`
	ProviderURL    string `json:"providerUrl"`
}

type viewerTokenResponse struct {
	SubscriberToken string `json:"subscriberToken"`
	ProviderURL     string `json:"providerUrl"`
}

type endSessionResponse struct {
	SessionID string    `json:"sessionId"`
	EndedAt   time.Time `json:"endedAt"`
}

type sessionSummary struct {
	ID             string     `json:"id"`
	Room           string     `json:"room"`
	CreatorID      string     `json:"creatorId"`
	Title          string     `json:"title"`
	Kind           string     `json:"kind"`
	State          string     `json:"state"`
	RecordingState string     `json:"recordingState"`
	ArtifactURL    *string    `json:"artifactUrl,omitempty"`
	ViewerCount    int        `json:"viewerCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

func newSessionSummary(session models.Session) sessionSummary {
	return sessionSummary{
		ID:             session.ID,
		Room:           session.Room,
		CreatorID:      session.CreatorID,
		Title:          session.Title,
		Kind:           string(session.Kind),
		State:          string(session.State),
		RecordingState: string(session.RecordingState),
		ArtifactURL:    session.ArtifactURL,
		ViewerCount:    session.ViewerCount,
		CreatedAt:      session.CreatedAt,
		StartedAt:      session.StartedAt,
		EndedAt:        session.EndedAt,
	}
}

// SessionsCollection serves /api/sessions: POST creates a session, GET lists
// them.
func (h *Handler) SessionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createSession(w, r)
	case http.MethodGet:
		h.listSessions(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// SessionByID serves /api/sessions/{id} and its end and viewer-token
// sub-resources.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("session id is required"))
		return
	}
	sessionID := parts[0]
	switch {
	case len(parts) == 1:
		h.getSession(w, r, sessionID)
	case len(parts) == 2 && parts[1] == "end":
		h.endSession(w, r, sessionID)
	case len(parts) == 2 && parts[1] == "viewer-token":
		h.viewerToken(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session resource"))
	}
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireBroadcaster(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := h.Store.CreateSession(user.ID, req.Title, models.SessionKind(req.Kind))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrActiveSessionExists):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, store.ErrBadInput):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	publisherToken, err := h.Minter.Mint(session.Room, user.ID, user.DisplayName, true, h.publisherTokenTTL())
	if err != nil {
		// The session row stays CREATED; the creator can retry the mint by
		// recreating after ending it.
		h.writeMintError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:      session.ID,
		Room:           session.Room,
		PublisherToken: publisherToken,
		ProviderURL:    h.ProviderURL,
	})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	liveOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid active filter %q", raw))
			return
		}
		liveOnly = parsed
	}
	sessions := h.Store.ListSessions(liveOnly)
	summaries := make([]sessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, newSessionSummary(session))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": summaries})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, ok := h.requireAuthenticatedUser(w, r); !ok {
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	session, exists := h.Store.GetSession(sessionID)
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", sessionID))
		return
	}
	writeJSON(w, http.StatusOK, newSessionSummary(session))
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	session, exists := h.Store.GetSession(sessionID)
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", sessionID))
		return
	}
	if session.CreatorID != user.ID && !user.HasRole("admin") {
		writeError(w, http.StatusForbidden, fmt.Errorf("only the creator may end this session"))
		return
	}

	ended, err := h.Store.EndSession(sessionID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyEnded):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	if h.Hub != nil {
		h.Hub.SessionEnded(ended.ID)
	}
	if h.Recorder != nil {
		h.Recorder.BroadcastEnding(r.Context(), ended)
	}

	endedAt := time.Now().UTC()
	if ended.EndedAt != nil {
		endedAt = *ended.EndedAt
	}
	writeJSON(w, http.StatusOK, endSessionResponse{SessionID: ended.ID, EndedAt: endedAt})
}

func (h *Handler) viewerToken(w http.ResponseWriter, r *http.Request, sessionID string) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	session, exists := h.Store.GetSession(sessionID)
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", sessionID))
		return
	}
	if session.State != models.SessionLive {
		writeError(w, http.StatusConflict, store.ErrNotLive)
		return
	}

	if h.Oracle != nil {
		allowed, err := h.Oracle.Allowed(r.Context(), user, session.Kind)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("entitlement check unavailable"))
			return
		}
		if !allowed {
			writeError(w, http.StatusForbidden, fmt.Errorf("an active subscription is required for %s sessions", session.Kind))
			return
		}
	}

	subscriberToken, err := h.Minter.Mint(session.Room, user.ID, user.DisplayName, false, h.viewerTokenTTL())
	if err != nil {
		h.writeMintError(w, err)
		return
	}

	if _, err := h.Store.TouchViewer(session.ID, user.ID, user.ID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotLive):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, viewerTokenResponse{
		SubscriberToken: subscriberToken,
		ProviderURL:     h.ProviderURL,
	})
}

// writeMintError maps token minting failures: missing provider configuration
// means tokens cannot be issued right now, which callers should treat as a
// temporary outage rather than a client fault.
func (h *Handler) writeMintError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrConfigMissing):
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("media provider unavailable"))
	case errors.Is(err, token.ErrBadInput):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
