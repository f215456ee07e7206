// Package api exposes the coordinator's HTTP surface: account auth plus the
// session lifecycle operations used by broadcaster and viewer clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"coursecast-live/internal/auth"
	"coursecast-live/internal/entitlement"
	"coursecast-live/internal/models"
	"coursecast-live/internal/store"
	"coursecast-live/internal/token"
)

// SessionNotifier lets the API tell the signaling hub that a session ended so
// connected clients are flushed and disconnected.
type SessionNotifier interface {
	SessionEnded(sessionID string)
}

// BroadcastRecorder receives broadcast lifecycle hints so in-flight recording
// work can be stopped or cancelled when a session ends.
type BroadcastRecorder interface {
	BroadcastEnding(ctx context.Context, session models.Session)
}

type Handler struct {
	Store    store.Repository
	Sessions *auth.SessionManager
	Minter   *token.Minter
	Oracle   *entitlement.Oracle
	Hub      SessionNotifier
	Recorder BroadcastRecorder
	// ProviderURL is echoed back with every minted token so clients know
	// where to connect.
	ProviderURL string
	// PublisherTokenTTL and ViewerTokenTTL bound minted token lifetimes.
	// Zero values fall back to token.MaxTTL and one hour respectively.
	PublisherTokenTTL time.Duration
	ViewerTokenTTL    time.Duration
}

func NewHandler(repo store.Repository, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{Store: repo, Sessions: sessions}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) publisherTokenTTL() time.Duration {
	if h.PublisherTokenTTL > 0 {
		return h.PublisherTokenTTL
	}
	return token.MaxTTL
}

func (h *Handler) viewerTokenTTL() time.Duration {
	if h.ViewerTokenTTL > 0 {
		return h.ViewerTokenTTL
	}
	return time.Hour
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

const sessionCookieName = "coursecast_session"

func setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	if token == "" {
		return
	}
	maxAge := int(time.Until(expires).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteStrictMode,
	})
}

func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	return false
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type signupRequest struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User      userResponse `json:"user"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

type userResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Roles       []string  `json:"roles"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newAuthResponse(user models.User, expiresAt time.Time) authResponse {
	return authResponse{
		User: userResponse{
			ID:          user.ID,
			DisplayName: user.DisplayName,
			Email:       user.Email,
			Roles:       user.Roles,
			CreatedAt:   user.CreatedAt,
		},
		ExpiresAt: expiresAt,
	}
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("password must be at least 8 characters"))
		return
	}

	user, err := h.Store.CreateUser(store.CreateUserParams{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Password:    req.Password,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sessionToken, expiresAt, err := h.sessionManager().Create(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	setSessionCookie(w, r, sessionToken, expiresAt)
	writeJSON(w, http.StatusCreated, newAuthResponse(user, expiresAt))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := h.Store.AuthenticateUser(req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
		return
	}

	sessionToken, expiresAt, err := h.sessionManager().Create(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	setSessionCookie(w, r, sessionToken, expiresAt)
	writeJSON(w, http.StatusOK, newAuthResponse(user, expiresAt))
}

// Session reports or revokes the caller's auth session.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		raw := ExtractToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing session token"))
			return
		}
		userID, expiresAt, ok, err := h.sessionManager().Validate(raw)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or expired session"))
			return
		}
		user, exists := h.Store.GetUser(userID)
		if !exists {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("account not found"))
			return
		}
		writeJSON(w, http.StatusOK, newAuthResponse(user, expiresAt))
	case http.MethodDelete:
		raw := ExtractToken(r)
		if raw == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing session token"))
			return
		}
		if err := h.sessionManager().Revoke(raw); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		clearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// ExtractToken pulls the auth session token from the Authorization header or,
// failing that, the session cookie.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}
