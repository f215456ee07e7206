package api

import (
	"context"
	"fmt"
	"net/http"

	"coursecast-live/internal/models"
)

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// ContextWithUser stores the authenticated user in the provided context.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// AuthenticateRequest validates the session token on the request and returns
// the user it belongs to.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.User, error) {
	raw := ExtractToken(r)
	if raw == "" {
		return models.User{}, fmt.Errorf("missing session token")
	}
	userID, _, ok, err := h.sessionManager().Validate(raw)
	if err != nil {
		return models.User{}, err
	}
	if !ok {
		return models.User{}, fmt.Errorf("invalid or expired session")
	}
	user, exists := h.Store.GetUser(userID)
	if !exists {
		return models.User{}, fmt.Errorf("account not found")
	}
	return user, nil
}

// RequireAuth wraps a handler so it only runs for authenticated requests,
// storing the resolved user in the request context.
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := h.AuthenticateRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r.WithContext(ContextWithUser(r.Context(), user)))
	}
}

func (h *Handler) requireAuthenticatedUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return models.User{}, false
	}
	return user, true
}

func (h *Handler) requireBroadcaster(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return models.User{}, false
	}
	if !user.CanBroadcast() {
		writeError(w, http.StatusForbidden, fmt.Errorf("broadcaster role required"))
		return models.User{}, false
	}
	return user, true
}
