package api

import (
	"coursecast-live/internal/auth"
	"coursecast-live/internal/models"
)

// UserStore is the slice of the repository the identifier needs.
type UserStore interface {
	GetUser(id string) (models.User, bool)
}

// SessionIdentifier resolves auth session tokens presented over the signaling
// socket into users. It satisfies the hub's Identifier interface.
type SessionIdentifier struct {
	Users    UserStore
	Sessions *auth.SessionManager
}

// Resolve validates the token and loads the user it belongs to.
func (i *SessionIdentifier) Resolve(raw string) (models.User, bool) {
	if i == nil || i.Sessions == nil || i.Users == nil || raw == "" {
		return models.User{}, false
	}
	userID, _, ok, err := i.Sessions.Validate(raw)
	if err != nil || !ok {
		return models.User{}, false
	}
	return i.Users.GetUser(userID)
}
