package main

import (
	"net/http"
	"sync"

	"coursecast-live/internal/api"
	"coursecast-live/internal/hub"
	"coursecast-live/internal/models"
	"coursecast-live/internal/observability/metrics"
	"coursecast-live/internal/recording"
	"coursecast-live/internal/token"
	"coursecast-live/internal/webhook"
)

func newMux(handler *api.Handler, signalHub *hub.Hub, hooks *webhook.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", metrics.Default().Handler())

	mux.HandleFunc("/api/auth/signup", handler.Signup)
	mux.HandleFunc("/api/auth/login", handler.Login)
	mux.HandleFunc("/api/auth/session", handler.Session)

	mux.HandleFunc("/api/sessions", handler.RequireAuth(handler.SessionsCollection))
	mux.HandleFunc("/api/sessions/", handler.RequireAuth(handler.SessionByID))

	mux.HandleFunc("/webhooks/media", hooks.Media())
	mux.HandleFunc("/webhooks/billing", hooks.Billing())

	// Signaling connections may carry a session cookie; anonymous sockets can
	// still identify over the wire before the handshake deadline.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		user, err := handler.AuthenticateRequest(r)
		signalHub.HandleConnection(w, r, user, err == nil)
	})

	return mux
}

// publisherTokens mints the credential returned to broadcasters in their
// admin_status acknowledgement.
type publisherTokens struct {
	minter *token.Minter
}

func (p publisherTokens) PublisherToken(session models.Session, user models.User) (string, error) {
	return p.minter.Mint(session.Room, user.ID, user.DisplayName, true, token.MaxTTL)
}

var _ hub.TokenSource = publisherTokens{}

// announcerProxy forwards recording announcements to the hub once it exists.
type announcerProxy struct {
	mu     sync.RWMutex
	target recording.Announcer
}

func (p *announcerProxy) Set(target recording.Announcer) {
	p.mu.Lock()
	p.target = target
	p.mu.Unlock()
}

func (p *announcerProxy) RecordingStarted(sessionID string) {
	p.mu.RLock()
	target := p.target
	p.mu.RUnlock()
	if target != nil {
		target.RecordingStarted(sessionID)
	}
}

func (p *announcerProxy) RecordingFailed(sessionID, reason string) {
	p.mu.RLock()
	target := p.target
	p.mu.RUnlock()
	if target != nil {
		target.RecordingFailed(sessionID, reason)
	}
}

var _ recording.Announcer = (*announcerProxy)(nil)
