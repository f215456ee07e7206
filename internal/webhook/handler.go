package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"coursecast-live/internal/entitlement"
	"coursecast-live/internal/models"
	"coursecast-live/internal/observability/metrics"
	"coursecast-live/internal/store"
)

// maxPayloadBytes bounds webhook request bodies.
const maxPayloadBytes = 1 << 20

// Store is the slice of the repository the reconciler needs.
type Store interface {
	GetSessionByRoom(room string) (models.Session, bool)
	GetUserByCustomerRef(ref string) (models.User, bool)
	ApplyExternalEvent(ctx context.Context, provider, eventKind, idempotencyKey, payloadDigest string, apply func(tx store.EventTx) error) (store.EventOutcome, error)
}

// Notifier fans recording outcomes out to connected clients.
type Notifier interface {
	RecordingUploaded(sessionID, artifactURL string)
	RecordingFailed(sessionID, reason string)
}

// WatchdogResolver clears the pending stop watchdog once a terminal provider
// callback has been applied.
type WatchdogResolver interface {
	ResolveWatchdog(sessionID string)
}

// Config configures a Handler.
type Config struct {
	Store         Store
	Oracle        *entitlement.Oracle
	Notifier      Notifier
	Watchdogs     WatchdogResolver
	MediaSecret   []byte
	BillingSecret []byte
	Logger        *slog.Logger
}

// Handler terminates the provider webhook endpoints. Responses never carry
// errors the provider could interpret as a permanently broken endpoint:
// duplicates and events the current state cannot accept are acknowledged with
// 200 and logged.
type Handler struct {
	store     Store
	oracle    *entitlement.Oracle
	notifier  Notifier
	watchdogs WatchdogResolver
	media     []byte
	billing   []byte
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     cfg.Store,
		oracle:    cfg.Oracle,
		notifier:  cfg.Notifier,
		watchdogs: cfg.Watchdogs,
		media:     cfg.MediaSecret,
		billing:   cfg.BillingSecret,
		logger:    logger,
		now:       time.Now,
	}
}

type mediaEvent struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	EgressID    string `json:"egressId"`
	Room        string `json:"room"`
	ArtifactURL string `json:"artifactUrl"`
	Error       string `json:"error"`
}

type billingEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Customer         string `json:"customer"`
		Plan             string `json:"plan"`
		Status           string `json:"status"`
		CurrentPeriodEnd int64  `json:"currentPeriodEnd"`
	} `json:"data"`
}

// Media handles callbacks from the media provider.
func (h *Handler) Media() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := h.accept(w, r, "media", h.media)
		if !ok {
			return
		}
		var event mediaEvent
		if err := json.Unmarshal(body, &event); err != nil || event.ID == "" || event.Type == "" || event.Room == "" {
			h.reject(w, "media", "unparsable media event", err)
			return
		}
		session, found := h.store.GetSessionByRoom(event.Room)
		if !found {
			h.ignore(w, "media", "media event for unknown room", "room", event.Room, "event_id", event.ID)
			return
		}
		var apply func(tx store.EventTx) error
		switch event.Type {
		case "recording.finished":
			apply = uploadedApply(session.ID, event.ArtifactURL)
		case "recording.failed":
			apply = failedApply(session.ID)
		default:
			h.ignore(w, "media", "unhandled media event kind", "kind", event.Type, "event_id", event.ID)
			return
		}
		outcome, err := h.store.ApplyExternalEvent(r.Context(), "media", event.Type, event.ID, payloadDigest(body), apply)
		h.respondOutcome(w, "media", event.ID, outcome, err, func() {
			h.notifyMedia(session.ID, event)
		})
	}
}

// Billing handles callbacks from the billing provider.
func (h *Handler) Billing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := h.accept(w, r, "billing", h.billing)
		if !ok {
			return
		}
		var event billingEvent
		if err := json.Unmarshal(body, &event); err != nil || event.ID == "" || event.Type == "" || event.Data.Customer == "" {
			h.reject(w, "billing", "unparsable billing event", err)
			return
		}
		user, found := h.store.GetUserByCustomerRef(event.Data.Customer)
		if !found {
			h.ignore(w, "billing", "billing event for unknown customer", "customer_ref", event.Data.Customer, "event_id", event.ID)
			return
		}
		sub := entitlement.Subscription{Plan: event.Data.Plan, Status: event.Data.Status}
		if event.Data.CurrentPeriodEnd > 0 {
			sub.CurrentPeriodEnd = time.Unix(event.Data.CurrentPeriodEnd, 0).UTC()
		}
		outcome, err := h.store.ApplyExternalEvent(r.Context(), "billing", event.Type, event.ID, payloadDigest(body), func(store.EventTx) error {
			return h.oracle.ApplyBillingEvent(r.Context(), user.ID, event.Type, sub)
		})
		h.respondOutcome(w, "billing", event.ID, outcome, err, nil)
	}
}

// accept reads the body and verifies the provider signature. It writes the
// failure response itself and reports whether processing may continue.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, provider string, secret []byte) ([]byte, bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		metrics.Default().ObserveWebhookEvent(provider, "unparsable")
		http.Error(w, "payload too large", http.StatusBadRequest)
		return nil, false
	}
	if err := VerifySignature(secret, r.Header.Get(SignatureHeader), body, h.now()); err != nil {
		metrics.Default().ObserveWebhookEvent(provider, "bad_signature")
		h.logger.Warn("webhook signature rejected", "provider", provider, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (h *Handler) reject(w http.ResponseWriter, provider, message string, err error) {
	metrics.Default().ObserveWebhookEvent(provider, "unparsable")
	h.logger.Warn(message, "provider", provider, "error", err)
	http.Error(w, "unparsable payload", http.StatusBadRequest)
}

func (h *Handler) ignore(w http.ResponseWriter, provider, message string, args ...any) {
	metrics.Default().ObserveWebhookEvent(provider, "ignored")
	h.logger.Warn(message, append([]any{"provider", provider}, args...)...)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
}

// respondOutcome maps the event-log disposition to a response. onApplied runs
// only on first application, so duplicate deliveries never re-notify.
func (h *Handler) respondOutcome(w http.ResponseWriter, provider, eventID string, outcome store.EventOutcome, err error, onApplied func()) {
	switch outcome {
	case store.EventApplied:
		metrics.Default().ObserveWebhookEvent(provider, "applied")
		if onApplied != nil {
			onApplied()
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	case store.EventDuplicate:
		metrics.Default().ObserveWebhookEvent(provider, "duplicate")
		respondJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	default:
		metrics.Default().ObserveWebhookEvent(provider, "rejected")
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			// The state machine has already moved past this event; redelivery
			// can never succeed, so acknowledge it.
			h.logger.Warn("webhook event superseded by current state", "provider", provider, "event_id", eventID, "error", err)
			respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.logger.Error("webhook apply failed", "provider", provider, "event_id", eventID, "error", err)
		http.Error(w, "event not applied", http.StatusInternalServerError)
	}
}

func (h *Handler) notifyMedia(sessionID string, event mediaEvent) {
	if h.watchdogs != nil {
		h.watchdogs.ResolveWatchdog(sessionID)
	}
	if h.notifier == nil {
		return
	}
	switch event.Type {
	case "recording.finished":
		h.notifier.RecordingUploaded(sessionID, event.ArtifactURL)
	case "recording.failed":
		reason := event.Error
		if reason == "" {
			reason = "provider reported a recording failure"
		}
		h.notifier.RecordingFailed(sessionID, reason)
	}
}

// uploadedApply attaches the artifact. STOPPING is the expected prior state;
// FAILED is accepted too so a late callback can still land the artifact.
func uploadedApply(sessionID, artifactURL string) func(tx store.EventTx) error {
	return func(tx store.EventTx) error {
		outcome := models.RecordingJobSucceeded
		update := store.RecordingUpdate{ArtifactURL: &artifactURL, JobOutcome: &outcome}
		_, err := tx.AdvanceRecording(sessionID, models.RecordingStopping, models.RecordingUploaded, update)
		if errors.Is(err, store.ErrConflict) {
			_, err = tx.AdvanceRecording(sessionID, models.RecordingFailed, models.RecordingUploaded, update)
		}
		return err
	}
}

func failedApply(sessionID string) func(tx store.EventTx) error {
	return func(tx store.EventTx) error {
		outcome := models.RecordingJobFailed
		update := store.RecordingUpdate{JobOutcome: &outcome}
		_, err := tx.AdvanceRecording(sessionID, models.RecordingStopping, models.RecordingFailed, update)
		if errors.Is(err, store.ErrConflict) {
			_, err = tx.AdvanceRecording(sessionID, models.RecordingActive, models.RecordingFailed, update)
		}
		return err
	}
}

func payloadDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
