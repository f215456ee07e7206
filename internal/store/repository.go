// Package store persists sessions, viewers, recording jobs, and the external
// event log, and enforces the coordinator's state-machine invariants.
package store

import (
	"context"
	"errors"

	"coursecast-live/internal/models"
)

var (
	// ErrNotFound indicates the referenced session, viewer, or user does not
	// exist.
	ErrNotFound = errors.New("not found")
	// ErrActiveSessionExists indicates the creator already has a session that
	// has not ended.
	ErrActiveSessionExists = errors.New("creator already has an active session")
	// ErrAlreadyEnded indicates the session has already been ended.
	ErrAlreadyEnded = errors.New("session already ended")
	// ErrNotLive indicates a viewer operation was attempted against a session
	// that is not accepting viewers.
	ErrNotLive = errors.New("session is not live")
	// ErrConflict indicates a guarded state transition lost a race: the
	// session's current state did not match the expected prior state.
	ErrConflict = errors.New("state transition conflict")
	// ErrInvalidTransition indicates the requested recording transition is
	// not part of the legal state diagram regardless of current state.
	ErrInvalidTransition = errors.New("illegal recording transition")
	// ErrInvalidCredentials is returned by AuthenticateUser on mismatch.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailInUse indicates a user with the same email already exists.
	ErrEmailInUse = errors.New("email already registered")
	// ErrBadInput indicates a create or update request failed validation.
	ErrBadInput = errors.New("invalid input")
)

// EventOutcome reports how ApplyExternalEvent disposed of a delivery.
type EventOutcome int

const (
	// EventApplied means the apply function ran and the event is now marked
	// applied.
	EventApplied EventOutcome = iota
	// EventDuplicate means the event was already applied (or is being
	// applied concurrently); the apply function was not called.
	EventDuplicate
	// EventRejected means the apply function returned an error; the event
	// remains unapplied and a redelivery may retry it.
	EventRejected
)

// RecordingUpdate carries the optional fields set alongside a recording
// transition.
type RecordingUpdate struct {
	ExternalID  *string
	ObjectKey   *string
	ArtifactURL *string
	JobOutcome  *string
}

// EventTx is the narrow view of the store available to an external-event
// apply function. Its operations execute atomically with the event-log
// write.
type EventTx interface {
	AdvanceRecording(sessionID string, from, to models.RecordingState, update RecordingUpdate) (models.Session, error)
}

// CreateUserParams captures the attributes set when provisioning a user.
type CreateUserParams struct {
	DisplayName string
	Email       string
	Password    string
	Roles       []string
	CustomerRef string
}

// Repository exposes the datastore operations required by the session API,
// signaling hub, recording controller, and webhook reconciler. All write
// operations are linearizable per session id.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	GetUser(id string) (models.User, bool)
	GetUserByCustomerRef(ref string) (models.User, bool)
	ListUsers() []models.User

	CreateSession(creatorID, title string, kind models.SessionKind) (models.Session, error)
	GetSession(id string) (models.Session, bool)
	GetSessionByRoom(room string) (models.Session, bool)
	ListSessions(liveOnly bool) []models.Session
	MarkSessionLive(id string) (models.Session, error)
	EndSession(id string) (models.Session, error)

	TouchViewer(sessionID, userID, providerIdentity string) (models.Viewer, error)
	ReleaseViewer(sessionID, userID string) error
	ListViewers(sessionID string, activeOnly bool) []models.Viewer

	AdvanceRecording(sessionID string, from, to models.RecordingState, update RecordingUpdate) (models.Session, error)
	GetRecordingJob(sessionID string) (models.RecordingJob, bool)

	ApplyExternalEvent(ctx context.Context, provider, eventKind, idempotencyKey, payloadDigest string, apply func(tx EventTx) error) (EventOutcome, error)
	ListProviderEvents(provider string) []models.ProviderEvent
}

// legalRecordingTransition reports whether from -> to appears in the
// recording state diagram. FAILED -> UPLOADED is permitted so late provider
// callbacks can still attach an artifact.
func legalRecordingTransition(from, to models.RecordingState) bool {
	switch from {
	case models.RecordingNone:
		return to == models.RecordingArmed
	case models.RecordingArmed:
		return to == models.RecordingActive || to == models.RecordingNone
	case models.RecordingActive:
		return to == models.RecordingStopping || to == models.RecordingFailed
	case models.RecordingStopping:
		return to == models.RecordingUploaded || to == models.RecordingFailed
	case models.RecordingFailed:
		return to == models.RecordingUploaded
	}
	return false
}
