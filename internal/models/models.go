// Package models defines the persisted entities shared by the coordinator's
// storage, signaling, and API layers.
package models

import (
	"strings"
	"time"
)

// SessionState tracks the lifecycle of a live session.
type SessionState string

const (
	SessionCreated SessionState = "CREATED"
	SessionLive    SessionState = "LIVE"
	SessionEnded   SessionState = "ENDED"
)

// RecordingState tracks the recording lifecycle attached to a session. Legal
// transitions are enforced by the store; see store.AdvanceRecording.
type RecordingState string

const (
	RecordingNone     RecordingState = "NONE"
	RecordingArmed    RecordingState = "ARMED"
	RecordingActive   RecordingState = "RECORDING"
	RecordingStopping RecordingState = "STOPPING"
	RecordingUploaded RecordingState = "UPLOADED"
	RecordingFailed   RecordingState = "FAILED"
)

// SessionKind is the closed set of session categories.
type SessionKind string

const (
	KindGeneral   SessionKind = "general"
	KindTrading   SessionKind = "trading"
	KindEducation SessionKind = "education"
	KindWebinar   SessionKind = "webinar"
)

// ValidKind reports whether the provided kind belongs to the closed set.
func ValidKind(kind SessionKind) bool {
	switch kind {
	case KindGeneral, KindTrading, KindEducation, KindWebinar:
		return true
	}
	return false
}

// Paywalled reports whether sessions of this kind require an active
// entitlement before a viewer token is minted.
func (k SessionKind) Paywalled() bool {
	return k == KindTrading || k == KindWebinar
}

// Session represents one live broadcast. ENDED sessions are immutable except
// for terminal recording transitions and the artifact URL.
type Session struct {
	ID             string         `json:"id"`
	Room           string         `json:"room"`
	CreatorID      string         `json:"creatorId"`
	Title          string         `json:"title"`
	Kind           SessionKind    `json:"kind"`
	State          SessionState   `json:"state"`
	RecordingState RecordingState `json:"recordingState"`
	RecordingJobID *string        `json:"recordingJobId,omitempty"`
	ArtifactURL    *string        `json:"artifactUrl,omitempty"`
	ViewerCount    int            `json:"viewerCount"`
	CreatedAt      time.Time      `json:"createdAt"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	EndedAt        *time.Time     `json:"endedAt,omitempty"`
}

// Viewer represents a subscribed participant. The store keeps at most one row
// per (session, user); re-joins update the existing row.
type Viewer struct {
	SessionID        string     `json:"sessionId"`
	UserID           string     `json:"userId"`
	ProviderIdentity string     `json:"providerIdentity"`
	Active           bool       `json:"active"`
	JoinedAt         time.Time  `json:"joinedAt"`
	LeftAt           *time.Time `json:"leftAt,omitempty"`
}

// RecordingJob mirrors a provider-managed recording task.
type RecordingJob struct {
	SessionID  string     `json:"sessionId"`
	ExternalID string     `json:"externalId"`
	ObjectKey  string     `json:"objectKey"`
	Outcome    string     `json:"outcome"`
	StartedAt  time.Time  `json:"startedAt"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty"`
}

const (
	RecordingJobPending   = "PENDING"
	RecordingJobSucceeded = "SUCCEEDED"
	RecordingJobFailed    = "FAILED"
)

// ProviderEvent is one row of the append-only external event log. Uniqueness
// of (provider, idempotency key) gives exactly-once application.
type ProviderEvent struct {
	Provider       string    `json:"provider"`
	EventKind      string    `json:"eventKind"`
	IdempotencyKey string    `json:"idempotencyKey"`
	PayloadDigest  string    `json:"payloadDigest"`
	Applied        bool      `json:"applied"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// User is the minimal identity record the coordinator keeps. Account
// management beyond this belongs to the platform's identity service.
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	Roles        []string  `json:"roles"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CustomerRef  string    `json:"customerRef,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasRole reports whether the user has the provided role, ignoring case.
func (u User) HasRole(role string) bool {
	for _, existing := range u.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

// CanBroadcast reports whether the user may create sessions and publish
// media.
func (u User) CanBroadcast() bool {
	return u.HasRole("broadcaster") || u.HasRole("admin")
}

// Entitlement is the billing projection consulted for paywalled sessions.
type Entitlement struct {
	UserID    string    `json:"userId"`
	Plan      string    `json:"plan"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ActiveAt reports whether the entitlement grants access at the given time.
func (e Entitlement) ActiveAt(now time.Time) bool {
	if e.Status != EntitlementActive && e.Status != EntitlementTrialing {
		return false
	}
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

const (
	EntitlementActive   = "active"
	EntitlementTrialing = "trialing"
	EntitlementLapsed   = "lapsed"
)
