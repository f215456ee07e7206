package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursecast-live/internal/models"
	"coursecast-live/internal/observability/metrics"
)

// Memory is an in-process Repository used by tests and single-node
// development deployments. All maps are guarded by the mutex; the
// per-session linearizability the interface demands falls out of the single
// lock.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]models.User
	sessions map[string]models.Session
	viewers  map[string]map[string]models.Viewer
	jobs     map[string]models.RecordingJob
	events   map[string]models.ProviderEvent
	inflight map[string]struct{}
	now      func() time.Time
}

// NewMemory constructs an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]models.User),
		sessions: make(map[string]models.Session),
		viewers:  make(map[string]map[string]models.Viewer),
		jobs:     make(map[string]models.RecordingJob),
		events:   make(map[string]models.ProviderEvent),
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// WithClock overrides the repository's time source. Intended for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) CreateUser(params CreateUserParams) (models.User, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" || strings.TrimSpace(params.DisplayName) == "" {
		return models.User{}, ErrBadInput
	}
	hash, err := HashPassword(params.Password)
	if err != nil {
		return models.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == email {
			return models.User{}, ErrEmailInUse
		}
	}
	user := models.User{
		ID:           uuid.NewString(),
		DisplayName:  strings.TrimSpace(params.DisplayName),
		Email:        email,
		Roles:        normalizeRoles(params.Roles),
		PasswordHash: hash,
		CustomerRef:  strings.TrimSpace(params.CustomerRef),
		CreatedAt:    m.now().UTC(),
	}
	m.users[user.ID] = user
	return user, nil
}

func (m *Memory) AuthenticateUser(email, password string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.users {
		if user.Email != email {
			continue
		}
		if VerifyPassword(user.PasswordHash, password) {
			return user, nil
		}
		return models.User{}, ErrInvalidCredentials
	}
	return models.User{}, ErrInvalidCredentials
}

func (m *Memory) GetUser(id string) (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	return user, ok
}

func (m *Memory) GetUserByCustomerRef(ref string) (models.User, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.User{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.users {
		if user.CustomerRef == ref {
			return user, true
		}
	}
	return models.User{}, false
}

func (m *Memory) ListUsers() []models.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]models.User, 0, len(m.users))
	for _, user := range m.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users
}

func (m *Memory) CreateSession(creatorID, title string, kind models.SessionKind) (models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" || !models.ValidKind(kind) {
		return models.Session{}, ErrBadInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[creatorID]; !ok {
		return models.Session{}, ErrNotFound
	}
	for _, existing := range m.sessions {
		if existing.CreatorID == creatorID && existing.State != models.SessionEnded {
			return models.Session{}, ErrActiveSessionExists
		}
	}
	now := m.now().UTC()
	session := models.Session{
		ID:        uuid.NewString(),
		Room:      "room-" + uuid.NewString(),
		CreatorID: creatorID,
		Title:     title,
		Kind:      kind,
		State:     models.SessionCreated,
		// Recording is armed from birth; publishing media starts the job.
		RecordingState: models.RecordingArmed,
		CreatedAt:      now,
	}
	m.sessions[session.ID] = session
	return session, nil
}

func (m *Memory) GetSession(id string) (models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

func (m *Memory) GetSessionByRoom(room string) (models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, session := range m.sessions {
		if session.Room == room {
			return session, true
		}
	}
	return models.Session{}, false
}

func (m *Memory) ListSessions(liveOnly bool) []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if liveOnly && session.State != models.SessionLive {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions
}

func (m *Memory) MarkSessionLive(id string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return models.Session{}, ErrNotFound
	}
	switch session.State {
	case models.SessionEnded:
		return models.Session{}, ErrAlreadyEnded
	case models.SessionLive:
		return session, nil
	}
	now := m.now().UTC()
	session.State = models.SessionLive
	session.StartedAt = &now
	m.sessions[id] = session
	metrics.Default().SessionStarted()
	return session, nil
}

func (m *Memory) EndSession(id string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return models.Session{}, ErrNotFound
	}
	if session.State == models.SessionEnded {
		return models.Session{}, ErrAlreadyEnded
	}
	wasLive := session.State == models.SessionLive
	now := m.now().UTC()
	session.State = models.SessionEnded
	session.EndedAt = &now
	if session.StartedAt != nil && now.Before(*session.StartedAt) {
		session.EndedAt = session.StartedAt
	}
	m.sessions[id] = session
	for userID, viewer := range m.viewers[id] {
		if viewer.Active {
			viewer.Active = false
			left := now
			viewer.LeftAt = &left
			m.viewers[id][userID] = viewer
		}
	}
	if wasLive {
		metrics.Default().SessionEnded()
	}
	return session, nil
}

func (m *Memory) TouchViewer(sessionID, userID, providerIdentity string) (models.Viewer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return models.Viewer{}, ErrNotFound
	}
	if session.State == models.SessionEnded {
		return models.Viewer{}, ErrNotLive
	}
	if m.viewers[sessionID] == nil {
		m.viewers[sessionID] = make(map[string]models.Viewer)
	}
	viewer, exists := m.viewers[sessionID][userID]
	if !exists {
		viewer = models.Viewer{SessionID: sessionID, UserID: userID, JoinedAt: m.now().UTC()}
	}
	viewer.ProviderIdentity = providerIdentity
	viewer.Active = true
	viewer.LeftAt = nil
	m.viewers[sessionID][userID] = viewer
	m.refreshViewerCountLocked(sessionID)
	return viewer, nil
}

func (m *Memory) ReleaseViewer(sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	viewer, ok := m.viewers[sessionID][userID]
	if !ok {
		return nil
	}
	if viewer.Active {
		viewer.Active = false
		now := m.now().UTC()
		viewer.LeftAt = &now
		m.viewers[sessionID][userID] = viewer
	}
	m.refreshViewerCountLocked(sessionID)
	return nil
}

func (m *Memory) ListViewers(sessionID string, activeOnly bool) []models.Viewer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	viewers := make([]models.Viewer, 0, len(m.viewers[sessionID]))
	for _, viewer := range m.viewers[sessionID] {
		if activeOnly && !viewer.Active {
			continue
		}
		viewers = append(viewers, viewer)
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i].JoinedAt.Before(viewers[j].JoinedAt) })
	return viewers
}

func (m *Memory) refreshViewerCountLocked(sessionID string) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	count := 0
	for _, viewer := range m.viewers[sessionID] {
		if viewer.Active {
			count++
		}
	}
	session.ViewerCount = count
	m.sessions[sessionID] = session
}

func (m *Memory) AdvanceRecording(sessionID string, from, to models.RecordingState, update RecordingUpdate) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceRecordingLocked(sessionID, from, to, update)
}

func (m *Memory) advanceRecordingLocked(sessionID string, from, to models.RecordingState, update RecordingUpdate) (models.Session, error) {
	if !legalRecordingTransition(from, to) {
		return models.Session{}, ErrInvalidTransition
	}
	session, ok := m.sessions[sessionID]
	if !ok {
		return models.Session{}, ErrNotFound
	}
	if session.RecordingState != from {
		return models.Session{}, ErrConflict
	}
	now := m.now().UTC()
	session.RecordingState = to
	if update.ExternalID != nil {
		id := *update.ExternalID
		session.RecordingJobID = &id
		job, exists := m.jobs[sessionID]
		if !exists {
			job = models.RecordingJob{SessionID: sessionID, StartedAt: now, Outcome: models.RecordingJobPending}
		}
		job.ExternalID = id
		if update.ObjectKey != nil {
			job.ObjectKey = *update.ObjectKey
		}
		m.jobs[sessionID] = job
	}
	if update.ArtifactURL != nil {
		url := *update.ArtifactURL
		session.ArtifactURL = &url
	}
	if update.JobOutcome != nil {
		job, exists := m.jobs[sessionID]
		if exists {
			job.Outcome = *update.JobOutcome
			stopped := now
			job.StoppedAt = &stopped
			m.jobs[sessionID] = job
		}
	}
	m.sessions[sessionID] = session
	return session, nil
}

func (m *Memory) GetRecordingJob(sessionID string) (models.RecordingJob, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[sessionID]
	return job, ok
}

type memoryEventTx struct{ m *Memory }

func (tx memoryEventTx) AdvanceRecording(sessionID string, from, to models.RecordingState, update RecordingUpdate) (models.Session, error) {
	return tx.m.advanceRecordingLocked(sessionID, from, to, update)
}

// ApplyExternalEvent records the delivery keyed by (provider, idempotency
// key) and runs apply while holding the store lock, so the event-log write
// and the mutations it performs are observed atomically. Concurrent
// deliveries of the same key are reported as duplicates.
func (m *Memory) ApplyExternalEvent(ctx context.Context, provider, eventKind, idempotencyKey, payloadDigest string, apply func(tx EventTx) error) (EventOutcome, error) {
	if err := ctx.Err(); err != nil {
		return EventRejected, err
	}
	key := provider + "|" + idempotencyKey
	m.mu.Lock()
	defer m.mu.Unlock()
	if event, ok := m.events[key]; ok && event.Applied {
		return EventDuplicate, nil
	}
	if _, busy := m.inflight[key]; busy {
		return EventDuplicate, nil
	}
	m.inflight[key] = struct{}{}
	defer delete(m.inflight, key)

	err := apply(memoryEventTx{m: m})
	m.events[key] = models.ProviderEvent{
		Provider:       provider,
		EventKind:      eventKind,
		IdempotencyKey: idempotencyKey,
		PayloadDigest:  payloadDigest,
		Applied:        err == nil,
		ReceivedAt:     m.now().UTC(),
	}
	if err != nil {
		return EventRejected, err
	}
	return EventApplied, nil
}

func (m *Memory) ListProviderEvents(provider string) []models.ProviderEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]models.ProviderEvent, 0, len(m.events))
	for _, event := range m.events {
		if provider != "" && event.Provider != provider {
			continue
		}
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ReceivedAt.Before(events[j].ReceivedAt) })
	return events
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		out = []string{"viewer"}
	}
	return out
}

var _ Repository = (*Memory)(nil)
