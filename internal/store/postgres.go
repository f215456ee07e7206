package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coursecast-live/internal/models"
	"coursecast-live/internal/observability/metrics"
)

const pgQueryTimeout = 5 * time.Second

const sessionColumns = `s.id, s.room, s.creator_id, s.title, s.kind, s.state,
	s.recording_state, s.recording_job_id, s.artifact_url,
	(SELECT count(*) FROM viewers v WHERE v.session_id = s.id AND v.active),
	s.created_at, s.started_at, s.ended_at`

// Postgres is the pgx-backed Repository used in multi-replica deployments.
// State-machine guards are expressed as conditional UPDATEs so concurrent
// writers race on the database row, not on process memory.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres opens a connection pool against the DSN and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	p := &Postgres{pool: pool, now: time.Now}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the connection pool, honoring the context deadline.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Postgres) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), pgQueryTimeout)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) CreateUser(params CreateUserParams) (models.User, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" || strings.TrimSpace(params.DisplayName) == "" {
		return models.User{}, ErrBadInput
	}
	hash, err := HashPassword(params.Password)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:           uuid.NewString(),
		DisplayName:  strings.TrimSpace(params.DisplayName),
		Email:        email,
		Roles:        normalizeRoles(params.Roles),
		PasswordHash: hash,
		CustomerRef:  strings.TrimSpace(params.CustomerRef),
		CreatedAt:    p.now().UTC(),
	}
	ctx, cancel := p.opCtx()
	defer cancel()
	_, err = p.pool.Exec(ctx, `
INSERT INTO users (id, display_name, email, roles, password_hash, customer_ref, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, user.ID, user.DisplayName, user.Email, user.Roles, user.PasswordHash, user.CustomerRef, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "users_email_key") {
			return models.User{}, ErrEmailInUse
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (p *Postgres) AuthenticateUser(email, password string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	ctx, cancel := p.opCtx()
	defer cancel()
	user, err := p.scanUser(p.pool.QueryRow(ctx, userSelect+` WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

const userSelect = `SELECT id, display_name, email, roles, password_hash, customer_ref, created_at FROM users`

func (p *Postgres) scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.Roles, &user.PasswordHash, &user.CustomerRef, &user.CreatedAt); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (p *Postgres) GetUser(id string) (models.User, bool) {
	ctx, cancel := p.opCtx()
	defer cancel()
	user, err := p.scanUser(p.pool.QueryRow(ctx, userSelect+` WHERE id = $1`, id))
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (p *Postgres) GetUserByCustomerRef(ref string) (models.User, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.User{}, false
	}
	ctx, cancel := p.opCtx()
	defer cancel()
	user, err := p.scanUser(p.pool.QueryRow(ctx, userSelect+` WHERE customer_ref = $1`, ref))
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (p *Postgres) ListUsers() []models.User {
	ctx, cancel := p.opCtx()
	defer cancel()
	rows, err := p.pool.Query(ctx, userSelect+` ORDER BY created_at`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		user, err := p.scanUser(rows)
		if err != nil {
			return users
		}
		users = append(users, user)
	}
	return users
}

func (p *Postgres) CreateSession(creatorID, title string, kind models.SessionKind) (models.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" || !models.ValidKind(kind) {
		return models.Session{}, ErrBadInput
	}
	session := models.Session{
		ID:        uuid.NewString(),
		Room:      "room-" + uuid.NewString(),
		CreatorID: creatorID,
		Title:     title,
		Kind:      kind,
		State:     models.SessionCreated,
		// Recording is armed from birth; publishing media starts the job.
		RecordingState: models.RecordingArmed,
		CreatedAt:      p.now().UTC(),
	}
	ctx, cancel := p.opCtx()
	defer cancel()
	_, err := p.pool.Exec(ctx, `
INSERT INTO sessions (id, room, creator_id, title, kind, state, recording_state, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, session.ID, session.Room, session.CreatorID, session.Title, string(session.Kind), string(session.State), string(session.RecordingState), session.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "sessions_one_active_per_creator") {
			return models.Session{}, ErrActiveSessionExists
		}
		if isForeignKeyViolation(err) {
			return models.Session{}, ErrNotFound
		}
		return models.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (p *Postgres) scanSession(row pgx.Row) (models.Session, error) {
	var s models.Session
	var kind, state, recording string
	if err := row.Scan(&s.ID, &s.Room, &s.CreatorID, &s.Title, &kind, &state,
		&recording, &s.RecordingJobID, &s.ArtifactURL, &s.ViewerCount,
		&s.CreatedAt, &s.StartedAt, &s.EndedAt); err != nil {
		return models.Session{}, err
	}
	s.Kind = models.SessionKind(kind)
	s.State = models.SessionState(state)
	s.RecordingState = models.RecordingState(recording)
	return s, nil
}

func (p *Postgres) GetSession(id string) (models.Session, bool) {
	ctx, cancel := p.opCtx()
	defer cancel()
	session, err := p.scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = $1`, id))
	if err != nil {
		return models.Session{}, false
	}
	return session, true
}

func (p *Postgres) GetSessionByRoom(room string) (models.Session, bool) {
	ctx, cancel := p.opCtx()
	defer cancel()
	session, err := p.scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.room = $1`, room))
	if err != nil {
		return models.Session{}, false
	}
	return session, true
}

func (p *Postgres) ListSessions(liveOnly bool) []models.Session {
	ctx, cancel := p.opCtx()
	defer cancel()
	query := `SELECT ` + sessionColumns + ` FROM sessions s`
	if liveOnly {
		query += ` WHERE s.state = 'LIVE'`
	}
	query += ` ORDER BY s.created_at`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var sessions []models.Session
	for rows.Next() {
		session, err := p.scanSession(rows)
		if err != nil {
			return sessions
		}
		sessions = append(sessions, session)
	}
	return sessions
}

func (p *Postgres) MarkSessionLive(id string) (models.Session, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	now := p.now().UTC()
	session, err := p.scanSession(p.pool.QueryRow(ctx, `
WITH updated AS (
	UPDATE sessions SET state = 'LIVE', started_at = $2
	WHERE id = $1 AND state = 'CREATED'
)
SELECT `+sessionColumns+` FROM sessions s WHERE s.id = $1 AND s.state <> 'ENDED'
`, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, ok := p.GetSession(id); ok {
				return models.Session{}, ErrAlreadyEnded
			}
			return models.Session{}, ErrNotFound
		}
		return models.Session{}, fmt.Errorf("mark session live: %w", err)
	}
	// The CTE and the outer select run against the same snapshot; reflect the
	// transition locally when the guard matched.
	if session.State == models.SessionCreated {
		session.State = models.SessionLive
		session.StartedAt = &now
		metrics.Default().SessionStarted()
	}
	return session, nil
}

func (p *Postgres) EndSession(id string) (models.Session, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, fmt.Errorf("begin end-session transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := p.now().UTC()
	var prior string
	if err := tx.QueryRow(ctx, `SELECT state FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&prior); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, ErrNotFound
		}
		return models.Session{}, fmt.Errorf("lock session: %w", err)
	}
	if prior == string(models.SessionEnded) {
		return models.Session{}, ErrAlreadyEnded
	}
	if _, err := tx.Exec(ctx, `
UPDATE sessions SET state = 'ENDED', ended_at = $2 WHERE id = $1
`, id, now); err != nil {
		return models.Session{}, fmt.Errorf("end session: %w", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE viewers SET active = FALSE, left_at = $2 WHERE session_id = $1 AND active
`, id, now); err != nil {
		return models.Session{}, fmt.Errorf("deactivate viewers: %w", err)
	}
	session, err := p.scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = $1`, id))
	if err != nil {
		return models.Session{}, fmt.Errorf("reload session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, fmt.Errorf("commit end-session transaction: %w", err)
	}
	if prior == string(models.SessionLive) {
		metrics.Default().SessionEnded()
	}
	return session, nil
}

func (p *Postgres) TouchViewer(sessionID, userID, providerIdentity string) (models.Viewer, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	session, ok := p.GetSession(sessionID)
	if !ok {
		return models.Viewer{}, ErrNotFound
	}
	if session.State == models.SessionEnded {
		return models.Viewer{}, ErrNotLive
	}
	now := p.now().UTC()
	row := p.pool.QueryRow(ctx, `
INSERT INTO viewers (session_id, user_id, provider_identity, active, joined_at)
VALUES ($1, $2, $3, TRUE, $4)
ON CONFLICT (session_id, user_id) DO UPDATE
	SET provider_identity = EXCLUDED.provider_identity, active = TRUE, left_at = NULL
RETURNING session_id, user_id, provider_identity, active, joined_at, left_at
`, sessionID, userID, providerIdentity, now)
	var viewer models.Viewer
	if err := row.Scan(&viewer.SessionID, &viewer.UserID, &viewer.ProviderIdentity, &viewer.Active, &viewer.JoinedAt, &viewer.LeftAt); err != nil {
		return models.Viewer{}, fmt.Errorf("touch viewer: %w", err)
	}
	return viewer, nil
}

func (p *Postgres) ReleaseViewer(sessionID, userID string) error {
	ctx, cancel := p.opCtx()
	defer cancel()
	_, err := p.pool.Exec(ctx, `
UPDATE viewers SET active = FALSE, left_at = $3 WHERE session_id = $1 AND user_id = $2 AND active
`, sessionID, userID, p.now().UTC())
	if err != nil {
		return fmt.Errorf("release viewer: %w", err)
	}
	return nil
}

func (p *Postgres) ListViewers(sessionID string, activeOnly bool) []models.Viewer {
	ctx, cancel := p.opCtx()
	defer cancel()
	query := `SELECT session_id, user_id, provider_identity, active, joined_at, left_at FROM viewers WHERE session_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY joined_at`
	rows, err := p.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var viewers []models.Viewer
	for rows.Next() {
		var viewer models.Viewer
		if err := rows.Scan(&viewer.SessionID, &viewer.UserID, &viewer.ProviderIdentity, &viewer.Active, &viewer.JoinedAt, &viewer.LeftAt); err != nil {
			return viewers
		}
		viewers = append(viewers, viewer)
	}
	return viewers
}

func (p *Postgres) AdvanceRecording(sessionID string, from, to models.RecordingState, update RecordingUpdate) (models.Session, error) {
	ctx, cancel := p.opCtx()
	defer cancel()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, fmt.Errorf("begin recording transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	session, err := p.advanceRecordingTx(ctx, tx, sessionID, from, to, update)
	if err != nil {
		return models.Session{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Session{}, fmt.Errorf("commit recording transaction: %w", err)
	}
	return session, nil
}

func (p *Postgres) advanceRecordingTx(ctx context.Context, tx pgx.Tx, sessionID string, from, to models.RecordingState, update RecordingUpdate) (models.Session, error) {
	if !legalRecordingTransition(from, to) {
		return models.Session{}, ErrInvalidTransition
	}
	now := p.now().UTC()
	tag, err := tx.Exec(ctx, `
UPDATE sessions SET recording_state = $3,
	recording_job_id = COALESCE($4, recording_job_id),
	artifact_url = COALESCE($5, artifact_url)
WHERE id = $1 AND recording_state = $2
`, sessionID, string(from), string(to), update.ExternalID, update.ArtifactURL)
	if err != nil {
		return models.Session{}, fmt.Errorf("advance recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
			return models.Session{}, fmt.Errorf("check session: %w", err)
		}
		if !exists {
			return models.Session{}, ErrNotFound
		}
		return models.Session{}, ErrConflict
	}
	if update.ExternalID != nil {
		objectKey := ""
		if update.ObjectKey != nil {
			objectKey = *update.ObjectKey
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO recording_jobs (session_id, external_id, object_key, outcome, started_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id) DO UPDATE SET external_id = EXCLUDED.external_id,
	object_key = CASE WHEN EXCLUDED.object_key <> '' THEN EXCLUDED.object_key ELSE recording_jobs.object_key END
`, sessionID, *update.ExternalID, objectKey, models.RecordingJobPending, now); err != nil {
			return models.Session{}, fmt.Errorf("upsert recording job: %w", err)
		}
	}
	if update.JobOutcome != nil {
		if _, err := tx.Exec(ctx, `
UPDATE recording_jobs SET outcome = $2, stopped_at = $3 WHERE session_id = $1
`, sessionID, *update.JobOutcome, now); err != nil {
			return models.Session{}, fmt.Errorf("finalize recording job: %w", err)
		}
	}
	return p.scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = $1`, sessionID))
}

func (p *Postgres) GetRecordingJob(sessionID string) (models.RecordingJob, bool) {
	ctx, cancel := p.opCtx()
	defer cancel()
	var job models.RecordingJob
	err := p.pool.QueryRow(ctx, `
SELECT session_id, external_id, object_key, outcome, started_at, stopped_at
FROM recording_jobs WHERE session_id = $1
`, sessionID).Scan(&job.SessionID, &job.ExternalID, &job.ObjectKey, &job.Outcome, &job.StartedAt, &job.StoppedAt)
	if err != nil {
		return models.RecordingJob{}, false
	}
	return job, true
}

type pgEventTx struct {
	ctx context.Context
	tx  pgx.Tx
	p   *Postgres
}

func (t pgEventTx) AdvanceRecording(sessionID string, from, to models.RecordingState, update RecordingUpdate) (models.Session, error) {
	return t.p.advanceRecordingTx(t.ctx, t.tx, sessionID, from, to, update)
}

// ApplyExternalEvent claims the (provider, idempotency key) row and runs apply
// inside the same transaction. A concurrent delivery of the same key blocks on
// the row lock and then observes the applied flag, so apply runs at most once
// per key. A rejected apply leaves an unapplied row behind for redelivery.
func (p *Postgres) ApplyExternalEvent(ctx context.Context, provider, eventKind, idempotencyKey, payloadDigest string, apply func(tx EventTx) error) (EventOutcome, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return EventRejected, fmt.Errorf("begin event transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := p.now().UTC()
	tag, err := tx.Exec(ctx, `
INSERT INTO provider_events (provider, idempotency_key, event_kind, payload_digest, applied, received_at)
VALUES ($1, $2, $3, $4, FALSE, $5)
ON CONFLICT (provider, idempotency_key) DO NOTHING
`, provider, idempotencyKey, eventKind, payloadDigest, now)
	if err != nil {
		return EventRejected, fmt.Errorf("record event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var applied bool
		if err := tx.QueryRow(ctx, `
SELECT applied FROM provider_events WHERE provider = $1 AND idempotency_key = $2 FOR UPDATE
`, provider, idempotencyKey).Scan(&applied); err != nil {
			return EventRejected, fmt.Errorf("inspect event: %w", err)
		}
		if applied {
			return EventDuplicate, nil
		}
	}

	if err := apply(pgEventTx{ctx: ctx, tx: tx, p: p}); err != nil {
		// Roll back the apply but keep the delivery on record so operators can
		// see the rejection; redelivery retries from scratch.
		tx.Rollback(ctx)
		if _, recErr := p.pool.Exec(ctx, `
INSERT INTO provider_events (provider, idempotency_key, event_kind, payload_digest, applied, received_at)
VALUES ($1, $2, $3, $4, FALSE, $5)
ON CONFLICT (provider, idempotency_key) DO UPDATE SET received_at = EXCLUDED.received_at
`, provider, idempotencyKey, eventKind, payloadDigest, now); recErr != nil {
			return EventRejected, errors.Join(err, recErr)
		}
		return EventRejected, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE provider_events SET applied = TRUE WHERE provider = $1 AND idempotency_key = $2
`, provider, idempotencyKey); err != nil {
		return EventRejected, fmt.Errorf("mark event applied: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return EventRejected, fmt.Errorf("commit event transaction: %w", err)
	}
	return EventApplied, nil
}

func (p *Postgres) ListProviderEvents(provider string) []models.ProviderEvent {
	ctx, cancel := p.opCtx()
	defer cancel()
	query := `SELECT provider, event_kind, idempotency_key, payload_digest, applied, received_at FROM provider_events`
	args := []any{}
	if provider != "" {
		query += ` WHERE provider = $1`
		args = append(args, provider)
	}
	query += ` ORDER BY received_at`
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var events []models.ProviderEvent
	for rows.Next() {
		var event models.ProviderEvent
		if err := rows.Scan(&event.Provider, &event.EventKind, &event.IdempotencyKey, &event.PayloadDigest, &event.Applied, &event.ReceivedAt); err != nil {
			return events
		}
		events = append(events, event)
	}
	return events
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503"
}

var _ Repository = (*Postgres)(nil)
