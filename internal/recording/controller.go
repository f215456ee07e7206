// Package recording runs the recording lifecycle attached to live sessions:
// arming when a broadcast starts, driving the provider's egress API with
// bounded retries, and failing jobs that the provider never finalizes.
package recording

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"coursecast-live/internal/models"
	"coursecast-live/internal/observability/metrics"
	"coursecast-live/internal/store"
)

const (
	defaultMaxAttempts    = 5
	defaultRetryDelay     = time.Second
	defaultRetryDelayCap  = 30 * time.Second
	defaultAttemptTimeout = 5 * time.Second
	defaultStopWatchdog   = 10 * time.Minute
	defaultConcurrency    = 4
)

// Store is the slice of the repository the controller needs.
type Store interface {
	GetSession(id string) (models.Session, bool)
	GetUser(id string) (models.User, bool)
	AdvanceRecording(sessionID string, from, to models.RecordingState, update store.RecordingUpdate) (models.Session, error)
}

// Announcer receives recording notifications to fan out to connected clients.
type Announcer interface {
	RecordingStarted(sessionID string)
	RecordingFailed(sessionID, reason string)
}

// Config configures a Controller.
type Config struct {
	Store     Store
	Provider  Provider
	Announcer Announcer
	Logger    *slog.Logger
	// MaxAttempts bounds provider start/stop retries.
	MaxAttempts int
	// RetryDelay is the first backoff interval; it doubles per attempt up to
	// RetryDelayCap.
	RetryDelay     time.Duration
	RetryDelayCap  time.Duration
	AttemptTimeout time.Duration
	// StopWatchdog bounds how long a job may sit in STOPPING before it is
	// marked FAILED.
	StopWatchdog time.Duration
	// Concurrency bounds simultaneous provider calls.
	Concurrency int64
}

// Controller owns the recording state machine for every session. All state
// transitions go through the store's guarded AdvanceRecording, so a crashed
// controller can never corrupt recording state, only leave work undone.
type Controller struct {
	store     Store
	provider  Provider
	announcer Announcer
	logger    *slog.Logger

	maxAttempts    int
	retryDelay     time.Duration
	retryDelayCap  time.Duration
	attemptTimeout time.Duration
	stopWatchdog   time.Duration
	sem            *semaphore.Weighted

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	starting  map[string]*startHandle
	watchdogs map[string]*time.Timer
}

type startHandle struct {
	cancel context.CancelFunc
}

// NewController constructs a Controller. Call Close to stop background work.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RetryDelayCap <= 0 {
		cfg.RetryDelayCap = defaultRetryDelayCap
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.StopWatchdog <= 0 {
		cfg.StopWatchdog = defaultStopWatchdog
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:          cfg.Store,
		provider:       cfg.Provider,
		announcer:      cfg.Announcer,
		logger:         logger,
		maxAttempts:    cfg.MaxAttempts,
		retryDelay:     cfg.RetryDelay,
		retryDelayCap:  cfg.RetryDelayCap,
		attemptTimeout: cfg.AttemptTimeout,
		stopWatchdog:   cfg.StopWatchdog,
		sem:            semaphore.NewWeighted(cfg.Concurrency),
		rootCtx:        ctx,
		cancel:         cancel,
		starting:       make(map[string]*startHandle),
		watchdogs:      make(map[string]*time.Timer),
	}
}

// Close cancels in-flight starts and waits for background work to settle.
// Pending stop requests are allowed to finish: abandoning them would leave
// provider jobs running unattended.
func (c *Controller) Close() {
	c.mu.Lock()
	for _, handle := range c.starting {
		handle.cancel()
	}
	for _, timer := range c.watchdogs {
		timer.Stop()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.cancel()
}

// BroadcastStarted starts a provider recording job for an armed session in
// the background. Sessions are armed when they are created; the transition to
// RECORDING is committed only after the provider acknowledged the start, so a
// failure leaves the session parked at ARMED with a recording_failed
// notification and a later publish may try again.
func (c *Controller) BroadcastStarted(_ context.Context, session models.Session) {
	current, ok := c.store.GetSession(session.ID)
	if !ok || current.RecordingState != models.RecordingArmed {
		// Already recording, finished, or disarmed; media_published is
		// idempotent.
		return
	}
	startCtx, cancelStart := context.WithCancel(c.rootCtx)
	handle := &startHandle{cancel: cancelStart}
	c.mu.Lock()
	if _, inFlight := c.starting[session.ID]; inFlight {
		c.mu.Unlock()
		cancelStart()
		return
	}
	c.starting[session.ID] = handle
	c.mu.Unlock()

	c.wg.Add(1)
	metrics.Default().RecordingJobStarted()
	go func() {
		defer c.wg.Done()
		defer metrics.Default().RecordingJobFinished()
		defer func() {
			c.mu.Lock()
			if c.starting[session.ID] == handle {
				delete(c.starting, session.ID)
			}
			c.mu.Unlock()
		}()
		c.startJob(startCtx, session)
	}()
}

func (c *Controller) startJob(ctx context.Context, session models.Session) {
	streamer := session.CreatorID
	if user, ok := c.store.GetUser(session.CreatorID); ok {
		streamer = user.DisplayName
	}
	objectKey := ObjectKey(streamer, session.ID, time.Now())

	externalID, err := c.withRetries(ctx, "start_recording", func(attemptCtx context.Context) (string, error) {
		return c.provider.StartRecording(attemptCtx, session.Room, objectKey)
	})
	if err != nil {
		if ctx.Err() != nil {
			// The broadcast ended before the provider accepted; disarm.
			if _, derr := c.store.AdvanceRecording(session.ID, models.RecordingArmed, models.RecordingNone, store.RecordingUpdate{}); derr != nil && !errors.Is(derr, store.ErrConflict) {
				c.logger.Warn("disarm after canceled start failed", "session_id", session.ID, "error", derr)
			}
			return
		}
		c.logger.Error("start recording exhausted retries", "session_id", session.ID, "room", session.Room, "error", err)
		if c.announcer != nil {
			c.announcer.RecordingFailed(session.ID, "provider rejected recording start")
		}
		return
	}

	if _, err := c.store.AdvanceRecording(session.ID, models.RecordingArmed, models.RecordingActive,
		store.RecordingUpdate{ExternalID: &externalID, ObjectKey: &objectKey}); err != nil {
		// The session moved on (ended) while the provider was starting; stop
		// the orphaned job so it does not record an empty room.
		c.logger.Warn("recording started for stale session, stopping", "session_id", session.ID, "external_id", externalID, "error", err)
		c.stopJob(session.ID, externalID)
		return
	}
	c.logger.Info("recording started", "session_id", session.ID, "external_id", externalID, "object_key", objectKey)
	if c.announcer != nil {
		c.announcer.RecordingStarted(session.ID)
	}
}

// BroadcastEnding stops recording work for the session. Pending starts are
// canceled; an active job is moved to STOPPING and the provider is told to
// finalize it. Stop requests are never canceled.
func (c *Controller) BroadcastEnding(_ context.Context, session models.Session) {
	c.mu.Lock()
	if handle, ok := c.starting[session.ID]; ok {
		handle.cancel()
		delete(c.starting, session.ID)
	}
	c.mu.Unlock()

	current, ok := c.store.GetSession(session.ID)
	if !ok {
		return
	}
	switch current.RecordingState {
	case models.RecordingArmed:
		if _, err := c.store.AdvanceRecording(session.ID, models.RecordingArmed, models.RecordingNone, store.RecordingUpdate{}); err != nil && !errors.Is(err, store.ErrConflict) {
			c.logger.Warn("disarm recording failed", "session_id", session.ID, "error", err)
		}
	case models.RecordingActive:
		updated, err := c.store.AdvanceRecording(session.ID, models.RecordingActive, models.RecordingStopping, store.RecordingUpdate{})
		if err != nil {
			if !errors.Is(err, store.ErrConflict) {
				c.logger.Error("mark recording stopping failed", "session_id", session.ID, "error", err)
			}
			return
		}
		externalID := ""
		if updated.RecordingJobID != nil {
			externalID = *updated.RecordingJobID
		}
		c.stopJob(session.ID, externalID)
	}
}

func (c *Controller) stopJob(sessionID, externalID string) {
	c.armWatchdog(sessionID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// Stops run against the background context: the session ending must
		// not abandon a provider job mid-finalization.
		_, err := c.withRetries(context.Background(), "stop_recording", func(attemptCtx context.Context) (string, error) {
			return "", c.provider.StopRecording(attemptCtx, externalID)
		})
		if err != nil {
			c.logger.Error("stop recording exhausted retries", "session_id", sessionID, "external_id", externalID, "error", err)
			c.failStopped(sessionID, "provider rejected recording stop")
		}
		// On success the job stays STOPPING until the provider's
		// recording.finished callback lands; the watchdog covers a callback
		// that never arrives.
	}()
}

func (c *Controller) armWatchdog(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prior, ok := c.watchdogs[sessionID]; ok {
		prior.Stop()
	}
	c.watchdogs[sessionID] = time.AfterFunc(c.stopWatchdog, func() {
		c.mu.Lock()
		delete(c.watchdogs, sessionID)
		c.mu.Unlock()
		c.failStopped(sessionID, "provider never finalized the recording")
	})
}

// ResolveWatchdog clears the pending stop watchdog once the provider's
// terminal callback has been applied.
func (c *Controller) ResolveWatchdog(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.watchdogs[sessionID]; ok {
		timer.Stop()
		delete(c.watchdogs, sessionID)
	}
}

func (c *Controller) failStopped(sessionID, reason string) {
	outcome := models.RecordingJobFailed
	if _, err := c.store.AdvanceRecording(sessionID, models.RecordingStopping, models.RecordingFailed,
		store.RecordingUpdate{JobOutcome: &outcome}); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			c.logger.Error("fail recording transition rejected", "session_id", sessionID, "error", err)
		}
		return
	}
	c.logger.Warn("recording failed", "session_id", sessionID, "reason", reason)
	if c.announcer != nil {
		c.announcer.RecordingFailed(sessionID, reason)
	}
}

// withRetries runs op under the concurrency semaphore with exponential
// backoff. It returns the last error once attempts are exhausted or the
// context is canceled between attempts.
func (c *Controller) withRetries(ctx context.Context, operation string, op func(ctx context.Context) (string, error)) (string, error) {
	delay := c.retryDelay
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
		metrics.Default().ObserveRecordingAttempt(operation)
		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		result, err := op(attemptCtx)
		cancel()
		c.sem.Release(1)
		if err == nil {
			return result, nil
		}
		metrics.Default().ObserveRecordingFailure(operation)
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt == c.maxAttempts {
			break
		}
		c.logger.Warn("provider call failed, retrying", "operation", operation, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.retryDelayCap {
			delay = c.retryDelayCap
		}
	}
	return "", lastErr
}
