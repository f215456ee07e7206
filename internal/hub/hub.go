// Package hub fans live-session signaling out to websocket clients. Each
// session gets a single serializer goroutine, so every client observes the
// session's events in one global order and frames from one sender are applied
// in the order they arrived.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coursecast-live/internal/models"
	"coursecast-live/internal/observability/metrics"
	"coursecast-live/internal/store"
)

const (
	// DefaultGrace is how long a disconnected broadcaster may reclaim the
	// stream before the session is ended automatically.
	DefaultGrace = 90 * time.Second
	minGrace     = 10 * time.Second
	maxGrace     = 10 * time.Minute

	defaultSendQueueDepth = 32
	fanoutQueueDepth      = 256
)

// SessionStore is the slice of the repository the hub needs.
type SessionStore interface {
	GetSession(id string) (models.Session, bool)
	MarkSessionLive(id string) (models.Session, error)
	EndSession(id string) (models.Session, error)
	TouchViewer(sessionID, userID, providerIdentity string) (models.Viewer, error)
	ReleaseViewer(sessionID, userID string) error
}

// Identifier resolves a client-supplied credential into a user.
type Identifier interface {
	Resolve(token string) (models.User, bool)
}

// Recorder receives broadcast lifecycle notifications so recording can be
// started and stopped alongside the stream.
type Recorder interface {
	BroadcastStarted(ctx context.Context, session models.Session)
	BroadcastEnding(ctx context.Context, session models.Session)
}

// TokenSource mints the publisher credential handed back to a broadcaster in
// its admin_status acknowledgement.
type TokenSource interface {
	PublisherToken(session models.Session, user models.User) (string, error)
}

// Config configures a Hub.
type Config struct {
	Sessions   SessionStore
	Identities Identifier
	Recorder   Recorder
	Tokens     TokenSource
	Logger     *slog.Logger
	// Grace overrides DefaultGrace. Values outside [10s, 10m] are clamped.
	Grace time.Duration
	// SendQueueDepth bounds each connection's outbound queue.
	SendQueueDepth int
}

// Hub owns all live fan-out state. Fan-outs are created lazily on first join
// and torn down when their session ends.
type Hub struct {
	sessions   SessionStore
	identities Identifier
	recorder   Recorder
	tokens     TokenSource
	logger     *slog.Logger
	grace      time.Duration
	queueDepth int

	mu      sync.Mutex
	fanouts map[string]*fanout
}

// New constructs a Hub from the configuration.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.Grace
	if grace == 0 {
		grace = DefaultGrace
	}
	if grace < minGrace {
		grace = minGrace
	}
	if grace > maxGrace {
		grace = maxGrace
	}
	depth := cfg.SendQueueDepth
	if depth <= 0 {
		depth = defaultSendQueueDepth
	}
	return &Hub{
		sessions:   cfg.Sessions,
		identities: cfg.Identities,
		recorder:   cfg.Recorder,
		tokens:     cfg.Tokens,
		logger:     logger,
		grace:      grace,
		queueDepth: depth,
		fanouts:    make(map[string]*fanout),
	}
}

// HandleConnection upgrades the request and starts the connection pumps. The
// caller passes the user resolved from the request's cookie, if any;
// anonymous connections may identify later over the socket.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request, user models.User, authed bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan outboundFrame, h.queueDepth),
		user:   user,
		authed: authed,
	}
	if !authed {
		c.anonTimer = time.AfterFunc(anonymousIdleLimit, func() {
			c.close(websocket.ClosePolicyViolation, "identify deadline exceeded")
		})
	}
	metrics.Default().ObserveSignalConnection(1)
	go c.writeLoop()
	c.enqueue(outboundFrame{Type: FrameConnectionStatus, State: "connected", control: true})
	go c.readLoop()
}

type command interface{ isCommand() }

type joinCmd struct {
	c    *client
	user models.User
	role string
	// canLead marks callers eligible for the broadcaster role when none is
	// requested; the fan-out resolves it against broadcaster presence.
	canLead bool
}

type frameCmd struct {
	c     *client
	frame inboundFrame
}

type detachCmd struct {
	c      *client
	reason string
}

type announceCmd struct{ frame outboundFrame }

type graceExpiredCmd struct{}

type shutdownCmd struct{ frame *outboundFrame }

func (joinCmd) isCommand()         {}
func (frameCmd) isCommand()        {}
func (detachCmd) isCommand()       {}
func (announceCmd) isCommand()     {}
func (graceExpiredCmd) isCommand() {}
func (shutdownCmd) isCommand()     {}

// join validates the request against the session record and hands the client
// to the session's fan-out. It reports whether the client was handed off.
func (h *Hub) join(c *client, sessionID, role string) bool {
	session, ok := h.sessions.GetSession(sessionID)
	if !ok {
		c.sendError(ErrCodeNotFound, "session not found")
		return false
	}
	if session.State == models.SessionEnded {
		c.sendError(ErrCodeSessionEnded, "session has ended")
		return false
	}
	canLead := c.user.CanBroadcast() && (c.user.ID == session.CreatorID || c.user.HasRole("admin"))
	switch role {
	case "broadcaster":
		if !canLead {
			c.sendError(ErrCodeForbidden, "broadcast rights required")
			return false
		}
	case "", "viewer":
	default:
		c.sendError(ErrCodeBadFrame, "unknown role")
		return false
	}
	// Retry if the fan-out idles out between lookup and hand-off.
	for {
		if h.fanout(sessionID).submit(joinCmd{c: c, user: c.user, role: role, canLead: canLead}) {
			return true
		}
	}
}

func (h *Hub) forward(c *client, sessionID string, frame inboundFrame) {
	h.mu.Lock()
	f := h.fanouts[sessionID]
	h.mu.Unlock()
	if f == nil {
		c.sendError(ErrCodeNotJoined, "stream is not active")
		return
	}
	f.submit(frameCmd{c: c, frame: frame})
}

func (h *Hub) detach(c *client, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range h.fanouts {
		f.submit(detachCmd{c: c, reason: reason})
	}
}

func (h *Hub) fanout(sessionID string) *fanout {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.fanouts[sessionID]; ok {
		return f
	}
	f := &fanout{
		hub:       h,
		sessionID: sessionID,
		inbound:   make(chan command, fanoutQueueDepth),
		viewers:   make(map[*client]models.User),
	}
	h.fanouts[sessionID] = f
	go f.run()
	return f
}

func (h *Hub) remove(f *fanout) {
	h.mu.Lock()
	if h.fanouts[f.sessionID] == f {
		delete(h.fanouts, f.sessionID)
	}
	h.mu.Unlock()
}

// SessionEnded tells the hub a session was ended outside the socket (for
// example through the REST API) so connected clients learn about it.
func (h *Hub) SessionEnded(sessionID string) {
	h.announce(sessionID, nil, &outboundFrame{
		Type: FrameStreamUpdate, SessionID: sessionID,
		State: string(models.SessionEnded), control: true,
	})
}

// RecordingStarted fans a recording_started notification out to the session.
func (h *Hub) RecordingStarted(sessionID string) {
	h.announce(sessionID, &outboundFrame{Type: FrameRecordingStarted, SessionID: sessionID, control: true}, nil)
}

// RecordingFailed fans a recording_failed notification out to the session.
func (h *Hub) RecordingFailed(sessionID, reason string) {
	h.announce(sessionID, &outboundFrame{Type: FrameRecordingFailed, SessionID: sessionID, Message: reason, control: true}, nil)
}

// RecordingUploaded fans a recording_uploaded notification out to the session.
func (h *Hub) RecordingUploaded(sessionID, artifactURL string) {
	h.announce(sessionID, &outboundFrame{Type: FrameRecordingUploaded, SessionID: sessionID, ArtifactURL: artifactURL, control: true}, nil)
}

func (h *Hub) announce(sessionID string, frame *outboundFrame, terminal *outboundFrame) {
	h.mu.Lock()
	f := h.fanouts[sessionID]
	h.mu.Unlock()
	if f == nil {
		return
	}
	if terminal != nil {
		f.submit(shutdownCmd{frame: terminal})
		return
	}
	f.submit(announceCmd{frame: *frame})
}

// Shutdown tears down every fan-out. Connected clients receive a final
// stream_update and are closed.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	fanouts := make([]*fanout, 0, len(h.fanouts))
	for _, f := range h.fanouts {
		fanouts = append(fanouts, f)
	}
	h.mu.Unlock()
	for _, f := range fanouts {
		f.submit(shutdownCmd{})
	}
	return ctx.Err()
}

// fanout serializes all activity for one session. Every mutation of its state
// happens on the run goroutine.
type fanout struct {
	hub       *Hub
	sessionID string
	inbound   chan command

	submitMu sync.Mutex
	stopped  bool

	// Owned by run.
	broadcaster     *client
	broadcasterUser models.User
	viewers         map[*client]models.User
	graceTimer      *time.Timer
	gracePending    bool
}

// submit hands a command to the run goroutine. It reports false once the
// fan-out has stopped accepting. A full backlog sheds the command instead of
// blocking: a submitter stuck on the channel would hold submitMu while the
// run goroutine waits for it in stopAccepting.
func (f *fanout) submit(cmd command) bool {
	f.submitMu.Lock()
	defer f.submitMu.Unlock()
	if f.stopped {
		return false
	}
	select {
	case f.inbound <- cmd:
	default:
		metrics.Default().ObserveSignalDrop("fanout_backlog")
		f.hub.logger.Warn("fan-out backlog full, shedding command", "session_id", f.sessionID)
	}
	return true
}

func (f *fanout) stopAccepting() {
	f.submitMu.Lock()
	f.stopped = true
	f.submitMu.Unlock()
}

func (f *fanout) run() {
	for cmd := range f.inbound {
		switch cmd := cmd.(type) {
		case joinCmd:
			f.handleJoin(cmd)
		case frameCmd:
			f.handleFrame(cmd)
		case detachCmd:
			f.handleDetach(cmd.c)
		case announceCmd:
			f.broadcast(cmd.frame)
		case graceExpiredCmd:
			if f.broadcaster == nil {
				f.endSession("broadcaster grace expired")
				return
			}
		case shutdownCmd:
			frame := outboundFrame{Type: FrameStreamUpdate, SessionID: f.sessionID, State: string(models.SessionEnded), control: true}
			if cmd.frame != nil {
				frame = *cmd.frame
			}
			f.teardown(frame)
			return
		}
	}
}

func (f *fanout) handleJoin(cmd joinCmd) {
	role := cmd.role
	if role == "" {
		// Eligible callers take the broadcaster slot when it is open.
		role = "viewer"
		if cmd.canLead && (f.broadcaster == nil || f.broadcaster == cmd.c) {
			role = "broadcaster"
		}
	}
	if role == "broadcaster" {
		if f.broadcaster != nil && f.broadcaster != cmd.c {
			// The active broadcaster is never evicted by a newcomer.
			cmd.c.sendError(ErrCodeBroadcasterPresent, "a broadcaster is already connected")
			return
		}
		resumed := f.gracePending
		f.cancelGrace()
		f.broadcaster = cmd.c
		f.broadcasterUser = cmd.user
		delete(f.viewers, cmd.c)
		state := "joined"
		if resumed {
			state = "resumed"
		}
		ack := outboundFrame{
			Type: FrameAdminStatus, SessionID: f.sessionID,
			Role: "broadcaster", State: state, CanPublish: true, control: true,
		}
		if f.hub.tokens != nil {
			if session, ok := f.hub.sessions.GetSession(f.sessionID); ok {
				tok, err := f.hub.tokens.PublisherToken(session, cmd.user)
				if err != nil {
					f.hub.logger.Warn("mint publisher token failed", "session_id", f.sessionID, "user_id", cmd.user.ID, "error", err)
				} else {
					ack.Token = tok
				}
			}
		}
		cmd.c.enqueue(ack)
		f.sendSnapshot(cmd.c)
		f.broadcastExcept(cmd.c, outboundFrame{
			Type: FrameAdminJoined, SessionID: f.sessionID,
			UserID: cmd.user.ID, DisplayName: cmd.user.DisplayName, control: true,
		})
		return
	}
	f.viewers[cmd.c] = cmd.user
	if _, err := f.hub.sessions.TouchViewer(f.sessionID, cmd.user.ID, cmd.user.ID); err != nil {
		if errors.Is(err, store.ErrNotLive) || errors.Is(err, store.ErrNotFound) {
			delete(f.viewers, cmd.c)
			cmd.c.sendError(ErrCodeSessionEnded, "session is not accepting viewers")
			return
		}
		f.hub.logger.Warn("touch viewer failed", "session_id", f.sessionID, "user_id", cmd.user.ID, "error", err)
	}
	cmd.c.enqueue(outboundFrame{Type: FrameConnectionStatus, SessionID: f.sessionID, Role: "viewer", State: "joined", control: true})
	f.sendSnapshot(cmd.c)
	f.broadcastExcept(cmd.c, outboundFrame{
		Type: FrameViewerJoined, SessionID: f.sessionID,
		UserID: cmd.user.ID, DisplayName: cmd.user.DisplayName, ViewerCount: f.viewerCount(),
	})
}

func (f *fanout) handleFrame(cmd frameCmd) {
	switch cmd.frame.Type {
	case FrameMediaPublished:
		if cmd.c != f.broadcaster {
			cmd.c.sendError(ErrCodeForbidden, "only the broadcaster may publish")
			return
		}
		session, err := f.hub.sessions.MarkSessionLive(f.sessionID)
		if err != nil {
			if errors.Is(err, store.ErrAlreadyEnded) {
				cmd.c.sendError(ErrCodeSessionEnded, "session has ended")
				return
			}
			f.hub.logger.Error("mark session live failed", "session_id", f.sessionID, "error", err)
			cmd.c.sendError(ErrCodeBadFrame, "could not go live")
			return
		}
		if f.hub.recorder != nil {
			f.hub.recorder.BroadcastStarted(context.Background(), session)
		}
		f.broadcast(f.streamUpdate(session, ""))
	case FrameStatusUpdate:
		if cmd.c != f.broadcaster {
			cmd.c.sendError(ErrCodeForbidden, "only the broadcaster may update status")
			return
		}
		session, _ := f.hub.sessions.GetSession(f.sessionID)
		update := f.streamUpdate(session, cmd.frame.Status)
		update.control = false
		// Status reaches viewers only; the sender already knows it.
		f.broadcastExcept(cmd.c, update)
	case FrameStreamControl:
		if cmd.c != f.broadcaster {
			cmd.c.sendError(ErrCodeForbidden, "only the broadcaster may control the stream")
			return
		}
		if cmd.frame.Action == "" {
			cmd.c.sendError(ErrCodeBadFrame, "stream control action is required")
			return
		}
		if cmd.frame.Action == "stop" {
			f.endSession("broadcaster stopped the stream")
			return
		}
		// Everything else is an opaque broadcaster signal relayed to viewers,
		// never echoed to the sender.
		f.broadcastExcept(cmd.c, outboundFrame{
			Type: FrameStreamControl, SessionID: f.sessionID,
			Action: cmd.frame.Action, Data: cmd.frame.Data,
		})
	}
}

func (f *fanout) handleDetach(c *client) {
	if c == f.broadcaster {
		f.broadcaster = nil
		f.startGrace()
		f.broadcast(outboundFrame{
			Type: FrameAdminLeft, SessionID: f.sessionID,
			UserID: f.broadcasterUser.ID, GraceMs: f.hub.grace.Milliseconds(), control: true,
		})
		return
	}
	user, ok := f.viewers[c]
	if !ok {
		return
	}
	delete(f.viewers, c)
	if err := f.hub.sessions.ReleaseViewer(f.sessionID, user.ID); err != nil {
		f.hub.logger.Warn("release viewer failed", "session_id", f.sessionID, "user_id", user.ID, "error", err)
	}
	f.broadcast(outboundFrame{
		Type: FrameViewerLeft, SessionID: f.sessionID,
		UserID: user.ID, ViewerCount: f.viewerCount(),
	})
	f.maybeIdleStop()
}

func (f *fanout) startGrace() {
	f.cancelGrace()
	f.gracePending = true
	f.graceTimer = time.AfterFunc(f.hub.grace, func() {
		f.submit(graceExpiredCmd{})
	})
}

func (f *fanout) cancelGrace() {
	if f.graceTimer != nil {
		f.graceTimer.Stop()
		f.graceTimer = nil
	}
	f.gracePending = false
}

// maybeIdleStop removes an empty fan-out so sessions nobody is watching do
// not pin a goroutine. A pending grace timer keeps the fan-out alive.
func (f *fanout) maybeIdleStop() {
	if f.broadcaster != nil || len(f.viewers) > 0 || f.gracePending {
		return
	}
	f.stopAccepting()
	f.hub.remove(f)
	// stopAccepting holds the submit lock, so nothing else writes to inbound
	// anymore; drain what was buffered and let run exit on the closed channel.
	for {
		select {
		case cmd := <-f.inbound:
			if join, ok := cmd.(joinCmd); ok {
				// Route the straggler to a fresh fan-out.
				go f.hub.join(join.c, f.sessionID, join.role)
			}
		default:
			close(f.inbound)
			return
		}
	}
}

func (f *fanout) endSession(reason string) {
	session, err := f.hub.sessions.EndSession(f.sessionID)
	if err != nil && !errors.Is(err, store.ErrAlreadyEnded) {
		f.hub.logger.Error("end session failed", "session_id", f.sessionID, "error", err)
	}
	if err == nil && f.hub.recorder != nil {
		f.hub.recorder.BroadcastEnding(context.Background(), session)
	}
	f.hub.logger.Info("session ended", "session_id", f.sessionID, "reason", reason)
	f.teardown(outboundFrame{Type: FrameStreamUpdate, SessionID: f.sessionID, State: string(models.SessionEnded), control: true})
}

// teardown broadcasts the final frame, closes every connection, and removes
// the fan-out. Callers must return from run immediately afterwards.
func (f *fanout) teardown(final outboundFrame) {
	f.stopAccepting()
	f.cancelGrace()
	f.broadcast(final)
	if f.broadcaster != nil {
		f.broadcaster.close(websocket.CloseNormalClosure, "session ended")
	}
	for c, user := range f.viewers {
		if err := f.hub.sessions.ReleaseViewer(f.sessionID, user.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			f.hub.logger.Warn("release viewer failed", "session_id", f.sessionID, "user_id", user.ID, "error", err)
		}
		c.close(websocket.CloseNormalClosure, "session ended")
	}
	f.hub.remove(f)
}

func (f *fanout) streamUpdate(session models.Session, status string) outboundFrame {
	return outboundFrame{
		Type:           FrameStreamUpdate,
		SessionID:      session.ID,
		State:          string(session.State),
		RecordingState: string(session.RecordingState),
		Status:         status,
		ViewerCount:    f.viewerCount(),
		control:        true,
	}
}

func (f *fanout) sendSnapshot(c *client) {
	session, ok := f.hub.sessions.GetSession(f.sessionID)
	if !ok {
		return
	}
	c.enqueue(f.streamUpdate(session, ""))
}

func (f *fanout) viewerCount() int {
	return len(f.viewers)
}

func (f *fanout) broadcast(frame outboundFrame) {
	f.broadcastExcept(nil, frame)
}

func (f *fanout) broadcastExcept(skip *client, frame outboundFrame) {
	if f.broadcaster != nil && f.broadcaster != skip {
		f.broadcaster.enqueue(frame)
	}
	for c := range f.viewers {
		if c == skip {
			continue
		}
		c.enqueue(frame)
	}
}
