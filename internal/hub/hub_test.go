package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coursecast-live/internal/models"
	"coursecast-live/internal/store"
)

type stubIdentities struct {
	users map[string]models.User
}

func (s stubIdentities) Resolve(token string) (models.User, bool) {
	user, ok := s.users[token]
	return user, ok
}

type stubTokens struct{ token string }

func (s stubTokens) PublisherToken(models.Session, models.User) (string, error) {
	return s.token, nil
}

type stubRecorder struct {
	mu      sync.Mutex
	started []string
	ending  []string
}

func (s *stubRecorder) BroadcastStarted(_ context.Context, session models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, session.ID)
}

func (s *stubRecorder) BroadcastEnding(_ context.Context, session models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ending = append(s.ending, session.ID)
}

func (s *stubRecorder) startedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

type hubFixture struct {
	hub      *Hub
	store    *store.Memory
	server   *httptest.Server
	recorder *stubRecorder
	creator  models.User
	viewer   models.User
	session  models.Session
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	mem := store.NewMemory()
	creator, err := mem.CreateUser(store.CreateUserParams{
		DisplayName: "Creator", Email: "creator@example.com",
		Password: "password-123", Roles: []string{"broadcaster"},
	})
	if err != nil {
		t.Fatalf("create creator: %v", err)
	}
	viewer, err := mem.CreateUser(store.CreateUserParams{
		DisplayName: "Viewer", Email: "viewer@example.com", Password: "password-123",
	})
	if err != nil {
		t.Fatalf("create viewer: %v", err)
	}
	session, err := mem.CreateSession(creator.ID, "Options Basics", models.KindEducation)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	recorder := &stubRecorder{}
	h := New(Config{
		Sessions: mem,
		Identities: stubIdentities{users: map[string]models.User{
			"creator-token": creator,
			"viewer-token":  viewer,
		}},
		Recorder: recorder,
		Tokens:   stubTokens{token: "publisher-jwt"},
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleConnection(w, r, models.User{}, false)
	}))
	t.Cleanup(server.Close)
	return &hubFixture{hub: h, store: mem, server: server, recorder: recorder, creator: creator, viewer: viewer, session: session}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	// Every connection starts with a connection_status frame.
	frame := readFrame(t, conn, FrameConnectionStatus)
	if frame.State != "connected" {
		t.Fatalf("expected connected status, got %+v", frame)
	}
	return conn
}

func (f *hubFixture) dialAs(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t)
	writeFrame(t, conn, inboundFrame{Type: FrameIdentify, Token: token})
	frame := readFrame(t, conn, FrameConnectionStatus)
	if frame.State != "identified" {
		t.Fatalf("expected identified status, got %+v", frame)
	}
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame inboundFrame) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// assertNoFrame reads until the deadline and fails if a frame matching the
// predicate arrives. The connection is unusable afterwards.
func assertNoFrame(t *testing.T, conn *websocket.Conn, within time.Duration, unwanted func(outboundFrame) bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(within))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame outboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if unwanted(frame) {
			t.Fatalf("unexpected frame: %+v", frame)
		}
	}
}

// readFrame reads until a frame of the wanted type arrives, skipping
// unrelated fan-out traffic.
func readFrame(t *testing.T, conn *websocket.Conn, want string) outboundFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame (waiting for %s): %v", want, err)
		}
		var frame outboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Type == want {
			return frame
		}
	}
}

func TestJoinRequiresIdentify(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	writeFrame(t, conn, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	frame := readFrame(t, conn, FrameError)
	if frame.Code != ErrCodeIdentifyRequired {
		t.Fatalf("expected identify_required, got %+v", frame)
	}
}

func TestIdentifyRejectsBadToken(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	writeFrame(t, conn, inboundFrame{Type: FrameIdentify, Token: "bogus"})
	frame := readFrame(t, conn, FrameError)
	if frame.Code != ErrCodeInvalidToken {
		t.Fatalf("expected invalid_token, got %+v", frame)
	}
}

func TestBroadcasterUniqueness(t *testing.T) {
	f := newHubFixture(t)
	first := f.dialAs(t, "creator-token")
	writeFrame(t, first, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID, Role: "broadcaster"})
	status := readFrame(t, first, FrameAdminStatus)
	if status.Role != "broadcaster" || status.State != "joined" {
		t.Fatalf("unexpected join status: %+v", status)
	}

	second := f.dialAs(t, "creator-token")
	writeFrame(t, second, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID, Role: "broadcaster"})
	frame := readFrame(t, second, FrameError)
	if frame.Code != ErrCodeBroadcasterPresent {
		t.Fatalf("expected broadcaster_present, got %+v", frame)
	}
}

func TestViewerCannotJoinAsBroadcaster(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dialAs(t, "viewer-token")
	writeFrame(t, conn, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID, Role: "broadcaster"})
	frame := readFrame(t, conn, FrameError)
	if frame.Code != ErrCodeForbidden {
		t.Fatalf("expected forbidden, got %+v", frame)
	}
}

func TestMediaPublishedGoesLiveAndFansOut(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.dialAs(t, "creator-token")
	writeFrame(t, broadcaster, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID, Role: "broadcaster"})
	readFrame(t, broadcaster, FrameAdminStatus)

	viewer := f.dialAs(t, "viewer-token")
	writeFrame(t, viewer, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	readFrame(t, viewer, FrameConnectionStatus)

	joined := readFrame(t, broadcaster, FrameViewerJoined)
	if joined.UserID != f.viewer.ID || joined.ViewerCount != 1 {
		t.Fatalf("unexpected viewer_joined: %+v", joined)
	}

	writeFrame(t, broadcaster, inboundFrame{Type: FrameMediaPublished})
	update := readFrame(t, viewer, FrameStreamUpdate)
	for update.State != string(models.SessionLive) {
		update = readFrame(t, viewer, FrameStreamUpdate)
	}

	session, _ := f.store.GetSession(f.session.ID)
	if session.State != models.SessionLive {
		t.Fatalf("expected LIVE session, got %s", session.State)
	}
	if f.recorder.startedCount() != 1 {
		t.Fatalf("expected one BroadcastStarted notification, got %d", f.recorder.startedCount())
	}
}

func TestViewerCannotPublish(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dialAs(t, "viewer-token")
	writeFrame(t, conn, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	readFrame(t, conn, FrameConnectionStatus)
	writeFrame(t, conn, inboundFrame{Type: FrameMediaPublished})
	frame := readFrame(t, conn, FrameError)
	if frame.Code != ErrCodeForbidden {
		t.Fatalf("expected forbidden, got %+v", frame)
	}
	session, _ := f.store.GetSession(f.session.ID)
	if session.State != models.SessionCreated {
		t.Fatalf("session must stay CREATED, got %s", session.State)
	}
}

func TestStreamControlStopEndsSession(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.dialAs(t, "creator-token")
	writeFrame(t, broadcaster, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID, Role: "broadcaster"})
	readFrame(t, broadcaster, FrameAdminStatus)

	viewer := f.dialAs(t, "viewer-token")
	writeFrame(t, viewer, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	readFrame(t, viewer, FrameConnectionStatus)

	writeFrame(t, broadcaster, inboundFrame{Type: FrameMediaPublished})
	writeFrame(t, broadcaster, inboundFrame{Type: FrameStreamControl, Action: "stop"})

	update := readFrame(t, viewer, FrameStreamUpdate)
	for update.State != string(models.SessionEnded) {
		update = readFrame(t, viewer, FrameStreamUpdate)
	}

	session, _ := f.store.GetSession(f.session.ID)
	if session.State != models.SessionEnded {
		t.Fatalf("expected ENDED session, got %s", session.State)
	}
	if viewers := f.store.ListViewers(f.session.ID, true); len(viewers) != 0 {
		t.Fatalf("expected viewers released, got %d active", len(viewers))
	}
}

func TestBroadcasterDisconnectStartsGrace(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.dialAs(t, "creator-token")
	writeFrame(t, broadcaster, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID, Role: "broadcaster"})
	readFrame(t, broadcaster, FrameAdminStatus)

	viewer := f.dialAs(t, "viewer-token")
	writeFrame(t, viewer, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	readFrame(t, viewer, FrameConnectionStatus)
	readFrame(t, broadcaster, FrameViewerJoined)

	broadcaster.Close()

	left := readFrame(t, viewer, FrameAdminLeft)
	if left.GraceMs != DefaultGrace.Milliseconds() {
		t.Fatalf("expected grace %dms, got %d", DefaultGrace.Milliseconds(), left.GraceMs)
	}
	// The session must survive the disconnect while the grace window is open.
	session, _ := f.store.GetSession(f.session.ID)
	if session.State == models.SessionEnded {
		t.Fatal("session must not end while grace is pending")
	}

	// A reconnecting broadcaster reclaims the stream.
	again := f.dialAs(t, "creator-token")
	writeFrame(t, again, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID, Role: "broadcaster"})
	status := readFrame(t, again, FrameAdminStatus)
	if status.State != "resumed" {
		t.Fatalf("expected resumed status, got %+v", status)
	}
	rejoined := readFrame(t, viewer, FrameAdminJoined)
	if rejoined.UserID != f.creator.ID {
		t.Fatalf("unexpected admin_joined: %+v", rejoined)
	}
}

func TestGraceClamping(t *testing.T) {
	cases := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{name: "default", in: 0, want: DefaultGrace},
		{name: "below floor", in: time.Second, want: minGrace},
		{name: "above ceiling", in: time.Hour, want: maxGrace},
		{name: "in range", in: 2 * time.Minute, want: 2 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(Config{Grace: tc.in})
			if h.grace != tc.want {
				t.Fatalf("expected grace %s, got %s", tc.want, h.grace)
			}
		})
	}
}

func TestCreatorJoinWithoutRoleBecomesBroadcaster(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dialAs(t, "creator-token")
	writeFrame(t, conn, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	ack := readFrame(t, conn, FrameAdminStatus)
	if ack.Role != "broadcaster" || ack.State != "joined" {
		t.Fatalf("unexpected admin_status: %+v", ack)
	}
	if !ack.CanPublish || ack.Token != "publisher-jwt" {
		t.Fatalf("admin_status must carry the publish capability and token, got %+v", ack)
	}

	// With the broadcaster slot taken, an eligible caller falls back to viewer.
	second := f.dialAs(t, "creator-token")
	writeFrame(t, second, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	status := readFrame(t, second, FrameConnectionStatus)
	for status.Role == "" {
		status = readFrame(t, second, FrameConnectionStatus)
	}
	if status.Role != "viewer" {
		t.Fatalf("expected viewer fallback, got %+v", status)
	}
}

func TestStatusUpdateReachesViewersOnly(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.dialAs(t, "creator-token")
	writeFrame(t, broadcaster, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID, Role: "broadcaster"})
	readFrame(t, broadcaster, FrameAdminStatus)

	viewer := f.dialAs(t, "viewer-token")
	writeFrame(t, viewer, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	readFrame(t, viewer, FrameConnectionStatus)
	readFrame(t, broadcaster, FrameViewerJoined)

	writeFrame(t, broadcaster, inboundFrame{Type: FrameMediaPublished})
	writeFrame(t, broadcaster, inboundFrame{Type: FrameStatusUpdate, Status: "be right back"})

	update := readFrame(t, viewer, FrameStreamUpdate)
	for update.Status != "be right back" {
		update = readFrame(t, viewer, FrameStreamUpdate)
	}
	// The sender already knows its own status; nothing comes back.
	assertNoFrame(t, broadcaster, 300*time.Millisecond, func(frame outboundFrame) bool {
		return frame.Status == "be right back"
	})
}

func TestStreamControlRelayedToViewers(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.dialAs(t, "creator-token")
	writeFrame(t, broadcaster, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID, Role: "broadcaster"})
	readFrame(t, broadcaster, FrameAdminStatus)

	viewer := f.dialAs(t, "viewer-token")
	writeFrame(t, viewer, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	readFrame(t, viewer, FrameConnectionStatus)
	readFrame(t, broadcaster, FrameViewerJoined)

	writeFrame(t, broadcaster, inboundFrame{Type: FrameMediaPublished})
	writeFrame(t, broadcaster, inboundFrame{
		Type: FrameStreamControl, Action: "overlay",
		Data: json.RawMessage(`{"layer":"poll","visible":true}`),
	})

	relayed := readFrame(t, viewer, FrameStreamControl)
	if relayed.Action != "overlay" {
		t.Fatalf("unexpected relayed control: %+v", relayed)
	}
	var data struct {
		Layer   string `json:"layer"`
		Visible bool   `json:"visible"`
	}
	if err := json.Unmarshal(relayed.Data, &data); err != nil {
		t.Fatalf("decode relayed data: %v", err)
	}
	if data.Layer != "poll" || !data.Visible {
		t.Fatalf("relayed data mangled: %+v", data)
	}

	session, _ := f.store.GetSession(f.session.ID)
	if session.State != models.SessionLive {
		t.Fatalf("non-stop control must not end the session, got %s", session.State)
	}
	assertNoFrame(t, broadcaster, 300*time.Millisecond, func(frame outboundFrame) bool {
		return frame.Type == FrameStreamControl
	})
}

func TestStatusUpdateLargeFrameWithinLimit(t *testing.T) {
	f := newHubFixture(t)
	broadcaster := f.dialAs(t, "creator-token")
	writeFrame(t, broadcaster, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID, Role: "broadcaster"})
	readFrame(t, broadcaster, FrameAdminStatus)

	viewer := f.dialAs(t, "viewer-token")
	writeFrame(t, viewer, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	readFrame(t, viewer, FrameConnectionStatus)

	// A 5KB frame is well under the 16KB cap and must pass through intact.
	status := strings.Repeat("n", 5*1024)
	writeFrame(t, broadcaster, inboundFrame{Type: FrameStatusUpdate, Status: status})

	update := readFrame(t, viewer, FrameStreamUpdate)
	for update.Status == "" {
		update = readFrame(t, viewer, FrameStreamUpdate)
	}
	if update.Status != status {
		t.Fatalf("large status truncated: %d bytes", len(update.Status))
	}
}

func TestFanoutSubmitShedsWhenBacklogged(t *testing.T) {
	h := New(Config{Sessions: store.NewMemory()})
	f := &fanout{hub: h, sessionID: "s1", inbound: make(chan command, 2), viewers: make(map[*client]models.User)}
	for i := 0; i < 2; i++ {
		if !f.submit(announceCmd{}) {
			t.Fatal("submit rejected with room in the backlog")
		}
	}

	// With the backlog full and no run goroutine draining it, submit must shed
	// instead of blocking, and stopAccepting must still acquire the lock.
	done := make(chan struct{})
	go func() {
		f.submit(announceCmd{})
		f.stopAccepting()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit blocked on a full backlog")
	}
	if f.submit(announceCmd{}) {
		t.Fatal("submit must reject after stopAccepting")
	}
}

func TestJoinUnknownSession(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dialAs(t, "viewer-token")
	writeFrame(t, conn, inboundFrame{Type: FrameJoinStream, SessionID: "missing"})
	frame := readFrame(t, conn, FrameError)
	if frame.Code != ErrCodeNotFound {
		t.Fatalf("expected not_found, got %+v", frame)
	}
}

func TestJoinEndedSession(t *testing.T) {
	f := newHubFixture(t)
	if _, err := f.store.EndSession(f.session.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	conn := f.dialAs(t, "viewer-token")
	writeFrame(t, conn, inboundFrame{Type: FrameJoinStream, SessionID: f.session.ID})
	frame := readFrame(t, conn, FrameError)
	if frame.Code != ErrCodeSessionEnded {
		t.Fatalf("expected session_ended, got %+v", frame)
	}
}
