package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coursecast-live/internal/auth"
	"coursecast-live/internal/entitlement"
	"coursecast-live/internal/models"
	"coursecast-live/internal/store"
	"coursecast-live/internal/token"
)

type recordedHub struct {
	mu    sync.Mutex
	ended []string
}

func (h *recordedHub) SessionEnded(sessionID string) {
	h.mu.Lock()
	h.ended = append(h.ended, sessionID)
	h.mu.Unlock()
}

type recordedRecorder struct {
	mu     sync.Mutex
	ending []string
}

func (r *recordedRecorder) BroadcastEnding(_ context.Context, session models.Session) {
	r.mu.Lock()
	r.ending = append(r.ending, session.ID)
	r.mu.Unlock()
}

type apiFixture struct {
	handler     *Handler
	mux         *http.ServeMux
	store       *store.Memory
	projection  *entitlement.MemoryProjection
	minter      *token.Minter
	hub         *recordedHub
	recorder    *recordedRecorder
	broadcaster models.User
	viewer      models.User
	tokens      map[string]string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mem := store.NewMemory()
	broadcaster, err := mem.CreateUser(store.CreateUserParams{
		DisplayName: "Casey Creator", Email: "casey@example.com",
		Password: "password-123", Roles: []string{"broadcaster"},
	})
	if err != nil {
		t.Fatalf("create broadcaster: %v", err)
	}
	viewer, err := mem.CreateUser(store.CreateUserParams{
		DisplayName: "Vic Viewer", Email: "vic@example.com",
		Password: "password-123", Roles: []string{"viewer"},
		CustomerRef: "cus_vic",
	})
	if err != nil {
		t.Fatalf("create viewer: %v", err)
	}

	sessions := auth.NewSessionManager(time.Hour)
	minter, err := token.NewMinter("provider-key", "provider-secret-material")
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	projection := entitlement.NewMemoryProjection()
	hub := &recordedHub{}
	recorder := &recordedRecorder{}

	handler := NewHandler(mem, sessions)
	handler.Minter = minter
	handler.Oracle = entitlement.NewOracle(projection, nil)
	handler.Hub = hub
	handler.Recorder = recorder
	handler.ProviderURL = "wss://media.example.com"

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", handler.RequireAuth(handler.SessionsCollection))
	mux.HandleFunc("/api/sessions/", handler.RequireAuth(handler.SessionByID))

	f := &apiFixture{
		handler: handler, mux: mux, store: mem, projection: projection,
		minter: minter, hub: hub, recorder: recorder,
		broadcaster: broadcaster, viewer: viewer,
		tokens: make(map[string]string),
	}
	for _, user := range []models.User{broadcaster, viewer} {
		sessionToken, _, err := sessions.Create(user.ID)
		if err != nil {
			t.Fatalf("create auth session: %v", err)
		}
		f.tokens[user.ID] = sessionToken
	}
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, as models.User) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if as.ID != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[as.ID])
	}
	resp := httptest.NewRecorder()
	f.mux.ServeHTTP(resp, req)
	return resp
}

func (f *apiFixture) createLiveSession(t *testing.T, kind models.SessionKind) models.Session {
	t.Helper()
	session, err := f.store.CreateSession(f.broadcaster.ID, "Morning Session", kind)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	live, err := f.store.MarkSessionLive(session.ID)
	if err != nil {
		t.Fatalf("mark live: %v", err)
	}
	return live
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateSessionMintsPublisherToken(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sessions",
		map[string]string{"title": "Macro Outlook", "kind": "trading"}, f.broadcaster)
	if resp.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%s)", resp.Code, resp.Body.String())
	}

	var created createSessionResponse
	decodeBody(t, resp, &created)
	if created.SessionID == "" || created.Room == "" {
		t.Fatalf("incomplete response: %+v", created)
	}
	if created.ProviderURL != "wss://media.example.com" {
		t.Fatalf("provider url = %q", created.ProviderURL)
	}

	claims, err := f.minter.Decode(created.PublisherToken)
	if err != nil {
		t.Fatalf("decode publisher token: %v", err)
	}
	if !claims.Video.CanPublish || claims.Video.Room != created.Room {
		t.Fatalf("publisher grant = %+v", claims.Video)
	}
	if claims.Subject != f.broadcaster.ID {
		t.Fatalf("token subject = %q, want %q", claims.Subject, f.broadcaster.ID)
	}

	// A fresh session is armed for recording before any media is published.
	session, ok := f.store.GetSession(created.SessionID)
	if !ok {
		t.Fatal("created session missing from the store")
	}
	if session.RecordingState != models.RecordingArmed {
		t.Fatalf("recording state = %s, want %s", session.RecordingState, models.RecordingArmed)
	}
}

func TestCreateSessionRequiresBroadcasterRole(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sessions",
		map[string]string{"title": "Nope", "kind": "general"}, f.viewer)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.Code)
	}
}

func TestCreateSessionRequiresAuthentication(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sessions",
		map[string]string{"title": "Anon", "kind": "general"}, models.User{})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}
}

func TestCreateSessionValidatesInput(t *testing.T) {
	f := newAPIFixture(t)

	for name, body := range map[string]map[string]string{
		"empty title":  {"title": "   ", "kind": "general"},
		"unknown kind": {"title": "Valid", "kind": "karaoke"},
	} {
		resp := f.do(t, http.MethodPost, "/api/sessions", body, f.broadcaster)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, resp.Code)
		}
	}
}

func TestCreateSessionConflictsWithActiveSession(t *testing.T) {
	f := newAPIFixture(t)
	f.createLiveSession(t, models.KindGeneral)

	resp := f.do(t, http.MethodPost, "/api/sessions",
		map[string]string{"title": "Second", "kind": "general"}, f.broadcaster)
	if resp.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.Code)
	}
}

func TestCreateSessionWithoutMinterIsUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	f.handler.Minter = nil

	resp := f.do(t, http.MethodPost, "/api/sessions",
		map[string]string{"title": "No Tokens", "kind": "general"}, f.broadcaster)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.Code)
	}
}

func TestEndSessionNotifiesHubAndRecorder(t *testing.T) {
	f := newAPIFixture(t)
	session := f.createLiveSession(t, models.KindGeneral)

	resp := f.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/end", nil, f.broadcaster)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", resp.Code, resp.Body.String())
	}

	var ended endSessionResponse
	decodeBody(t, resp, &ended)
	if ended.SessionID != session.ID || ended.EndedAt.IsZero() {
		t.Fatalf("end response = %+v", ended)
	}
	if len(f.hub.ended) != 1 || f.hub.ended[0] != session.ID {
		t.Fatalf("hub notifications = %v", f.hub.ended)
	}
	if len(f.recorder.ending) != 1 || f.recorder.ending[0] != session.ID {
		t.Fatalf("recorder notifications = %v", f.recorder.ending)
	}
}

func TestEndSessionAlreadyEnded(t *testing.T) {
	f := newAPIFixture(t)
	session := f.createLiveSession(t, models.KindGeneral)

	first := f.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/end", nil, f.broadcaster)
	second := f.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/end", nil, f.broadcaster)
	if first.Code != http.StatusOK {
		t.Fatalf("first end status = %d, want 200", first.Code)
	}
	if second.Code != http.StatusConflict {
		t.Fatalf("second end status = %d, want 409", second.Code)
	}
}

func TestEndSessionUnknownID(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sessions/no-such-session/end", nil, f.broadcaster)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.Code)
	}
}

func TestEndSessionRequiresCreatorOrAdmin(t *testing.T) {
	f := newAPIFixture(t)
	session := f.createLiveSession(t, models.KindGeneral)

	resp := f.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/end", nil, f.viewer)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.Code)
	}
	if len(f.hub.ended) != 0 {
		t.Fatalf("hub notified despite forbidden end: %v", f.hub.ended)
	}
}

func TestListActiveSessionsFiltersToLive(t *testing.T) {
	f := newAPIFixture(t)
	live := f.createLiveSession(t, models.KindGeneral)
	if _, err := f.store.CreateSession(f.viewer.ID, "Draft", models.KindGeneral); err != nil {
		// The viewer cannot broadcast through the API, but the store itself
		// does not enforce roles; a CREATED session must stay hidden.
		t.Fatalf("create draft session: %v", err)
	}

	resp := f.do(t, http.MethodGet, "/api/sessions?active=true", nil, f.viewer)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	var payload struct {
		Sessions []sessionSummary `json:"sessions"`
	}
	decodeBody(t, resp, &payload)
	if len(payload.Sessions) != 1 || payload.Sessions[0].ID != live.ID {
		t.Fatalf("sessions = %+v, want only %s", payload.Sessions, live.ID)
	}
	if payload.Sessions[0].State != string(models.SessionLive) {
		t.Fatalf("state = %s, want LIVE", payload.Sessions[0].State)
	}
}

func TestListSessionsRejectsBadFilter(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/sessions?active=maybe", nil, f.viewer)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
}

func TestGetSessionDetail(t *testing.T) {
	f := newAPIFixture(t)
	session := f.createLiveSession(t, models.KindEducation)

	resp := f.do(t, http.MethodGet, "/api/sessions/"+session.ID, nil, f.viewer)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	var summary sessionSummary
	decodeBody(t, resp, &summary)
	if summary.ID != session.ID || summary.RecordingState != string(models.RecordingArmed) {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestGetSessionUnknownID(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/sessions/missing", nil, f.viewer)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.Code)
	}
}

func TestViewerTokenForOpenSession(t *testing.T) {
	f := newAPIFixture(t)
	session := f.createLiveSession(t, models.KindGeneral)

	resp := f.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/viewer-token", nil, f.viewer)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", resp.Code, resp.Body.String())
	}

	var minted viewerTokenResponse
	decodeBody(t, resp, &minted)
	claims, err := f.minter.Decode(minted.SubscriberToken)
	if err != nil {
		t.Fatalf("decode subscriber token: %v", err)
	}
	if claims.Video.CanPublish || !claims.Video.CanSubscribe {
		t.Fatalf("subscriber grant = %+v", claims.Video)
	}
	if claims.Video.Room != session.Room {
		t.Fatalf("token room = %q, want %q", claims.Video.Room, session.Room)
	}

	viewers := f.store.ListViewers(session.ID, true)
	if len(viewers) != 1 || viewers[0].UserID != f.viewer.ID {
		t.Fatalf("viewers = %+v", viewers)
	}
}

func TestViewerTokenPaywalledRequiresEntitlement(t *testing.T) {
	f := newAPIFixture(t)
	session := f.createLiveSession(t, models.KindTrading)

	denied := f.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/viewer-token", nil, f.viewer)
	if denied.Code != http.StatusForbidden {
		t.Fatalf("status without entitlement = %d, want 403", denied.Code)
	}

	if err := f.projection.Put(context.Background(), models.Entitlement{
		UserID: f.viewer.ID, Plan: "premium", Status: models.EntitlementActive,
	}); err != nil {
		t.Fatalf("seed entitlement: %v", err)
	}

	allowed := f.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/viewer-token", nil, f.viewer)
	if allowed.Code != http.StatusOK {
		t.Fatalf("status with entitlement = %d, want 200 (%s)", allowed.Code, allowed.Body.String())
	}
}

func TestViewerTokenNotLive(t *testing.T) {
	f := newAPIFixture(t)
	session, err := f.store.CreateSession(f.broadcaster.ID, "Not Yet Live", models.KindGeneral)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	resp := f.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/viewer-token", nil, f.viewer)
	if resp.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.Code)
	}
}

func TestViewerTokenUnknownSession(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sessions/missing/viewer-token", nil, f.viewer)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.Code)
	}
}

func TestSignupLoginAndLogoutFlow(t *testing.T) {
	f := newAPIFixture(t)

	signupBody, _ := json.Marshal(map[string]string{
		"displayName": "New User", "email": "new@example.com", "password": "password-123",
	})
	signup := httptest.NewRecorder()
	f.handler.Signup(signup, httptest.NewRequest(http.MethodPost, "/api/auth/signup", bytes.NewReader(signupBody)))
	if signup.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, want 201 (%s)", signup.Code, signup.Body.String())
	}
	if !strings.Contains(signup.Header().Get("Set-Cookie"), sessionCookieName+"=") {
		t.Fatalf("signup did not set session cookie: %q", signup.Header().Get("Set-Cookie"))
	}

	loginBody, _ := json.Marshal(map[string]string{
		"email": "new@example.com", "password": "password-123",
	})
	login := httptest.NewRecorder()
	f.handler.Login(login, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(loginBody)))
	if login.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", login.Code)
	}
	var authed authResponse
	if err := json.NewDecoder(login.Body).Decode(&authed); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	cookie := login.Result().Cookies()[0]
	logout := httptest.NewRecorder()
	logoutReq := httptest.NewRequest(http.MethodDelete, "/api/auth/session", nil)
	logoutReq.AddCookie(cookie)
	f.handler.Session(logout, logoutReq)
	if logout.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d, want 204", logout.Code)
	}

	check := httptest.NewRecorder()
	checkReq := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	checkReq.AddCookie(cookie)
	f.handler.Session(check, checkReq)
	if check.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session status = %d, want 401", check.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)

	body, _ := json.Marshal(map[string]string{"email": "casey@example.com", "password": "wrong-password"})
	resp := httptest.NewRecorder()
	f.handler.Login(resp, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}
}

func TestSessionIdentifierResolvesUsers(t *testing.T) {
	f := newAPIFixture(t)
	identifier := &SessionIdentifier{Users: f.store, Sessions: f.handler.Sessions}

	user, ok := identifier.Resolve(f.tokens[f.viewer.ID])
	if !ok || user.ID != f.viewer.ID {
		t.Fatalf("resolve = %+v %v, want viewer", user, ok)
	}
	if _, ok := identifier.Resolve("not-a-token"); ok {
		t.Fatalf("expected unknown token to fail resolution")
	}
}
