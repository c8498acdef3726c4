package console

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/markus-barta/routedeck/internal/auth"
	"github.com/markus-barta/routedeck/internal/config"
	"github.com/markus-barta/routedeck/internal/lifecycle"
	"github.com/markus-barta/routedeck/internal/routes"
	"github.com/markus-barta/routedeck/internal/telemetry"
	"github.com/markus-barta/routedeck/internal/telemetry/telemetrytest"
	"github.com/markus-barta/routedeck/internal/view"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXP"

// fakeBackend is an in-memory routes.API. errs holds failures keyed by
// "<op>:<route id>".
type fakeBackend struct {
	mu     sync.Mutex
	routes map[string]routes.Route
	errs   map[string]error
	calls  []string
}

func newFakeBackend(rs ...routes.Route) *fakeBackend {
	b := &fakeBackend{routes: make(map[string]routes.Route), errs: make(map[string]error)}
	for _, r := range rs {
		b.routes[r.ID] = r
	}
	return b
}

func (b *fakeBackend) call(op, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, op+":"+id)
	return b.errs[op+":"+id]
}

func (b *fakeBackend) ListRoutes(ctx context.Context) ([]routes.Route, error) {
	if err := b.call("list", ""); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]routes.Route, 0, len(b.routes))
	for _, r := range b.routes {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (b *fakeBackend) GetRoute(ctx context.Context, id string) (*routes.Route, error) {
	if err := b.call("get", id); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.routes[id]
	if !ok {
		return nil, &routes.APIError{Op: "get", StatusCode: http.StatusNotFound, Reason: "not_found"}
	}
	c := r.Clone()
	return &c, nil
}

func (b *fakeBackend) setStatus(op, id string, st routes.Status) (*routes.Status, error) {
	if err := b.call(op, id); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.routes[id]
	r.Status = st
	b.routes[id] = r
	return &st, nil
}

func (b *fakeBackend) StartRoute(ctx context.Context, id string) (*routes.Status, error) {
	return b.setStatus("start", id, routes.StatusStarted)
}

func (b *fakeBackend) StopRoute(ctx context.Context, id string) (*routes.Status, error) {
	return b.setStatus("stop", id, routes.StatusStopped)
}

func (b *fakeBackend) DeleteRoute(ctx context.Context, id string) error {
	if err := b.call("delete", id); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.routes, id)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) DeleteDestination(ctx context.Context, routeID, destID string) error {
	if err := b.call("delete-destination", routeID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.routes[routeID]
	kept := r.Destinations[:0:0]
	for _, d := range r.Destinations {
		if d.ID != destID {
			kept = append(kept, d)
		}
	}
	r.Destinations = kept
	b.routes[routeID] = r
	return nil
}

// idleFeed accepts every Follow and never delivers.
type idleFeed struct{}

func (idleFeed) Follow(context.Context, string, telemetry.Handler) error { return nil }
func (idleFeed) Stop() {}
func (idleFeed) Live() bool { return true }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Token = "test-token"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, backend *fakeBackend, feed view.Feed) *Server {
	t.Helper()
	if feed == nil {
		feed = idleFeed{}
	}
	s := New(Deps{Config: cfg, API: backend, Feed: feed}, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig(), newFakeBackend(), nil)

	rec := doRequest(t, s.Router(), http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["version"] != VersionInfo() {
		t.Errorf("body = %v", body)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), newFakeBackend(routes.Route{ID: "r1"}), nil)
	doRequest(t, s.Router(), http.MethodPost, "/api/routes/r1/start", nil, nil)

	rec := doRequest(t, s.Router(), http.MethodGet, "/metrics", nil, nil)
	if !strings.Contains(rec.Body.String(), `routedeck_lifecycle_actions_total{action="start",outcome="ok"}`) {
		t.Error("lifecycle counter not exported")
	}
}

func TestAuth_LoginFlow(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.PasswordHash = string(hash)
	s := newTestServer(t, cfg, newFakeBackend(routes.Route{ID: "r1", Name: "Main"}), nil)
	h := s.Router()

	if rec := doRequest(t, h, http.MethodGet, "/api/routes", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous list = %d, want 401", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/login", map[string]string{"password": "wrong"}, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d, want 401", rec.Code)
	}

	rec := doRequest(t, h, http.MethodPost, "/login", map[string]string{"password": "secret"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body.String())
	}
	csrf := decode[map[string]string](t, rec)["csrf_token"]
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookie || csrf == "" {
		t.Fatalf("cookies = %v, csrf = %q", cookies, csrf)
	}

	if rec := doRequest(t, h, http.MethodGet, "/api/routes", nil, nil, cookies...); rec.Code != http.StatusOK {
		t.Errorf("list with session = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/api/routes/r1/start", nil, nil, cookies...); rec.Code != http.StatusForbidden {
		t.Errorf("start without CSRF = %d, want 403", rec.Code)
	}
	csrfHeader := map[string]string{"X-CSRF-Token": csrf}
	if rec := doRequest(t, h, http.MethodPost, "/api/routes/r1/start", nil, csrfHeader, cookies...); rec.Code != http.StatusOK {
		t.Errorf("start with CSRF = %d: %s", rec.Code, rec.Body.String())
	}

	if rec := doRequest(t, h, http.MethodPost, "/logout", nil, csrfHeader, cookies...); rec.Code != http.StatusNoContent {
		t.Errorf("logout = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/routes", nil, nil, cookies...); rec.Code != http.StatusUnauthorized {
		t.Errorf("list after logout = %d, want 401", rec.Code)
	}
}

func TestAuth_RateLimit(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	cfg := testConfig()
	cfg.PasswordHash = string(hash)
	cfg.RateLimit = 2
	s := newTestServer(t, cfg, newFakeBackend(), nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := doRequest(t, s.Router(), http.MethodPost, "/login", map[string]string{"password": "wrong"}, nil)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusUnauthorized || codes[1] != http.StatusUnauthorized || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [401 401 429]", codes)
	}
}

func TestAuth_LoginDisabled(t *testing.T) {
	s := newTestServer(t, testConfig(), newFakeBackend(), nil)
	if rec := doRequest(t, s.Router(), http.MethodPost, "/login", map[string]string{}, nil); rec.Code != http.StatusNotFound {
		t.Errorf("login without hash = %d, want 404", rec.Code)
	}
}

func TestRouteActions(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		err         error
		wantCode    int
		wantOutcome lifecycle.Outcome
		wantStatus  routes.Status
	}{
		{
			name:        "start",
			path:        "/api/routes/r1/start",
			wantCode:    http.StatusOK,
			wantOutcome: lifecycle.OutcomeOK,
			wantStatus:  routes.StatusStarted,
		},
		{
			name:        "start already started",
			path:        "/api/routes/r1/start",
			err:         &routes.APIError{Op: "start", StatusCode: http.StatusConflict, Reason: "already_started"},
			wantCode:    http.StatusOK,
			wantOutcome: lifecycle.OutcomeAlreadyStarted,
			wantStatus:  routes.StatusStarted,
		},
		{
			name:        "stop invalid",
			path:        "/api/routes/r1/stop",
			err:         &routes.APIError{Op: "stop", StatusCode: http.StatusUnprocessableEntity, Body: "bad"},
			wantCode:    http.StatusUnprocessableEntity,
			wantOutcome: lifecycle.OutcomeInvalid,
			wantStatus:  routes.StatusStopped,
		},
		{
			name:        "start backend failure",
			path:        "/api/routes/r1/start",
			err:         &routes.APIError{Op: "start", StatusCode: http.StatusInternalServerError, Reason: "boom"},
			wantCode:    http.StatusBadGateway,
			wantOutcome: lifecycle.OutcomeFailed,
			wantStatus:  routes.StatusStopped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend(routes.Route{ID: "r1", Name: "Main", Status: routes.StatusStopped})
			if tt.err != nil {
				op := strings.TrimPrefix(tt.path[strings.LastIndex(tt.path, "/"):], "/")
				backend.errs[op+":r1"] = tt.err
			}
			s := newTestServer(t, testConfig(), backend, nil)
			s.Controller().Load(context.Background(), "r1")

			rec := doRequest(t, s.Router(), http.MethodPost, tt.path, nil, nil)
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decode[resultResponse](t, rec)
			if body.Outcome != tt.wantOutcome || body.Status != tt.wantStatus {
				t.Errorf("outcome = %q status = %q, want %q %q", body.Outcome, body.Status, tt.wantOutcome, tt.wantStatus)
			}
			if tt.err != nil && body.Error == "" {
				t.Error("error text missing")
			}
		})
	}
}

func TestToggle_LoadsUnknownRoute(t *testing.T) {
	backend := newFakeBackend(routes.Route{ID: "r1", Status: routes.StatusStarted})
	s := newTestServer(t, testConfig(), backend, nil)

	rec := doRequest(t, s.Router(), http.MethodPost, "/api/routes/r1/toggle", nil, nil)
	body := decode[resultResponse](t, rec)
	if body.Action != lifecycle.ActionStop || body.Status != routes.StatusStopped {
		t.Errorf("toggle of started route = %+v", body.Result)
	}
	if strings.Join(backend.calls, ",") != "get:r1,stop:r1" {
		t.Errorf("calls = %v", backend.calls)
	}
}

func TestRestart(t *testing.T) {
	s := newTestServer(t, testConfig(), newFakeBackend(routes.Route{ID: "r1", Status: routes.StatusStarted}), nil)
	s.Controller().Load(context.Background(), "r1")

	rec := doRequest(t, s.Router(), http.MethodPost, "/api/routes/r1/restart", nil, nil)
	body := decode[resultResponse](t, rec)
	if rec.Code != http.StatusOK || len(body.Steps) != 2 || body.Status != routes.StatusStarted {
		t.Errorf("restart = %d %+v", rec.Code, body.Result)
	}
}

func TestDeleteRoute_TOTP(t *testing.T) {
	cfg := testConfig()
	cfg.TOTPSecret = testTOTPSecret
	backend := newFakeBackend(routes.Route{ID: "r1", Name: "Main"})
	s := newTestServer(t, cfg, backend, nil)
	h := s.Router()

	if rec := doRequest(t, h, http.MethodDelete, "/api/routes/r1", nil, nil); rec.Code != http.StatusForbidden {
		t.Errorf("delete without code = %d, want 403", rec.Code)
	}

	code, err := totp.GenerateCode(testTOTPSecret, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	rec := doRequest(t, h, http.MethodDelete, "/api/routes/r1", nil, map[string]string{"X-TOTP-Code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete with code = %d: %s", rec.Code, rec.Body.String())
	}

	notes := decode[struct {
		Notifications []lifecycle.Notification `json:"notifications"`
	}](t, doRequest(t, h, http.MethodGet, "/api/notifications", nil, nil))
	if len(notes.Notifications) != 1 || notes.Notifications[0].Message != "Route deleted successfully" {
		t.Errorf("notifications = %+v", notes.Notifications)
	}
}

func TestDeleteDestination_RefreshesView(t *testing.T) {
	backend := newFakeBackend(routes.Route{ID: "r1", Name: "Main", Destinations: []routes.Destination{
		{ID: "d1", Name: "A"}, {ID: "d2", Name: "B"},
	}})
	s := newTestServer(t, testConfig(), backend, nil)
	h := s.Router()

	doRequest(t, h, http.MethodPost, "/api/routes/r1/open", nil, nil)
	if rec := doRequest(t, h, http.MethodDelete, "/api/routes/r1/destinations/d1", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete destination = %d", rec.Code)
	}

	m := decode[view.Model](t, doRequest(t, h, http.MethodGet, "/api/view", nil, nil))
	if len(m.Rows) != 1 || m.Rows[0].ID != "d2" {
		t.Errorf("rows after delete = %+v", m.Rows)
	}
}

func TestViewControls(t *testing.T) {
	backend := newFakeBackend(routes.Route{ID: "r1", Name: "Main", Destinations: []routes.Destination{
		{ID: "d1", Name: "Dest 1", Host: "127.0.0.1"},
		{ID: "d2", Name: "Dest 2", Host: "10.0.0.5"},
	}})
	s := newTestServer(t, testConfig(), backend, nil)
	h := s.Router()

	open := decode[struct {
		Model view.Model `json:"model"`
	}](t, doRequest(t, h, http.MethodPost, "/api/routes/r1/open", nil, nil))
	if open.Model.RouteID != "r1" || len(open.Model.Rows) != 2 {
		t.Fatalf("open model = %+v", open.Model)
	}

	m := decode[view.Model](t, doRequest(t, h, http.MethodPut, "/api/view/filter", map[string]string{"filter": "127"}, nil))
	if len(m.Rows) != 1 || m.Rows[0].Name != "Dest 1" {
		t.Errorf("filtered rows = %+v", m.Rows)
	}

	if rec := doRequest(t, h, http.MethodPut, "/api/view/tab", map[string]string{"tab": "charts"}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad tab = %d, want 400", rec.Code)
	}
	m = decode[view.Model](t, doRequest(t, h, http.MethodPut, "/api/view/tab", map[string]string{"tab": "statistics"}, nil))
	if m.Tab != view.TabStatistics || m.History == nil {
		t.Errorf("statistics tab = %+v", m)
	}
}

func TestRouteHistory_Journal(t *testing.T) {
	journal, err := lifecycle.OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer func() { _ = journal.Close() }()

	s := New(Deps{
		Config:  testConfig(),
		API:     newFakeBackend(routes.Route{ID: "r1"}),
		Feed:    idleFeed{},
		Journal: journal,
	}, zerolog.Nop())
	defer s.Close()
	h := s.Router()

	doRequest(t, h, http.MethodPost, "/api/routes/r1/start", nil, nil)
	doRequest(t, h, http.MethodPost, "/api/routes/r1/stop", nil, nil)

	body := decode[struct {
		Actions []lifecycle.Entry `json:"actions"`
	}](t, doRequest(t, h, http.MethodGet, "/api/routes/r1/history?limit=10", nil, nil))
	if len(body.Actions) != 2 || body.Actions[0].Action != lifecycle.ActionStop {
		t.Errorf("history = %+v", body.Actions)
	}

	recent := decode[struct {
		Actions []lifecycle.Entry `json:"actions"`
	}](t, doRequest(t, h, http.MethodGet, "/api/actions?limit=1", nil, nil))
	if len(recent.Actions) != 1 || recent.Actions[0].Action != lifecycle.ActionStop {
		t.Errorf("recent actions = %+v", recent.Actions)
	}
}

func TestRouteHistory_Disabled(t *testing.T) {
	s := newTestServer(t, testConfig(), newFakeBackend(), nil)
	if rec := doRequest(t, s.Router(), http.MethodGet, "/api/routes/r1/history", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("history without journal = %d, want 404", rec.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "console:8080", true},
		{"same host", nil, "http://console:8080", "console:8080", true},
		{"cross host", nil, "http://evil.example", "console:8080", false},
		{"allow listed", []string{"https://ops.example"}, "https://ops.example", "console:8080", true},
		{"not listed", []string{"https://ops.example"}, "http://console:8080", "console:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AllowedOrigins = tt.allowed
			s := newTestServer(t, cfg, newFakeBackend(), nil)

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestLiveView_EndToEnd opens a route over a real telemetry subscription and
// checks both the rendered KPIs and the browser push.
func TestLiveView_EndToEnd(t *testing.T) {
	socket := telemetrytest.NewServer("test-token")
	defer socket.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	follower := telemetry.NewFollower(telemetry.NewClient(telemetry.Config{
		SocketURL: socket.URL(),
		Tokens:    auth.StaticToken("test-token"),
	}, zerolog.Nop()))
	backend := newFakeBackend(routes.Route{
		ID: "r1", Name: "Main", Status: routes.StatusStarted,
		Destinations: []routes.Destination{{ID: "d1", Name: "Dest 1", Schema: "UDP", Host: "127.0.0.1", Port: 5000}},
	})
	s := newTestServer(t, testConfig(), backend, follower)

	httpSrv := httptest.NewServer(s.Router())
	defer httpSrv.Close()

	browser, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("browser dial: %v", err)
	}
	defer func() { _ = browser.Close() }()
	waitFor(t, func() bool { return s.hub.Count() == 1 })

	resp, err := http.Post(httpSrv.URL+"/api/routes/r1/open", "application/json", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = resp.Body.Close()

	if err := socket.WaitForJoin(ctx, "stats:r1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := socket.PushStats("r1", map[string]any{
		"source":            map[string]any{"bytes_in_per_sec": 1000},
		"destinations":      []any{map[string]any{"id": "d1", "bytes_out_per_sec": 10}},
		"connected-callers": 1,
	}); err != nil {
		t.Fatalf("push: %v", err)
	}

	_ = browser.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := browser.ReadJSON(&ev); err != nil {
			t.Fatalf("no route_update pushed: %v", err)
		}
		if ev.Type == MsgRouteUpdate {
			break
		}
	}

	m := decode[view.Model](t, doRequest(t, s.Router(), http.MethodGet, "/api/view", nil, nil))
	if m.KPIs.SourceBitrateText != "8,000 bps" || m.KPIs.WorstDestinationText != "80 bps" || m.KPIs.ConnectedCallers != 1 {
		t.Errorf("kpis = %+v", m.KPIs)
	}
	if !m.Subscribed || m.BufferSize != 1 || m.Rows[0].BitrateText != "80 bps" {
		t.Errorf("model = %+v", m)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
