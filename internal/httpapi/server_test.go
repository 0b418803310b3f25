package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"decoderd/internal/config"
	"decoderd/pkg/types"
)

type mockEngine struct {
	alive      bool
	status     types.MediaStatus
	loaded     []string
	loadErr    error
	stopped    int
	restarted  int
	resets     int
	screenshot []byte
	shotErr    error
	overlays   map[int]string
	removed    []int
}

func newMockEngine() *mockEngine {
	return &mockEngine{alive: true, overlays: map[int]string{}}
}

func (m *mockEngine) Alive() bool               { return m.alive }
func (m *mockEngine) Status() types.MediaStatus { return m.status }
func (m *mockEngine) LoadStream(url string) error {
	m.loaded = append(m.loaded, url)
	return m.loadErr
}
func (m *mockEngine) StopStream() error {
	m.stopped++
	return nil
}
func (m *mockEngine) Restart(context.Context) error {
	m.restarted++
	return nil
}
func (m *mockEngine) ResetStreamRetry() { m.resets++ }
func (m *mockEngine) Screenshot() ([]byte, error) {
	return m.screenshot, m.shotErr
}
func (m *mockEngine) SetOverlay(id int, ass string) error {
	m.overlays[id] = ass
	return nil
}
func (m *mockEngine) RemoveOverlay(id int) error {
	m.removed = append(m.removed, id)
	return nil
}

type mockTracker struct {
	cached      types.LiveStatus
	credErr     string
	testResult  types.ConnectionTestResult
	sts         []types.ServiceType
	updatedWith []string
}

func (m *mockTracker) CachedStatus() types.LiveStatus { return m.cached }
func (m *mockTracker) CredentialError() string        { return m.credErr }
func (m *mockTracker) TestConnection(context.Context) types.ConnectionTestResult {
	return m.testResult
}
func (m *mockTracker) ServiceTypes(context.Context) []types.ServiceType { return m.sts }
func (m *mockTracker) UpdateCredentials(appID, secret, serviceTypeID, folderID, searchMode string) {
	m.updatedWith = []string{appID, secret, serviceTypeID, folderID, searchMode}
}

type mockNet struct{ info types.NetworkInfo }

func (m mockNet) Info(context.Context) (types.NetworkInfo, error) { return m.info, nil }

type mockRunner struct{ running bool }

func (m mockRunner) Running() bool { return m.running }

type fixture struct {
	engine  *mockEngine
	tracker *mockTracker
	store   *config.Store
	mux     http.Handler
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Overlay.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}
	eng := newMockEngine()
	tr := &mockTracker{}
	store := config.NewStore(cfg, "")
	srv := NewServer(eng, tr, mockNet{info: types.NetworkInfo{ConnectionType: "ethernet", IP: "10.0.0.9"}}, store)
	return &fixture{
		engine:  eng,
		tracker: tr,
		store:   store,
		mux:     NewMux(srv, mockRunner{running: true}),
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(t, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}

	f.engine.alive = false
	w := f.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	var resp types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body=%s", w.Body.String())
	}
	if resp.Error != "player not running" {
		t.Fatalf("error=%q", resp.Error)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.status = types.MediaStatus{Alive: true, Playing: true, StreamURL: "rtmp://x/live"}
	f.tracker.cached = types.LiveStatus{IsLive: true, PlanTitle: "Sunday"}
	f.tracker.credErr = "authentication failed (status 401)"

	w := f.do(t, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Media.Playing || resp.Media.StreamURL != "rtmp://x/live" {
		t.Fatalf("media=%+v", resp.Media)
	}
	if !resp.Live.IsLive || resp.Live.PlanTitle != "Sunday" {
		t.Fatalf("live=%+v", resp.Live)
	}
	if resp.Network.IP != "10.0.0.9" {
		t.Fatalf("network=%+v", resp.Network)
	}
	if !resp.OverlayEnabled {
		t.Fatal("overlay enabled missing")
	}
	if resp.CredentialError == "" {
		t.Fatal("credential error missing")
	}
	if resp.ServerTimeUnix == 0 {
		t.Fatal("server time missing")
	}
}

func TestPlayUsesConfiguredURL(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Stream.URL = "rtmp://configured/live"
	})

	w := f.do(t, http.MethodPost, "/api/play", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if len(f.engine.loaded) != 1 || f.engine.loaded[0] != "rtmp://configured/live" {
		t.Fatalf("loaded=%v", f.engine.loaded)
	}
}

func TestPlayWithBodyURL(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/play", `{"url":"srt://10.0.0.2:9000"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if len(f.engine.loaded) != 1 || f.engine.loaded[0] != "srt://10.0.0.2:9000" {
		t.Fatalf("loaded=%v", f.engine.loaded)
	}
}

func TestPlayNoURLConfigured(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(t, http.MethodPost, "/api/play", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if len(f.engine.loaded) != 0 {
		t.Fatalf("loaded=%v", f.engine.loaded)
	}
}

func TestPlayUnsupportedScheme(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/play", `{"url":"ftp://host/file"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestPlayEngineFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.loadErr = errors.New("not connected to player")
	w := f.do(t, http.MethodPost, "/api/play", `{"url":"rtmp://x/live"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestStopRestartResetRetry(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(t, http.MethodPost, "/api/stop", ""); w.Code != http.StatusOK {
		t.Fatalf("stop status=%d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/restart", ""); w.Code != http.StatusOK {
		t.Fatalf("restart status=%d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/reset-retry", ""); w.Code != http.StatusOK {
		t.Fatalf("reset status=%d", w.Code)
	}
	if f.engine.stopped != 1 || f.engine.restarted != 1 || f.engine.resets != 1 {
		t.Fatalf("engine=%+v", f.engine)
	}
}

func TestScreenshot(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.screenshot = []byte{0xFF, 0xD8, 0xFF}

	w := f.do(t, http.MethodGet, "/api/screenshot", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("content-type=%q", ct)
	}
	if w.Body.Len() != 3 {
		t.Fatalf("body len=%d", w.Body.Len())
	}

	f.engine.shotErr = errors.New("screenshot failed")
	if w := f.do(t, http.MethodGet, "/api/screenshot", ""); w.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestGetConfigRedactsSecret(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Plan.AppID = "app1"
		c.Plan.Secret = "topsecret"
	})

	w := f.do(t, http.MethodGet, "/api/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if strings.Contains(w.Body.String(), "topsecret") {
		t.Fatalf("secret leaked: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "app1") {
		t.Fatalf("app id missing: %s", w.Body.String())
	}
}

func TestPlanConfigUpdatesTracker(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Plan.AppID = "old-app"
		c.Plan.Secret = "old-secret"
	})

	w := f.do(t, http.MethodPost, "/api/config/plan",
		`{"app_id":"new-app","service_type_id":"st9"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	// Partial update: omitted fields keep their stored values.
	got := f.tracker.updatedWith
	if len(got) != 5 || got[0] != "new-app" || got[1] != "old-secret" || got[2] != "st9" {
		t.Fatalf("updated=%v", got)
	}
	if f.store.Get().Plan.AppID != "new-app" {
		t.Fatalf("store=%+v", f.store.Get().Plan)
	}
}

func TestPlanConfigRequiresJSON(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/config/plan", strings.NewReader("app_id=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestServiceTypes(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.sts = []types.ServiceType{{ID: "1", Name: "Sunday", Frequency: "Weekly"}}

	w := f.do(t, http.MethodGet, "/api/service-types", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Sunday") {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.testResult = types.ConnectionTestResult{Success: false, Error: "authentication failed"}

	w := f.do(t, http.MethodPost, "/api/test-connection", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var res types.ConnectionTestResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Error == "" {
		t.Fatalf("result=%+v", res)
	}
}

func TestOverlayMessageLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/overlay", `{"text":"Back in 5"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ass := f.engine.overlays[2]; !strings.Contains(ass, "Back in 5") {
		t.Fatalf("overlay=%q", ass)
	}

	w = f.do(t, http.MethodGet, "/api/overlay", "")
	var resp types.OverlayResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Back in 5" || !resp.Running || !resp.Enabled {
		t.Fatalf("resp=%+v", resp)
	}

	if w := f.do(t, http.MethodDelete, "/api/overlay", ""); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if len(f.engine.removed) != 1 || f.engine.removed[0] != 2 {
		t.Fatalf("removed=%v", f.engine.removed)
	}
	w = f.do(t, http.MethodGet, "/api/overlay", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Text != "" {
		t.Fatalf("text=%q", resp.Text)
	}
}

func TestOverlayEmptyTextRejected(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/overlay", `{"text":"   "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}
