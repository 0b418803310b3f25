package live

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"decoderd/internal/config"
	"decoderd/pkg/types"
)

// fakeAPI serves canned plan and live documents and counts every call.
type fakeAPI struct {
	mu sync.Mutex

	serviceTypes []types.ServiceType
	stErr        error

	futurePlans map[string][]apiResource
	planTimes   map[string][]apiResource
	pastPlans   map[string][]apiResource
	plansErr    error

	liveDocs map[string]*apiDocument
	liveErr  error

	calls       map[string]int
	credentials []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		futurePlans: map[string][]apiResource{},
		planTimes:   map[string][]apiResource{},
		pastPlans:   map[string][]apiResource{},
		liveDocs:    map[string]*apiDocument{},
		calls:       map[string]int{},
	}
}

func (f *fakeAPI) count(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeAPI) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeAPI) SetCredentials(appID, secret string) {
	f.mu.Lock()
	f.credentials = []string{appID, secret}
	f.mu.Unlock()
}

func (f *fakeAPI) ServiceTypes(context.Context) ([]types.ServiceType, error) {
	f.count("service_types")
	if f.stErr != nil {
		return nil, f.stErr
	}
	return f.serviceTypes, nil
}

func (f *fakeAPI) FolderServiceTypes(_ context.Context, folderID string) ([]string, error) {
	f.count("folder")
	return nil, nil
}

func (f *fakeAPI) Plans(_ context.Context, stID, filter, _ string) ([]apiResource, []apiResource, error) {
	f.count("plans_" + filter)
	if f.plansErr != nil {
		return nil, nil, f.plansErr
	}
	if filter == "past" {
		return f.pastPlans[stID], f.planTimes[stID], nil
	}
	return f.futurePlans[stID], f.planTimes[stID], nil
}

func (f *fakeAPI) Live(_ context.Context, stID, planID string) (*apiDocument, error) {
	f.count("live")
	if f.liveErr != nil {
		return nil, f.liveErr
	}
	doc, ok := f.liveDocs[stID+"/"+planID]
	if !ok {
		return nil, errNotFound
	}
	return doc, nil
}

func testTracker(api *fakeAPI) (*Tracker, *time.Time) {
	cfg := config.PlanConfig{ServiceTypeID: "st1", SearchMode: "service_type", PollInterval: 5}
	tr := newTracker(api, cfg, zerolog.Nop())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cur := &now
	tr.now = func() time.Time { return *cur }
	return tr, cur
}

func plainPlan(id, title string) apiResource {
	return apiResource{Type: "Plan", ID: id, Attributes: apiAttributes{Title: title}}
}

// liveDocFor builds a live document with one in-progress during item.
func liveDocFor(t *testing.T, planID, title, liveStart string) *apiDocument {
	t.Helper()
	data := apiResource{
		Type: "Plan", ID: planID,
		Attributes: apiAttributes{Title: title},
		Relationships: map[string]apiRelationship{
			"current_item_time": toOne("ct-"+planID, "ItemTime"),
		},
	}
	return liveDoc(t, data,
		duringItem("i1-"+planID, "Opener", 600),
		duringItem("i2-"+planID, "Message", 1800),
		itemTime("ct-"+planID, "i1-"+planID, liveStart),
	)
}

func notLiveDocFor(t *testing.T, planID, title string) *apiDocument {
	t.Helper()
	return liveDoc(t, apiResource{Type: "Plan", ID: planID, Attributes: apiAttributes{Title: title}})
}

func TestTrackerLocksOntoLivePlan(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "Sunday")}
	api.liveDocs["st1/p1"] = liveDocFor(t, "p1", "Sunday", "2026-03-01T09:58:00Z")
	tr, _ := testTracker(api)

	st := tr.LiveStatus(context.Background())
	if !st.IsLive {
		t.Fatalf("status: %+v", st)
	}
	if tr.lock == nil || tr.lock.planID != "p1" {
		t.Fatalf("lock=%+v", tr.lock)
	}

	// Fast path: the second invocation issues exactly one remote call.
	before := api.totalCalls()
	st = tr.LiveStatus(context.Background())
	if !st.IsLive {
		t.Fatalf("status: %+v", st)
	}
	if got := api.totalCalls() - before; got != 1 {
		t.Fatalf("fast path made %d calls", got)
	}
}

func TestTrackerPicksLatestLiveStart(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "Early"), plainPlan("p2", "Late")}
	api.liveDocs["st1/p1"] = liveDocFor(t, "p1", "Early", "2026-03-01T08:00:00Z")
	api.liveDocs["st1/p2"] = liveDocFor(t, "p2", "Late", "2026-03-01T09:30:00Z")
	tr, _ := testTracker(api)

	tr.LiveStatus(context.Background())
	if tr.lock == nil || tr.lock.planID != "p2" {
		t.Fatalf("lock=%+v, want the later live start", tr.lock)
	}
}

func TestTrackerEqualLiveStartKeepsFirst(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "First"), plainPlan("p2", "Second")}
	api.liveDocs["st1/p1"] = liveDocFor(t, "p1", "First", "2026-03-01T09:30:00Z")
	api.liveDocs["st1/p2"] = liveDocFor(t, "p2", "Second", "2026-03-01T09:30:00Z")
	tr, _ := testTracker(api)

	tr.LiveStatus(context.Background())
	if tr.lock == nil || tr.lock.planID != "p1" {
		t.Fatalf("lock=%+v, want the first discovered on a tie", tr.lock)
	}
}

func TestTrackerMalformedLiveKeepsLockAndCache(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "Sunday")}
	api.liveDocs["st1/p1"] = liveDocFor(t, "p1", "Sunday", "2026-03-01T09:58:00Z")
	tr, _ := testTracker(api)

	live := tr.LiveStatus(context.Background())
	if !live.IsLive || tr.lock == nil {
		t.Fatalf("setup: %+v", live)
	}

	api.mu.Lock()
	api.liveDocs["st1/p1"] = &apiDocument{Data: json.RawMessage(`"garbage"`)}
	api.mu.Unlock()

	st := tr.LiveStatus(context.Background())
	if !st.IsLive {
		t.Fatalf("cached live status lost: %+v", st)
	}
	if tr.lock == nil || tr.lock.planID != "p1" {
		t.Fatalf("lock dropped on malformed payload: %+v", tr.lock)
	}
	if !tr.lock.seenActiveItem {
		t.Fatal("latch lost on malformed payload")
	}
	if tr.breaker.consecutiveFailures != 1 {
		t.Fatalf("failures=%d", tr.breaker.consecutiveFailures)
	}
}

func TestTrackerFinishedStaysLocked(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "Sunday")}
	api.liveDocs["st1/p1"] = liveDocFor(t, "p1", "Sunday", "2026-03-01T09:58:00Z")
	tr, _ := testTracker(api)

	tr.LiveStatus(context.Background())
	if tr.lock == nil {
		t.Fatal("not locked")
	}

	// current_item_time disappears after a during item was observed: the
	// session reports finished and the lock holds.
	api.liveDocs["st1/p1"] = notLiveDocFor(t, "p1", "Sunday")
	st := tr.LiveStatus(context.Background())
	if !st.Finished {
		t.Fatalf("expected finished after active item: %+v", st)
	}
	if tr.lock == nil {
		t.Fatal("finished session must stay locked")
	}
}

func TestTrackerPreServiceOnlyUnlocksWithoutFinished(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "Sunday")}

	pre := apiResource{
		Type: "Item", ID: "pre1",
		Attributes: apiAttributes{Title: "Countdown", ServicePosition: "pre"},
	}
	data := apiResource{
		Type: "Plan", ID: "p1",
		Attributes: apiAttributes{Title: "Sunday"},
		Relationships: map[string]apiRelationship{
			"current_item_time": toOne("ct1", "ItemTime"),
		},
	}
	api.liveDocs["st1/p1"] = liveDoc(t, data, pre, itemTime("ct1", "pre1", "2026-03-01T09:55:00Z"))
	tr, _ := testTracker(api)

	st := tr.LiveStatus(context.Background())
	if !st.IsLive || tr.lock == nil {
		t.Fatalf("not locked on pre-service: %+v", st)
	}

	api.liveDocs["st1/p1"] = notLiveDocFor(t, "p1", "Sunday")
	st = tr.LiveStatus(context.Background())
	if st.Finished {
		t.Fatal("finished fired for a pre-service-only session")
	}
	if tr.lock != nil {
		t.Fatal("lock survived a session that never went active")
	}
}

func TestTrackerTakeoverOnFullScan(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "Old")}
	api.liveDocs["st1/p1"] = liveDocFor(t, "p1", "Old", "2026-03-01T08:00:00Z")
	tr, cur := testTracker(api)

	tr.LiveStatus(context.Background())
	if tr.lock == nil || tr.lock.planID != "p1" {
		t.Fatalf("lock=%+v", tr.lock)
	}

	// A newer session appears on another plan. Within the scan interval the
	// fast path stays on p1.
	api.mu.Lock()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "Old"), plainPlan("p2", "New")}
	api.liveDocs["st1/p2"] = liveDocFor(t, "p2", "New", "2026-03-01T09:30:00Z")
	api.mu.Unlock()

	tr.LiveStatus(context.Background())
	if tr.lock.planID != "p1" {
		t.Fatal("switched before the scan interval")
	}

	*cur = cur.Add(61 * time.Second)
	tr.LiveStatus(context.Background())
	if tr.lock.planID != "p2" {
		t.Fatalf("lock=%+v, want takeover to p2", tr.lock)
	}
	if tr.lock.seenActiveItem == false {
		// The re-poll after switching observes p2's during item.
		t.Fatal("latch not re-established after takeover re-poll")
	}
}

func TestTrackerUpcomingFallback(t *testing.T) {
	api := newFakeAPI()
	plan := apiResource{
		Type: "Plan", ID: "p1",
		Attributes: apiAttributes{Title: "Sunday", SortDate: "2026-03-01T10:45:00Z"},
	}
	api.futurePlans["st1"] = []apiResource{plan}
	tr, _ := testTracker(api)

	st := tr.LiveStatus(context.Background())
	if st.IsLive {
		t.Fatalf("status: %+v", st)
	}
	if st.Message != "Starts in 45m" {
		t.Fatalf("message=%q", st.Message)
	}
	if tr.lock != nil {
		t.Fatal("locked without a live session")
	}
}

func TestTrackerNoServiceTypeConfigured(t *testing.T) {
	api := newFakeAPI()
	tr := newTracker(api, config.PlanConfig{SearchMode: "service_type"}, zerolog.Nop())

	st := tr.LiveStatus(context.Background())
	if st.Message != "No service type configured" {
		t.Fatalf("message=%q", st.Message)
	}
	if api.totalCalls() != 0 {
		t.Fatal("remote calls without configuration")
	}
}

func TestCircuitBreakerOpensAndCloses(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "Sunday")}
	api.liveDocs["st1/p1"] = liveDocFor(t, "p1", "Sunday", "2026-03-01T09:58:00Z")
	tr, cur := testTracker(api)

	live := tr.LiveStatus(context.Background())
	if !live.IsLive {
		t.Fatalf("setup: %+v", live)
	}

	api.mu.Lock()
	api.liveErr = ErrTransient("connection refused")
	api.mu.Unlock()

	// Five consecutive failures open the breaker.
	for i := 0; i < 5; i++ {
		st := tr.LiveStatus(context.Background())
		if !st.IsLive {
			t.Fatalf("failure %d must serve cached live status: %+v", i, st)
		}
	}
	if tr.breaker.consecutiveFailures != 5 {
		t.Fatalf("failures=%d", tr.breaker.consecutiveFailures)
	}
	if tr.breaker.backoffUntil.IsZero() {
		t.Fatal("breaker did not open")
	}

	// Inside the window: cached result, zero remote calls.
	before := api.totalCalls()
	st := tr.LiveStatus(context.Background())
	if api.totalCalls() != before {
		t.Fatal("remote call inside breaker window")
	}
	if !st.IsLive {
		t.Fatalf("cached status lost: %+v", st)
	}

	// Past the window with a healthy API: success resets the breaker.
	api.mu.Lock()
	api.liveErr = nil
	api.mu.Unlock()
	*cur = cur.Add(10 * time.Minute)
	st = tr.LiveStatus(context.Background())
	if !st.IsLive {
		t.Fatalf("status: %+v", st)
	}
	if tr.breaker.consecutiveFailures != 0 || !tr.breaker.backoffUntil.IsZero() {
		t.Fatalf("breaker not reset: %+v", tr.breaker)
	}
}

func TestCircuitBreakerWindowGrows(t *testing.T) {
	tr, cur := testTracker(newFakeAPI())

	for i := 0; i < 5; i++ {
		tr.recordFailure()
	}
	first := tr.breaker.backoffUntil.Sub(*cur)
	if first != time.Second {
		t.Fatalf("first window=%v", first)
	}
	tr.recordFailure()
	if got := tr.breaker.backoffUntil.Sub(*cur); got != 2*time.Second {
		t.Fatalf("second window=%v", got)
	}
	for i := 0; i < 20; i++ {
		tr.recordFailure()
	}
	if got := tr.breaker.backoffUntil.Sub(*cur); got != 300*time.Second {
		t.Fatalf("window cap=%v", got)
	}
}

func TestAuthErrorSetsCredentialError(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "Sunday")}
	api.plansErr = ErrAuth(401)
	tr, _ := testTracker(api)

	st := tr.LiveStatus(context.Background())
	if tr.CredentialError() == "" {
		t.Fatal("credential error not set")
	}
	if st.IsLive {
		t.Fatalf("status: %+v", st)
	}

	tr.UpdateCredentials("app2", "secret2", "st1", "", "")
	if tr.CredentialError() != "" {
		t.Fatal("credential error not cleared")
	}
	if tr.breaker.consecutiveFailures != 0 {
		t.Fatal("breaker not cleared")
	}
	if len(api.credentials) != 2 || api.credentials[0] != "app2" || api.credentials[1] != "secret2" {
		t.Fatalf("credentials=%v", api.credentials)
	}
}

func TestUpdateCredentialsClearsLock(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{plainPlan("p1", "Sunday")}
	api.liveDocs["st1/p1"] = liveDocFor(t, "p1", "Sunday", "2026-03-01T09:58:00Z")
	tr, _ := testTracker(api)

	tr.LiveStatus(context.Background())
	if tr.lock == nil {
		t.Fatal("not locked")
	}
	tr.UpdateCredentials("app2", "secret2", "st2", "", "folder")
	if tr.lock != nil {
		t.Fatal("lock survived credential update")
	}
	if tr.serviceTypeID != "st2" || tr.searchMode != "folder" {
		t.Fatalf("selection not updated: %s %s", tr.serviceTypeID, tr.searchMode)
	}
}

func TestTestConnection(t *testing.T) {
	api := newFakeAPI()
	api.serviceTypes = []types.ServiceType{{ID: "st1", Name: "Sunday", Frequency: "Weekly"}}
	tr, _ := testTracker(api)

	res := tr.TestConnection(context.Background())
	if !res.Success || len(res.ServiceTypes) != 1 {
		t.Fatalf("result: %+v", res)
	}

	api.stErr = ErrAuth(401)
	res = tr.TestConnection(context.Background())
	if res.Success || res.Error == "" {
		t.Fatalf("result: %+v", res)
	}
}

func TestTrackerOutageKeepsCache(t *testing.T) {
	api := newFakeAPI()
	api.futurePlans["st1"] = []apiResource{
		{Type: "Plan", ID: "p1", Attributes: apiAttributes{Title: "Sunday", SortDate: "2026-03-01T10:30:00Z"}},
	}
	tr, _ := testTracker(api)

	st := tr.LiveStatus(context.Background())
	if st.Message == "" {
		t.Fatalf("status: %+v", st)
	}
	cachedMsg := st.Message

	api.mu.Lock()
	api.plansErr = ErrTransient("connection refused")
	api.mu.Unlock()

	st = tr.LiveStatus(context.Background())
	if st.Message != cachedMsg {
		t.Fatalf("cache overwritten during outage: %q", st.Message)
	}
	if tr.breaker.consecutiveFailures != 1 {
		t.Fatalf("failures=%d", tr.breaker.consecutiveFailures)
	}
}
