package live

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"decoderd/internal/config"
	"decoderd/pkg/types"
)

const (
	// pastPlanMaxAge bounds how far back the upcoming-plan fallback looks.
	pastPlanMaxAge = 12 * time.Hour
	// fullScanInterval is how often a locked tracker re-scans everything to
	// catch an abandoned-session takeover.
	fullScanInterval = 60 * time.Second

	breakerThreshold  = 5
	breakerBackoffCap = 300 * time.Second
)

// api is the slice of Client the tracker depends on; tests substitute a fake.
type api interface {
	SetCredentials(appID, secret string)
	ServiceTypes(ctx context.Context) ([]types.ServiceType, error)
	FolderServiceTypes(ctx context.Context, folderID string) ([]string, error)
	Plans(ctx context.Context, serviceTypeID, filter, order string) ([]apiResource, []apiResource, error)
	Live(ctx context.Context, serviceTypeID, planID string) (*apiDocument, error)
}

// lockedPlan is the identity of the one remote plan currently confirmed live.
// At most one exists at a time.
type lockedPlan struct {
	planID        string
	serviceTypeID string
	serviceStart  *time.Time
	plannedEnd    *time.Time
	liveStartAt   time.Time
	// seenActiveItem latches once a during-service item was observed; only
	// then may the session report finished.
	seenActiveItem bool
}

// candidate is one discovery result.
type candidate struct {
	planID        string
	serviceTypeID string
	liveStartAt   time.Time
	serviceStart  *time.Time
	plannedEnd    *time.Time
}

// breakerState gates remote calls after repeated failure.
type breakerState struct {
	consecutiveFailures int
	backoffUntil        time.Time
}

// Tracker maintains the locked "current plan" identity and exposes a single
// LiveStatus snapshot. All remote work runs under one mutex so discovery and
// fast-path polling never interleave.
type Tracker struct {
	log    zerolog.Logger
	client api

	mu            sync.Mutex
	searchMode    string
	serviceTypeID string
	folderID      string
	cached        types.LiveStatus
	credentialErr string
	lock          *lockedPlan
	lastFullScan  time.Time
	breaker       breakerState

	now func() time.Time
}

// NewTracker constructs a Tracker over the real API client.
func NewTracker(cfg config.PlanConfig, log zerolog.Logger) *Tracker {
	return newTracker(NewClient(cfg.AppID, cfg.Secret), cfg, log)
}

func newTracker(client api, cfg config.PlanConfig, log zerolog.Logger) *Tracker {
	return &Tracker{
		log:           log,
		client:        client,
		searchMode:    cfg.SearchMode,
		serviceTypeID: cfg.ServiceTypeID,
		folderID:      cfg.FolderID,
		cached:        types.LiveStatus{Message: "Initializing..."},
		now:           time.Now,
	}
}

// CachedStatus returns the last snapshot without any remote call.
func (t *Tracker) CachedStatus() types.LiveStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cached
}

// CredentialError returns the sticky credential failure message, empty when
// credentials work. Callers suppress polling while it is set.
func (t *Tracker) CredentialError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.credentialErr
}

// UpdateCredentials swaps credentials and selection mode, clears the lock,
// the credential error and the circuit breaker.
func (t *Tracker) UpdateCredentials(appID, secret, serviceTypeID, folderID, searchMode string) {
	t.client.SetCredentials(appID, secret)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serviceTypeID = serviceTypeID
	if folderID != "" {
		t.folderID = folderID
	}
	if searchMode != "" {
		t.searchMode = searchMode
	}
	t.lock = nil
	t.credentialErr = ""
	t.breaker = breakerState{}
}

// TestConnection verifies credentials by listing service types.
func (t *Tracker) TestConnection(ctx context.Context) types.ConnectionTestResult {
	sts, err := t.client.ServiceTypes(ctx)
	if err != nil {
		msg := err.Error()
		if IsAuth(err) {
			msg += ". Check App ID and Secret."
		}
		return types.ConnectionTestResult{Success: false, Error: msg}
	}
	return types.ConnectionTestResult{Success: true, ServiceTypes: sts}
}

// ServiceTypes lists service types, empty on any failure.
func (t *Tracker) ServiceTypes(ctx context.Context) []types.ServiceType {
	sts, err := t.client.ServiceTypes(ctx)
	if err != nil {
		return nil
	}
	return sts
}

// LiveStatus returns the current live snapshot, issuing remote calls as the
// state machine requires. Failures degrade to the cached snapshot; a 401/403
// additionally sets the credential-error flag.
func (t *Tracker) LiveStatus(ctx context.Context) types.LiveStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.searchMode == "folder" && t.folderID == "" {
		t.cached = types.LiveStatus{Message: "No folder ID configured"}
		return t.cached
	}
	if t.searchMode == "service_type" && t.serviceTypeID == "" {
		t.cached = types.LiveStatus{Message: "No service type configured"}
		return t.cached
	}

	now := t.now()
	if now.Before(t.breaker.backoffUntil) {
		// Breaker open: no remote calls until the window elapses.
		return t.cached
	}

	status, err := t.fetchLocked(ctx)
	if err != nil {
		t.recordFailure()
		if IsAuth(err) {
			t.credentialErr = err.Error()
			t.log.Warn().Str("error", t.credentialErr).Msg("scheduling api credential error")
			t.cached = types.LiveStatus{Message: t.credentialErr}
			return t.cached
		}
		t.log.Warn().Err(err).Msg("scheduling api error, returning cached status")
		return t.cached
	}
	t.breaker = breakerState{}
	t.credentialErr = ""
	t.cached = status
	return status
}

// recordFailure advances the circuit breaker. At the threshold each further
// failure doubles the backoff window, capped at 5 minutes.
func (t *Tracker) recordFailure() {
	t.breaker.consecutiveFailures++
	if t.breaker.consecutiveFailures >= breakerThreshold {
		exp := t.breaker.consecutiveFailures - breakerThreshold
		backoff := time.Duration(math.Pow(2, float64(exp))) * time.Second
		if backoff > breakerBackoffCap {
			backoff = breakerBackoffCap
		}
		t.breaker.backoffUntil = t.now().Add(backoff)
		t.log.Warn().Int("failures", t.breaker.consecutiveFailures).
			Dur("backoff", backoff).Msg("scheduling api circuit breaker open")
	}
}

// fetchLocked runs one invocation of the state machine under t.mu.
func (t *Tracker) fetchLocked(ctx context.Context) (types.LiveStatus, error) {
	// Fast path: exactly one remote call against the locked plan.
	if t.lock != nil {
		status, err := t.pollLive(ctx, t.lock)
		if err != nil {
			return types.LiveStatus{}, err
		}
		if status.IsLive || status.Finished {
			if t.now().Sub(t.lastFullScan) >= fullScanInterval {
				t.lastFullScan = t.now()
				if better, err := t.findBestLivePlan(ctx); err == nil && better != nil &&
					better.planID != t.lock.planID && better.liveStartAt.After(t.lock.liveStartAt) {
					// Abandoned-session takeover: switch to the newer plan.
					t.log.Info().Str("from", t.lock.planID).Str("to", better.planID).
						Msg("switching to newer live plan")
					t.lock = &lockedPlan{
						planID:        better.planID,
						serviceTypeID: better.serviceTypeID,
						serviceStart:  better.serviceStart,
						plannedEnd:    better.plannedEnd,
						liveStartAt:   better.liveStartAt,
					}
					if st, err := t.pollLive(ctx, t.lock); err == nil {
						status = st
					}
				}
			}
			return status, nil
		}
		// Session over: unlock and rediscover.
		t.log.Info().Str("plan", t.lock.planID).Msg("live session ended, unlocking")
		t.lock = nil
	}
	return t.discoverAndPoll(ctx)
}

// serviceTypeIDs enumerates the candidate service-type ids per the
// configured search mode.
func (t *Tracker) serviceTypeIDs(ctx context.Context) ([]string, error) {
	if t.searchMode == "folder" && t.folderID != "" {
		ids, err := t.client.FolderServiceTypes(ctx, t.folderID)
		if err != nil {
			if IsAuth(err) {
				return nil, err
			}
			t.log.Warn().Err(err).Msg("failed to fetch folder service types")
			return nil, nil
		}
		return ids, nil
	}
	if t.serviceTypeID != "" {
		return []string{t.serviceTypeID}, nil
	}
	return nil, nil
}

// findBestLivePlan scans all candidate service types for the plan with the
// strictly latest liveStartAt. Ties keep the first found: an operator who
// left one plan live by mistake while starting another is resolved toward the
// newer session.
func (t *Tracker) findBestLivePlan(ctx context.Context) (*candidate, error) {
	stIDs, err := t.serviceTypeIDs(ctx)
	if err != nil {
		return nil, err
	}

	var best *candidate
	for _, stID := range stIDs {
		plans, planTimes, err := t.client.Plans(ctx, stID, "future", "sort_date")
		if err != nil {
			if IsAuth(err) {
				return nil, err
			}
			t.log.Debug().Err(err).Str("service_type", stID).Msg("plan scan failed")
			continue
		}
		for _, plan := range plans {
			serviceStart, plannedEnd := extractServiceTimes(planTimesFor(plan, planTimes))

			doc, err := t.client.Live(ctx, stID, plan.ID)
			if err != nil {
				if IsAuth(err) {
					return nil, err
				}
				continue
			}
			liveStart := liveStartFrom(doc)
			if liveStart == nil {
				continue
			}
			if best == nil || liveStart.After(best.liveStartAt) {
				best = &candidate{
					planID:        plan.ID,
					serviceTypeID: stID,
					liveStartAt:   *liveStart,
					serviceStart:  serviceStart,
					plannedEnd:    plannedEnd,
				}
			}
		}
	}
	return best, nil
}

// liveStartFrom extracts the current item time's liveStartAt, nil when the
// plan carries no live session.
func liveStartFrom(doc *apiDocument) *time.Time {
	var data apiResource
	if err := json.Unmarshal(doc.Data, &data); err != nil {
		return nil
	}
	ref := data.Relationships["current_item_time"].ref()
	if ref == nil {
		return nil
	}
	cit := findResource(doc.Included, "ItemTime", ref.ID)
	if cit == nil {
		return nil
	}
	return parseTime(cit.Attributes.LiveStartAt)
}

// discoverAndPoll locks onto the best live candidate, or falls back to the
// nearest upcoming plan.
func (t *Tracker) discoverAndPoll(ctx context.Context) (types.LiveStatus, error) {
	best, err := t.findBestLivePlan(ctx)
	if err != nil {
		return types.LiveStatus{}, err
	}
	if best != nil {
		tentative := &lockedPlan{
			planID:        best.planID,
			serviceTypeID: best.serviceTypeID,
			serviceStart:  best.serviceStart,
			plannedEnd:    best.plannedEnd,
			liveStartAt:   best.liveStartAt,
		}
		status, err := t.pollLive(ctx, tentative)
		if err != nil {
			return types.LiveStatus{}, err
		}
		if status.IsLive || status.Finished {
			t.lock = tentative
			t.lastFullScan = t.now()
			t.log.Info().Str("plan", best.planID).Str("service_type", best.serviceTypeID).
				Msg("locked onto live plan")
			return status, nil
		}
	}
	return t.findUpcomingPlan(ctx)
}

// findUpcomingPlan picks the single nearest upcoming plan across all
// candidates for the "not live" fallback display, also considering a recent
// past plan whose session has not started.
func (t *Tracker) findUpcomingPlan(ctx context.Context) (types.LiveStatus, error) {
	stIDs, err := t.serviceTypeIDs(ctx)
	if err != nil {
		return types.LiveStatus{}, err
	}
	now := t.now()

	var nearestPlan *apiResource
	var nearestStart *time.Time
	var lastErr error
	succeeded := false

	for _, stID := range stIDs {
		plans, planTimes, err := t.client.Plans(ctx, stID, "future", "sort_date")
		if err != nil {
			if IsAuth(err) {
				return types.LiveStatus{}, err
			}
			lastErr = err
		} else {
			succeeded = true
		}
		if err == nil && len(plans) > 0 {
			plan := plans[0]
			start, _ := extractServiceTimes(planTimesFor(plan, planTimes))
			if start == nil {
				start = parseTime(plan.Attributes.SortDate)
			}
			if start != nil && (nearestStart == nil || start.Before(*nearestStart)) {
				p := plan
				nearestPlan = &p
				nearestStart = start
			}
		}

		pastPlans, pastTimes, err := t.client.Plans(ctx, stID, "past", "-sort_date")
		if err != nil {
			if IsAuth(err) {
				return types.LiveStatus{}, err
			}
			continue
		}
		if len(pastPlans) == 0 {
			continue
		}
		past := pastPlans[0]
		sortDate := parseTime(past.Attributes.SortDate)
		if sortDate == nil || now.Sub(*sortDate) >= pastPlanMaxAge {
			continue
		}
		pastStart, _ := extractServiceTimes(planTimesFor(past, pastTimes))
		if pastStart != nil && (nearestStart == nil || pastStart.After(*nearestStart)) {
			p := past
			nearestPlan = &p
			nearestStart = pastStart
		}
	}

	if nearestPlan != nil {
		return upcomingStatus(*nearestPlan, nearestStart, now), nil
	}
	// Total outage is a failure, not an empty schedule: keep the cached
	// status and let the circuit breaker count it.
	if !succeeded && lastErr != nil {
		return types.LiveStatus{}, lastErr
	}
	return types.LiveStatus{Message: "No upcoming plans"}, nil
}

// pollLive polls one plan's live endpoint and derives the status. Updates
// the lock's seenActiveItem latch in place.
func (t *Tracker) pollLive(ctx context.Context, lock *lockedPlan) (types.LiveStatus, error) {
	doc, err := t.client.Live(ctx, lock.serviceTypeID, lock.planID)
	if err != nil {
		if err == errNotFound {
			return types.LiveStatus{Message: "Plan not found"}, nil
		}
		return types.LiveStatus{}, err
	}
	status, seen, err := parseLive(doc, lock.serviceStart, lock.plannedEnd, lock.seenActiveItem, t.now())
	if err != nil {
		return types.LiveStatus{}, err
	}
	lock.seenActiveItem = seen
	return status, nil
}
