package overlay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"decoderd/internal/config"
	"decoderd/pkg/types"
)

// StatusOverlayID is the mpv osd-overlay slot for the live-status overlay.
// MessageOverlayID holds free-form operator messages pushed over the API.
const (
	StatusOverlayID  = 1
	MessageOverlayID = 2
)

// engine is the slice of the player engine the updater pushes to.
type engine interface {
	SetOverlay(id int, ass string) error
	RemoveOverlay(id int) error
}

// tracker is the slice of the live tracker the updater polls.
type tracker interface {
	LiveStatus(ctx context.Context) types.LiveStatus
	CredentialError() string
}

// Updater renders the status overlay every second and re-polls the tracker
// every poll interval.
type Updater struct {
	log     zerolog.Logger
	engine  engine
	tracker tracker
	cfg     func() config.Config

	mu      sync.Mutex
	running bool
	last    types.LiveStatus
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewUpdater constructs an Updater. cfg is called each tick so settings
// changes apply without restart.
func NewUpdater(engine engine, tracker tracker, cfg func() config.Config, log zerolog.Logger) *Updater {
	return &Updater{
		log:     log,
		engine:  engine,
		tracker: tracker,
		cfg:     cfg,
		last:    types.LiveStatus{Message: "Initializing..."},
	}
}

// LastStatus returns the most recent tracker snapshot.
func (u *Updater) LastStatus() types.LiveStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

// Running reports whether the loop is active.
func (u *Updater) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

// Start launches the loop. No-op if already running.
func (u *Updater) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.done = make(chan struct{})
	u.running = true
	go u.run(ctx)
}

// Stop cancels the loop, awaits it, and clears the overlay.
func (u *Updater) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	cancel, done := u.cancel, u.done
	u.mu.Unlock()

	cancel()
	<-done
}

func (u *Updater) run(ctx context.Context) {
	defer func() {
		if err := u.engine.RemoveOverlay(StatusOverlayID); err != nil {
			u.log.Debug().Err(err).Msg("failed to clear status overlay")
		}
		u.mu.Lock()
		u.running = false
		close(u.done)
		u.mu.Unlock()
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := u.cfg()
	pollInterval := clampPoll(cfg.Plan.PollInterval)
	// Trigger an immediate first poll.
	sincePoll := pollInterval

	for {
		if sincePoll >= pollInterval {
			sincePoll = 0
			if u.tracker.CredentialError() == "" {
				status := u.tracker.LiveStatus(ctx)
				u.mu.Lock()
				u.last = status
				u.mu.Unlock()
			}
		}

		cfg = u.cfg()
		pollInterval = clampPoll(cfg.Plan.PollInterval)
		if cfg.Overlay.Enabled {
			ass := Render(u.LastStatus(), cfg.Overlay, time.Now())
			if err := u.engine.SetOverlay(StatusOverlayID, ass); err != nil {
				u.log.Debug().Err(err).Msg("overlay push failed")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sincePoll++
		}
	}
}

func clampPoll(v int) int {
	if v < 2 {
		return 2
	}
	if v > 60 {
		return 60
	}
	return v
}
