package player

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"decoderd/internal/config"
	"decoderd/pkg/types"
)

const (
	// DefaultSocketPath is the player's IPC control socket.
	DefaultSocketPath = "/tmp/mpv-decoderd.sock"
	// DefaultScreenshotPath is where single-frame captures land.
	DefaultScreenshotPath = "/tmp/mpv-preview.jpg"

	// IdleOverlayID is the overlay channel reserved for the idle screen.
	// Channels 1 and 2 belong to the live-status loop and operator messages.
	IdleOverlayID = 63

	defaultSendTimeout = 5 * time.Second
	healthInterval     = 5 * time.Second

	restartBackoffFloor = 3 * time.Second
	restartBackoffCap   = 60 * time.Second

	streamRetryFloor = 5 * time.Second
	streamRetryCap   = 60 * time.Second
	// backupAfterFailures is the consecutive reload-while-idle count that
	// triggers failover to the backup URL.
	backupAfterFailures = 3
)

// ipcClient is the slice of Channel the engine depends on; tests substitute
// a fake.
type ipcClient interface {
	Send(timeout time.Duration, command []any, named map[string]any) (json.RawMessage, error)
	Connected() bool
	Close()
}

// NetworkInfoProvider supplies the read-only network summary consumed by the
// idle overlay and connectivity-change detection.
type NetworkInfoProvider interface {
	Info(ctx context.Context) (types.NetworkInfo, error)
}

// retryState owns all stream-retry bookkeeping. It has its own lock so
// ResetStreamRetry can be called from any goroutine without touching the
// lifecycle.
type retryState struct {
	mu                sync.Mutex
	backoff           time.Duration
	lastAttempt       time.Time
	failures          int
	usingBackup       bool
	userStopped       bool
	lastConnType      string
	restartBackoff    time.Duration
}

func newRetryState() *retryState {
	return &retryState{backoff: streamRetryFloor, restartBackoff: restartBackoffFloor}
}

// Engine supervises the mpv subprocess end to end: spawn, IPC, health
// monitoring, restart with growing backoff, and backup-stream failover.
type Engine struct {
	cfg  config.Config
	name string
	ver  string
	net  NetworkInfoProvider
	log  zerolog.Logger

	socketPath     string
	screenshotPath string

	// lifecycle serializes start/stop/restart; the health loop takes it
	// with TryLock so an operator-initiated transition always wins.
	lifecycle sync.Mutex

	mu       sync.Mutex // guards cmd, ch, stopping, waitDone, stderrDone
	cmd      *exec.Cmd
	ch       ipcClient
	stopping bool
	waitDone chan struct{} // closed when cmd.Wait returns
	exited   bool

	healthCancel context.CancelFunc
	healthDone   chan struct{}

	retry *retryState

	// test hooks
	dial  func(path string) (ipcClient, error)
	sleep func(d time.Duration)
}

// New constructs an Engine. Version is informational, shown on the idle
// screen.
func New(cfg config.Config, version string, net NetworkInfoProvider, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:            cfg,
		name:           cfg.General.Name,
		ver:            version,
		net:            net,
		log:            log,
		socketPath:     DefaultSocketPath,
		screenshotPath: DefaultScreenshotPath,
		retry:          newRetryState(),
		sleep:          time.Sleep,
	}
	e.dial = func(path string) (ipcClient, error) { return DialChannel(path, log) }
	return e
}

// Start launches the subprocess, connects IPC and ensures the health loop is
// running. Safe to call after a Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.startLocked(ctx)
}

func (e *Engine) startLocked(ctx context.Context) error {
	e.mu.Lock()
	e.stopping = false
	e.mu.Unlock()

	// A stale socket from a previous run would make the connect below attach
	// to nothing.
	if err := os.Remove(e.socketPath); err != nil && !os.IsNotExist(err) {
		e.log.Warn().Err(err).Msg("could not remove stale ipc socket")
	}

	args := e.buildArgs()
	e.log.Info().Strs("args", args).Msg("starting player")
	cmd := exec.Command("mpv", args...)
	cmd.Stdout = nil // discarded

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}

	waitDone := make(chan struct{})
	stderrDone := make(chan struct{})
	// Drain stderr continuously so the player can never block on a full pipe.
	go func() {
		defer close(stderrDone)
		buf := make([]byte, 4096)
		for {
			if _, err := stderr.Read(buf); err != nil {
				return
			}
		}
	}()
	go func() {
		defer close(waitDone)
		_ = cmd.Wait()
		e.mu.Lock()
		e.exited = true
		e.mu.Unlock()
	}()

	e.mu.Lock()
	e.cmd = cmd
	e.exited = false
	e.waitDone = waitDone
	e.mu.Unlock()

	// Poll for the socket file up to 5s.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(e.socketPath); err == nil {
			break
		}
		e.sleep(100 * time.Millisecond)
	}

	ch, err := e.dial(e.socketPath)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not connect player ipc after retries")
	} else {
		e.mu.Lock()
		e.ch = ch
		e.mu.Unlock()
		e.log.Info().Msg("connected to player ipc socket")
	}

	e.retry.mu.Lock()
	e.retry.restartBackoff = restartBackoffFloor
	e.retry.mu.Unlock()

	e.ensureHealthLoop()
	return nil
}

// Stop shuts the subprocess down: quit over IPC best effort, then SIGTERM
// with a 5s grace period, then SIGKILL.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopHealthLoop()
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.stopLocked(ctx)
}

func (e *Engine) stopLocked(ctx context.Context) error {
	e.mu.Lock()
	e.stopping = true
	ch := e.ch
	e.ch = nil
	cmd := e.cmd
	waitDone := e.waitDone
	exited := e.exited
	e.cmd = nil
	e.mu.Unlock()

	if ch != nil {
		// Ignore failure: termination below is authoritative.
		_, _ = ch.Send(2*time.Second, []any{"quit"}, nil)
		ch.Close()
	}

	if cmd != nil && cmd.Process != nil && !exited {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			<-waitDone
		}
	}
	e.log.Info().Msg("player stopped")
	return nil
}

// Restart is stop-then-start under the lifecycle lock, so it cannot
// interleave with concurrent Start/Stop/Restart calls.
func (e *Engine) Restart(ctx context.Context) error {
	e.stopHealthLoop()
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if err := e.stopLocked(ctx); err != nil {
		return err
	}
	e.sleep(500 * time.Millisecond)
	return e.startLocked(ctx)
}

// Alive reports whether the subprocess is running.
func (e *Engine) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd != nil && !e.exited
}

// send routes a command through the current channel.
func (e *Engine) send(timeout time.Duration, command []any, named map[string]any) (json.RawMessage, error) {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	if ch == nil {
		return nil, ErrNotConnected()
	}
	return ch.Send(timeout, command, named)
}

func (e *Engine) getProperty(name string) (json.RawMessage, error) {
	return e.send(defaultSendTimeout, []any{"get_property", name}, nil)
}

// LoadStream loads url and clears the user-stopped latch so the health loop
// resumes retrying it.
func (e *Engine) LoadStream(url string) error {
	e.retry.mu.Lock()
	e.retry.userStopped = false
	e.retry.mu.Unlock()
	_, err := e.send(defaultSendTimeout, []any{"loadfile", url}, nil)
	return err
}

// StopStream unloads the current stream but keeps the player alive. Sets the
// user-stopped latch so the health loop does not immediately reload.
func (e *Engine) StopStream() error {
	e.retry.mu.Lock()
	e.retry.userStopped = true
	e.retry.mu.Unlock()
	_, err := e.send(defaultSendTimeout, []any{"stop"}, nil)
	return err
}

// CurrentTarget returns the stream URL the engine would (re)load now:
// the backup URL while failover is latched, the primary otherwise.
func (e *Engine) CurrentTarget() string {
	e.retry.mu.Lock()
	defer e.retry.mu.Unlock()
	if e.retry.usingBackup && e.cfg.Stream.BackupURL != "" {
		return e.cfg.Stream.BackupURL
	}
	return e.cfg.Stream.URL
}

// ResetStreamRetry zeroes the retry backoff, failure counter, backup latch
// and user-stopped latch. Invoked when the operator changes the stream URL or
// the network so retries resume immediately. Idempotent.
func (e *Engine) ResetStreamRetry() {
	e.retry.mu.Lock()
	defer e.retry.mu.Unlock()
	e.retry.backoff = streamRetryFloor
	e.retry.lastAttempt = time.Time{}
	e.retry.failures = 0
	e.retry.usingBackup = false
	e.retry.userStopped = false
}

// SetOverlay pushes ASS markup to the given overlay channel.
func (e *Engine) SetOverlay(id int, assText string) error {
	_, err := e.send(defaultSendTimeout, []any{"osd-overlay", id, "ass-events", assText}, nil)
	return err
}

// RemoveOverlay clears the given overlay channel.
func (e *Engine) RemoveOverlay(id int) error {
	_, err := e.send(defaultSendTimeout, []any{"osd-overlay", id, "none", ""}, nil)
	return err
}

// Screenshot captures a single frame and returns the JPEG bytes.
func (e *Engine) Screenshot() ([]byte, error) {
	if _, err := e.send(defaultSendTimeout, []any{"screenshot-to-file", e.screenshotPath, "window"}, nil); err != nil {
		return nil, err
	}
	// Give the player a moment to finish writing the file.
	e.sleep(300 * time.Millisecond)
	data, err := os.ReadFile(e.screenshotPath)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(e.screenshotPath)
	return data, nil
}

// Status assembles a MediaStatus snapshot from IPC property reads. Property
// failures degrade to an idle, not-playing snapshot rather than an error.
func (e *Engine) Status() types.MediaStatus {
	st := types.MediaStatus{Alive: e.Alive()}
	e.retry.mu.Lock()
	st.UsingBackup = e.retry.usingBackup
	e.retry.mu.Unlock()

	pause, err1 := e.boolProperty("pause")
	idle, err2 := e.boolProperty("idle-active")
	path, err3 := e.stringProperty("path")
	if err1 != nil || err2 != nil || err3 != nil {
		st.Playing = false
		st.Idle = true
		return st
	}
	st.Paused = pause
	st.Idle = idle
	st.Playing = !pause && !idle
	st.StreamURL = path

	// Decode diagnostics are best effort; absent properties stay zero.
	st.HwdecCurrent, _ = e.stringProperty("hwdec-current")
	st.FPS, _ = e.floatProperty("estimated-vf-fps")
	drops, _ := e.floatProperty("frame-drop-count")
	st.DroppedFrames = int64(drops)
	ddrops, _ := e.floatProperty("decoder-frame-drop-count")
	st.DecoderDrops = int64(ddrops)
	w, errW := e.floatProperty("video-params/w")
	h, errH := e.floatProperty("video-params/h")
	if errW == nil && errH == nil && w > 0 && h > 0 {
		st.Resolution = fmt.Sprintf("%dx%d", int(w), int(h))
	}
	return st
}

func (e *Engine) boolProperty(name string) (bool, error) {
	raw, err := e.getProperty(name)
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, err
	}
	return v, nil
}

func (e *Engine) stringProperty(name string) (string, error) {
	raw, err := e.getProperty(name)
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	return v, nil
}

func (e *Engine) floatProperty(name string) (float64, error) {
	raw, err := e.getProperty(name)
	if err != nil {
		return 0, err
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// buildArgs assembles the player argument vector from the stream config.
func (e *Engine) buildArgs() []string {
	s := e.cfg.Stream
	readahead := s.NetworkCaching / 1000
	if readahead < 2 {
		readahead = 2
	}
	maxBytesMB := s.NetworkCaching / 200
	if maxBytesMB < 5 {
		maxBytesMB = 5
	}

	ytdl := "bestvideo+bestaudio/best"
	if s.MaxResolution != "best" {
		ytdl = fmt.Sprintf("bestvideo[height<=%s]+bestaudio/best[height<=%s]", s.MaxResolution, s.MaxResolution)
	}

	args := []string{
		"--fullscreen",
		"--no-terminal",
		"--hwdec=" + s.Hwdec,
		"--input-ipc-server=" + e.socketPath,
		"--idle=yes",
		"--force-window=yes",
		"--cache=yes",
		fmt.Sprintf("--demuxer-max-bytes=%dM", maxBytesMB),
		fmt.Sprintf("--demuxer-readahead-secs=%d", readahead),
		"--no-osc",
		"--no-osd-bar",
		"--osd-level=0",
		"--cursor-autohide=always",
		"--audio-device=auto",
		"--ytdl-format=" + ytdl,
		"--stream-lavf-o=reconnect=1,reconnect_streamed=1,reconnect_delay_max=5",
		"--background=color",
		"--background-color=0/0/0",
		"--osd-msg1=",
	}
	if s.URL != "" {
		args = append(args, s.URL)
	}
	return args
}
