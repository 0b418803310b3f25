package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"decoderd/internal/config"
	"decoderd/internal/overlay"
	"decoderd/pkg/types"
)

// Engine is the player surface the HTTP layer drives.
type Engine interface {
	Alive() bool
	Status() types.MediaStatus
	LoadStream(url string) error
	StopStream() error
	Restart(ctx context.Context) error
	ResetStreamRetry()
	Screenshot() ([]byte, error)
	SetOverlay(id int, ass string) error
	RemoveOverlay(id int) error
}

// Tracker is the live-plan surface the HTTP layer reads. Status requests
// use the cached snapshot; only test-connection goes remote.
type Tracker interface {
	CachedStatus() types.LiveStatus
	CredentialError() string
	TestConnection(ctx context.Context) types.ConnectionTestResult
	ServiceTypes(ctx context.Context) []types.ServiceType
	UpdateCredentials(appID, secret, serviceTypeID, folderID, searchMode string)
}

// Netinfo yields the connectivity snapshot embedded in /api/status.
type Netinfo interface {
	Info(ctx context.Context) (types.NetworkInfo, error)
}

// ConfigStore gives handlers read and persisted-write access to settings.
type ConfigStore interface {
	Get() config.Config
	Update(fn func(*config.Config)) error
}

// zlog is an optional structured logger. If unset the HTTP layer is silent.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Server bundles the handler dependencies.
type Server struct {
	engine  Engine
	tracker Tracker
	netinfo Netinfo
	cfg     ConfigStore
	started time.Time

	mu          sync.Mutex
	overlayText string
}

// OverlayRunner reports whether the status-overlay loop is active, for
// GET /api/overlay.
type OverlayRunner interface {
	Running() bool
}

// NewServer wires the handler set.
func NewServer(engine Engine, tracker Tracker, netinfo Netinfo, cfg ConfigStore) *Server {
	return &Server{
		engine:  engine,
		tracker: tracker,
		netinfo: netinfo,
		cfg:     cfg,
		started: time.Now(),
	}
}

// NewMux builds the router. updater may be nil when the overlay loop is not
// running (no credentials configured).
func NewMux(s *Server, updater OverlayRunner) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if origins := s.cfg.Get().Web.CORSOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.engine.Alive() {
			writeJSONError(w, http.StatusServiceUnavailable, "player not running")
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/play", s.handlePlay)
		r.Post("/stop", s.handleStop)
		r.Post("/restart", s.handleRestart)
		r.Post("/reset-retry", s.handleResetRetry)
		r.Get("/screenshot", s.handleScreenshot)
		r.Get("/config", s.handleGetConfig)
		r.Post("/config/plan", s.handlePlanConfig)
		r.Get("/service-types", s.handleServiceTypes)
		r.Post("/test-connection", s.handleTestConnection)

		r.Get("/overlay", s.overlayHandler(updater))
		r.Post("/overlay", s.handleSetOverlayText)
		r.Delete("/overlay", s.handleClearOverlayText)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	net, _ := s.netinfo.Info(r.Context())
	now := time.Now()
	writeJSON(w, types.StatusResponse{
		Media:           s.engine.Status(),
		Live:            s.tracker.CachedStatus(),
		Network:         net,
		OverlayEnabled:  s.cfg.Get().Overlay.Enabled,
		CredentialError: s.tracker.CredentialError(),
		UptimeSeconds:   int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix:  now.Unix(),
	})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req types.PlayRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		url = s.cfg.Get().Stream.URL
	}
	if url == "" {
		writeJSONError(w, http.StatusBadRequest, "no stream URL configured")
		return
	}
	if !config.StreamURLSupported(url) {
		writeJSONError(w, http.StatusBadRequest, "unsupported stream URL")
		return
	}
	if err := s.engine.LoadStream(url); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "playing", "url": url})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.StopStream(); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "stopped"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Restart(r.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "restarted"})
}

func (s *Server) handleResetRetry(w http.ResponseWriter, _ *http.Request) {
	s.engine.ResetStreamRetry()
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, _ *http.Request) {
	data, err := s.engine.Screenshot()
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, config.Redacted(s.cfg.Get()))
}

// handlePlanConfig updates scheduling-API credentials and selection, then
// resets the tracker so the new credentials take effect immediately.
func (s *Server) handlePlanConfig(w http.ResponseWriter, r *http.Request) {
	var req config.PlanConfig
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.cfg.Update(func(c *config.Config) {
		if req.AppID != "" {
			c.Plan.AppID = req.AppID
		}
		if req.Secret != "" {
			c.Plan.Secret = req.Secret
		}
		if req.ServiceTypeID != "" {
			c.Plan.ServiceTypeID = req.ServiceTypeID
		}
		if req.FolderID != "" {
			c.Plan.FolderID = req.FolderID
		}
		if req.SearchMode != "" {
			c.Plan.SearchMode = req.SearchMode
		}
		if req.PollInterval != 0 {
			c.Plan.PollInterval = req.PollInterval
		}
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cur := s.cfg.Get().Plan
	s.tracker.UpdateCredentials(cur.AppID, cur.Secret, cur.ServiceTypeID, cur.FolderID, cur.SearchMode)
	if zlog != nil {
		zlog.Info().Str("search_mode", cur.SearchMode).Msg("plan credentials updated")
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleServiceTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"service_types": s.tracker.ServiceTypes(r.Context())})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.tracker.TestConnection(r.Context()))
}

func (s *Server) overlayHandler(updater OverlayRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		text := s.overlayText
		s.mu.Unlock()
		running := updater != nil && updater.Running()
		writeJSON(w, types.OverlayResponse{
			Enabled: s.cfg.Get().Overlay.Enabled,
			Running: running,
			Text:    text,
		})
	}
}

func (s *Server) handleSetOverlayText(w http.ResponseWriter, r *http.Request) {
	var req types.OverlayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	ass := overlay.RenderMessage(text, s.cfg.Get().Overlay)
	if err := s.engine.SetOverlay(overlay.MessageOverlayID, ass); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.mu.Lock()
	s.overlayText = text
	s.mu.Unlock()
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleClearOverlayText(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.RemoveOverlay(overlay.MessageOverlayID); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.mu.Lock()
	s.overlayText = ""
	s.mu.Unlock()
	writeJSON(w, map[string]string{"status": "ok"})
}
