package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"decoderd/internal/config"
	"decoderd/internal/httpapi"
	"decoderd/internal/live"
	"decoderd/internal/netinfo"
	"decoderd/internal/overlay"
	"decoderd/internal/player"
)

var version = "dev"

func main() {
	defaultConfig := "/etc/decoderd/config.toml"
	if v := os.Getenv("DECODERD_CONFIG"); v != "" {
		defaultConfig = v
	}
	defaultAddr := ""
	if v := os.Getenv("DECODERD_ADDR"); v != "" {
		defaultAddr = v
	}
	configPath := flag.String("config", defaultConfig, "Path to config file (.toml, .yaml or .json)")
	addr := flag.String("addr", defaultAddr, "HTTP listen address; overrides the configured web port")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	store := config.NewStore(cfg, *configPath)

	net := netinfo.NewCached(netinfo.NmcliProvider{}, 10*time.Second)
	engine := player.New(cfg, version, net, log.With().Str("component", "player").Logger())
	tracker := live.NewTracker(cfg.Plan, log.With().Str("component", "live").Logger())
	updater := overlay.NewUpdater(engine, tracker, store.Get,
		log.With().Str("component", "overlay").Logger())

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start player")
	}
	if cfg.Plan.AppID != "" && cfg.Plan.Secret != "" {
		updater.Start()
	} else {
		log.Warn().Msg("no scheduling credentials configured, overlay loop not started")
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	server := httpapi.NewServer(engine, tracker, net, store)
	listen := *addr
	if listen == "" {
		listen = fmt.Sprintf(":%d", cfg.Web.Port)
	}
	srv := &http.Server{Addr: listen, Handler: httpapi.NewMux(server, updater)}

	go func() {
		log.Info().Str("addr", listen).Str("version", version).Msg("decoderd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	updater.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("player shutdown error")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
}
