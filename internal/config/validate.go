package config

import (
	"strings"
	"time"
)

var allowedProtocols = []string{
	"rtmp://", "rtmps://", "srt://", "http://", "https://", "rtp://", "udp://",
}

var allowedMaxResolutions = map[string]bool{
	"best": true, "2160": true, "1440": true, "1080": true, "720": true, "480": true,
}

// Validate clamps and repairs all sections in place. Invalid values fall back
// to defaults; nothing is rejected.
func Validate(cfg *Config) {
	validateGeneral(&cfg.General)
	validateStream(&cfg.Stream)
	validateOverlay(&cfg.Overlay)
	validatePlan(&cfg.Plan)
	validateWeb(&cfg.Web)
}

func validateGeneral(g *GeneralConfig) {
	if strings.TrimSpace(g.Name) == "" {
		g.Name = "Decoder"
	}
}

func validateStream(s *StreamConfig) {
	s.NetworkCaching = clampInt(s.NetworkCaching, 200, 30000)
	if s.Hwdec == "" {
		s.Hwdec = "auto"
	}
	if !allowedMaxResolutions[s.MaxResolution] {
		s.MaxResolution = "1080"
	}
}

func validateOverlay(o *OverlayConfig) {
	switch o.Position {
	case "top-left", "top-right", "bottom-left", "bottom-right":
	default:
		o.Position = "bottom-right"
	}
	o.FontSize = clampInt(o.FontSize, 10, 200)
	o.FontSizeTitle = clampInt(o.FontSizeTitle, 10, 200)
	o.FontSizeInfo = clampInt(o.FontSizeInfo, 10, 200)
	if o.Transparency < 0 {
		o.Transparency = 0
	}
	if o.Transparency > 1 {
		o.Transparency = 1
	}
	if o.TimerMode != "service" && o.TimerMode != "item" {
		o.TimerMode = "service"
	}
	if o.Timezone == "" {
		o.Timezone = "UTC"
	} else if _, err := time.LoadLocation(o.Timezone); err != nil {
		o.Timezone = "UTC"
	}
}

func validatePlan(p *PlanConfig) {
	if p.SearchMode != "service_type" && p.SearchMode != "folder" {
		p.SearchMode = "service_type"
	}
	p.PollInterval = clampInt(p.PollInterval, 2, 60)
}

func validateWeb(w *WebConfig) {
	w.Port = clampInt(w.Port, 1, 65535)
}

// StreamURLSupported reports whether url carries one of the protocols the
// player can ingest. Unsupported protocols are logged by the caller, not
// rejected: operators sometimes paste URLs the player handles anyway.
func StreamURLSupported(url string) bool {
	if url == "" {
		return true
	}
	for _, p := range allowedProtocols {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
