package player

import (
	"fmt"
	"os"
	"strings"
	"time"

	"decoderd/pkg/types"
)

// buildIdleOverlay renders the multi-line ASS informational overlay shown
// while no stream is playing: name/version, network summary, web UI address,
// stream retry countdown, and hotspot credentials when the hotspot is up.
func (e *Engine) buildIdleOverlay(net types.NetworkInfo) string {
	head := `{\an7\fs22\b1\1c&HFFFFFF&\3c&H000000&\bord2}`
	body := `{\fs16\b0}`
	sep := `{\fs14}` + strings.Repeat("─", 28)
	accent := `{\fs16\1c&H00BFFF&}` // orange, BGR

	var lines []string
	lines = append(lines, fmt.Sprintf("%s%s v%s", head, e.name, e.ver))
	lines = append(lines, sep)

	switch net.ConnectionType {
	case "ethernet":
		lines = append(lines, body+"Network: Ethernet")
	case "wifi":
		sig := ""
		if net.Signal > 0 {
			sig = fmt.Sprintf(" %d%%", net.Signal)
		}
		lines = append(lines, fmt.Sprintf("%sNetwork: WiFi (%s)%s", body, net.SSID, sig))
	case "hotspot":
		lines = append(lines, accent+"Network: Hotspot")
	default:
		lines = append(lines, body+"Network: Not connected")
	}

	if net.IP != "" {
		lines = append(lines, body+"IP: "+net.IP)
		lines = append(lines, body+"Web UI: http://"+net.IP)
		if host, err := os.Hostname(); err == nil {
			lines = append(lines, body+"        http://"+host+".local")
		}
	} else {
		lines = append(lines, body+"IP: No network")
	}

	if e.cfg.Stream.URL == "" {
		lines = append(lines, body+"Stream: No URL configured")
	} else {
		e.retry.mu.Lock()
		lastAttempt := e.retry.lastAttempt
		backoff := e.retry.backoff
		e.retry.mu.Unlock()
		if !lastAttempt.IsZero() {
			until := backoff - time.Since(lastAttempt)
			if until > 0 {
				lines = append(lines, fmt.Sprintf("%sStream: Retrying in %ds...", body, int(until.Seconds())))
			} else {
				lines = append(lines, body+"Stream: Connecting...")
			}
		} else {
			lines = append(lines, body+"Stream: Connecting...")
		}
	}

	if net.HotspotActive {
		lines = append(lines, "")
		lines = append(lines, accent+"WiFi Setup:")
		lines = append(lines, accent+"  Network: "+e.cfg.Network.HotspotSSID)
		lines = append(lines, accent+"  Password: "+e.cfg.Network.HotspotPassword)
	}

	return strings.Join(lines, `\N`)
}
