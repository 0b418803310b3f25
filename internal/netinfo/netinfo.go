// Package netinfo reports connectivity facts for the idle screen and the
// status API. It observes only; configuring the network is someone else's
// job.
package netinfo

import (
	"context"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"decoderd/pkg/types"
)

// Provider yields a connectivity snapshot.
type Provider interface {
	Info(ctx context.Context) (types.NetworkInfo, error)
}

const nmcliTimeout = 3 * time.Second

// NmcliProvider shells out to nmcli. Best effort: every failure degrades to
// a partial snapshot rather than an error.
type NmcliProvider struct{}

func (NmcliProvider) Info(ctx context.Context) (types.NetworkInfo, error) {
	info := types.NetworkInfo{ConnectionType: "none"}

	out, err := runNmcli(ctx, "-t", "-f", "DEVICE,TYPE,STATE,CONNECTION", "device")
	if err == nil {
		var ethDev, wifiDev, wifiConn string
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			parts := strings.SplitN(line, ":", 4)
			if len(parts) < 4 || parts[2] != "connected" {
				continue
			}
			switch parts[1] {
			case "ethernet":
				if ethDev == "" {
					ethDev = parts[0]
				}
			case "wifi":
				if wifiDev == "" {
					wifiDev, wifiConn = parts[0], parts[3]
				}
			}
		}
		isHotspot := strings.Contains(strings.ToLower(wifiConn), "hotspot")
		switch {
		case ethDev != "":
			info.ConnectionType = "ethernet"
			info.IP = interfaceIP(ctx, ethDev)
			if wifiDev != "" && isHotspot {
				info.HotspotActive = true
			}
		case wifiDev != "" && isHotspot:
			info.ConnectionType = "hotspot"
			info.HotspotActive = true
			info.SSID = wifiConn
			info.IP = interfaceIP(ctx, wifiDev)
		case wifiDev != "":
			info.ConnectionType = "wifi"
			info.SSID = wifiConn
			info.IP = interfaceIP(ctx, wifiDev)
			info.Signal = wifiSignal(ctx)
		}
	}

	if info.IP == "" {
		if ip := outboundIP(); ip != "" {
			info.IP = ip
			if info.ConnectionType == "none" {
				info.ConnectionType = "unknown"
			}
		}
	}
	return info, nil
}

func runNmcli(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, nmcliTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nmcli", args...).Output()
	return string(out), err
}

// interfaceIP returns the first non-loopback IPv4 nmcli reports for a
// device, without the prefix length.
func interfaceIP(ctx context.Context, dev string) string {
	out, err := runNmcli(ctx, "-g", "IP4.ADDRESS", "device", "show", dev)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "127.") {
			continue
		}
		if i := strings.IndexByte(line, '/'); i >= 0 {
			line = line[:i]
		}
		return line
	}
	return ""
}

func wifiSignal(ctx context.Context) int {
	out, err := runNmcli(ctx, "-t", "-f", "ACTIVE,SIGNAL", "device", "wifi")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if rest, ok := strings.CutPrefix(line, "yes:"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				return n
			}
		}
	}
	return 0
}

// outboundIP finds the local address a UDP socket toward a public resolver
// would use. No packet is sent.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

// Cached wraps a Provider with a TTL so the health loop's 5 s cadence does
// not fork nmcli every tick.
type Cached struct {
	inner Provider
	ttl   time.Duration

	mu            sync.Mutex
	lastValue     types.NetworkInfo
	lastCheckedAt time.Time
}

// NewCached wraps inner with the given TTL.
func NewCached(inner Provider, ttl time.Duration) *Cached {
	return &Cached{inner: inner, ttl: ttl}
}

func (c *Cached) Info(ctx context.Context) (types.NetworkInfo, error) {
	c.mu.Lock()
	if !c.lastCheckedAt.IsZero() && time.Since(c.lastCheckedAt) < c.ttl {
		v := c.lastValue
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := c.inner.Info(ctx)
	if err != nil {
		return v, err
	}
	c.mu.Lock()
	c.lastValue = v
	c.lastCheckedAt = time.Now()
	c.mu.Unlock()
	return v, nil
}

// Static returns a fixed snapshot; handy in development and tests.
type Static struct {
	Value types.NetworkInfo
}

func (s Static) Info(context.Context) (types.NetworkInfo, error) {
	return s.Value, nil
}
