package config

// Config holds all runtime parameters for the appliance daemon, grouped by
// section the way the on-disk TOML is laid out. Zero values are replaced by
// section defaults during Load; Validate clamps out-of-range values in place
// rather than rejecting the file.
type Config struct {
	General GeneralConfig `json:"general" yaml:"general" toml:"general"`
	Stream  StreamConfig  `json:"stream" yaml:"stream" toml:"stream"`
	Overlay OverlayConfig `json:"overlay" yaml:"overlay" toml:"overlay"`
	Plan    PlanConfig    `json:"plan" yaml:"plan" toml:"plan"`
	Web     WebConfig     `json:"web" yaml:"web" toml:"web"`
	Network NetworkConfig `json:"network" yaml:"network" toml:"network"`
}

// GeneralConfig names the appliance; the name shows up on the idle screen.
type GeneralConfig struct {
	Name string `json:"name" yaml:"name" toml:"name"`
}

// StreamConfig describes the stream target.
type StreamConfig struct {
	URL string `json:"url" yaml:"url" toml:"url"`
	// BackupURL is the failover target, switched to after repeated stalls.
	BackupURL string `json:"backup_url" yaml:"backup_url" toml:"backup_url"`
	// NetworkCaching is the demuxer cache budget in milliseconds.
	NetworkCaching int    `json:"network_caching" yaml:"network_caching" toml:"network_caching"`
	Hwdec          string `json:"hwdec" yaml:"hwdec" toml:"hwdec"`
	// MaxResolution caps the selected stream variant: "best" or a height.
	MaxResolution string `json:"max_resolution" yaml:"max_resolution" toml:"max_resolution"`
}

// OverlayConfig controls the live-status overlay layout and timing.
type OverlayConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Position        string  `json:"position" yaml:"position" toml:"position"`
	FontSize        int     `json:"font_size" yaml:"font_size" toml:"font_size"`
	FontSizeTitle   int     `json:"font_size_title" yaml:"font_size_title" toml:"font_size_title"`
	FontSizeInfo    int     `json:"font_size_info" yaml:"font_size_info" toml:"font_size_info"`
	Transparency    float64 `json:"transparency" yaml:"transparency" toml:"transparency"`
	TimerMode       string  `json:"timer_mode" yaml:"timer_mode" toml:"timer_mode"`
	ShowDescription bool    `json:"show_description" yaml:"show_description" toml:"show_description"`
	ShowServiceEnd  bool    `json:"show_service_end" yaml:"show_service_end" toml:"show_service_end"`
	Timezone        string  `json:"timezone" yaml:"timezone" toml:"timezone"`
}

// PlanConfig holds scheduling-API credentials and plan selection mode.
type PlanConfig struct {
	AppID         string `json:"app_id" yaml:"app_id" toml:"app_id"`
	Secret        string `json:"secret" yaml:"secret" toml:"secret"`
	ServiceTypeID string `json:"service_type_id" yaml:"service_type_id" toml:"service_type_id"`
	FolderID      string `json:"folder_id" yaml:"folder_id" toml:"folder_id"`
	// SearchMode is "service_type" (one fixed id) or "folder" (resolve ids
	// from the folder).
	SearchMode   string `json:"search_mode" yaml:"search_mode" toml:"search_mode"`
	PollInterval int    `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
}

// WebConfig configures the operator HTTP API.
type WebConfig struct {
	Port        int      `json:"port" yaml:"port" toml:"port"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// NetworkConfig carries the hotspot credentials shown on the idle screen.
// Actual network management lives outside this process.
type NetworkConfig struct {
	HotspotSSID     string `json:"hotspot_ssid" yaml:"hotspot_ssid" toml:"hotspot_ssid"`
	HotspotPassword string `json:"hotspot_password" yaml:"hotspot_password" toml:"hotspot_password"`
}

// Default returns a Config populated with section defaults.
func Default() Config {
	return Config{
		General: GeneralConfig{Name: "Decoder"},
		Stream: StreamConfig{
			NetworkCaching: 2000,
			Hwdec:          "auto",
			MaxResolution:  "1080",
		},
		Overlay: OverlayConfig{
			Position:       "bottom-right",
			FontSize:       96,
			FontSizeTitle:  38,
			FontSizeInfo:   32,
			Transparency:   0.7,
			TimerMode:      "service",
			ShowServiceEnd: true,
			Timezone:       "UTC",
		},
		Plan: PlanConfig{
			SearchMode:   "service_type",
			PollInterval: 5,
		},
		Web: WebConfig{Port: 80},
		Network: NetworkConfig{
			HotspotSSID:     "Decoder",
			HotspotPassword: "decodersetup",
		},
	}
}
