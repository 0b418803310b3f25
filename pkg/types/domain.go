package types

import "time"

// MediaStatus is an ephemeral snapshot of the player, assembled per request
// from IPC property reads. Zero values mean "unknown" when Alive is false.
type MediaStatus struct {
	Alive         bool    `json:"alive"`
	Paused        bool    `json:"paused"`
	Idle          bool    `json:"idle"`
	Playing       bool    `json:"playing"`
	StreamURL     string  `json:"stream_url"`
	HwdecCurrent  string  `json:"hwdec_current,omitempty"`
	FPS           float64 `json:"fps,omitempty"`
	DroppedFrames int64   `json:"dropped_frames,omitempty"`
	DecoderDrops  int64   `json:"decoder_drops,omitempty"`
	Resolution    string  `json:"resolution,omitempty"`
	UsingBackup   bool    `json:"using_backup"`
}

// LiveStatus is an immutable snapshot of the tracked remote plan. It is
// cached between polls; consumers must not mutate it.
type LiveStatus struct {
	IsLive               bool       `json:"is_live"`
	Finished             bool       `json:"finished"`
	PlanTitle            string     `json:"plan_title"`
	ItemTitle            string     `json:"item_title"`
	ItemDescription      string     `json:"item_description"`
	ItemEndTime          *time.Time `json:"item_end_time,omitempty"`
	ServiceEndTime       *time.Time `json:"service_end_time,omitempty"`
	RemainingItemsLength float64    `json:"remaining_items_length"`
	Message              string     `json:"message"`
	NextItemTitle        string     `json:"next_item_title"`
	PlanIndex            int        `json:"plan_index"`
	PlanLength           int        `json:"plan_length"`
	PlannedServiceEnd    *time.Time `json:"planned_service_end,omitempty"`
}

// NetworkInfo is the read-only summary consumed by the idle overlay and the
// health loop's connectivity-change detection.
type NetworkInfo struct {
	// ConnectionType is one of "ethernet", "wifi", "hotspot", "none".
	ConnectionType string `json:"connection_type"`
	IP             string `json:"ip"`
	SSID           string `json:"ssid"`
	Signal         int    `json:"signal"`
	HotspotActive  bool   `json:"hotspot_active"`
}

// ServiceType describes one remote service type, as returned by the
// connection test.
type ServiceType struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Frequency string `json:"frequency"`
}
