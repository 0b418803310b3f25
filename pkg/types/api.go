package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// PlayRequest is the body of POST /api/play. An empty URL means "play the
// configured primary stream".
type PlayRequest struct {
	URL string `json:"url,omitempty"`
}

// OverlayRequest is the body of POST /api/overlay.
type OverlayRequest struct {
	Text string `json:"text"`
}

// OverlayResponse is returned by GET /api/overlay.
type OverlayResponse struct {
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	Text    string `json:"text,omitempty"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Media           MediaStatus `json:"media"`
	Live            LiveStatus  `json:"live"`
	Network         NetworkInfo `json:"network"`
	OverlayEnabled  bool        `json:"overlay_enabled"`
	CredentialError string      `json:"credential_error,omitempty"`
	UptimeSeconds   int64       `json:"uptime_seconds"`
	ServerTimeUnix  int64       `json:"server_time_unix"`
}

// ConnectionTestResult is returned by POST /api/test-connection.
type ConnectionTestResult struct {
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	ServiceTypes []ServiceType `json:"service_types,omitempty"`
}
