package models

// RegistryStats are derived from the live connection set on every call.
type RegistryStats struct {
	TotalConnections int `json:"total_connections"`
	Customers        int `json:"customers"`
	Boxes            int `json:"boxes"`
	PendingRequests  int `json:"pending_requests"`
}

// StorageHealth is the result of probing the storage collaborator.
type StorageHealth struct {
	OK     bool   `json:"ok"`
	Driver string `json:"driver"`
	Error  string `json:"error,omitempty"`
}

// RelayStatus is served at /status and printed by the status command.
type RelayStatus struct {
	Running      bool           `json:"running"`
	Host         string         `json:"host,omitempty"`
	Port         int            `json:"port"`
	TLS          bool           `json:"tls"`
	PendingAuth  int            `json:"pending_auth"`
	Stats        RegistryStats  `json:"stats"`
	Storage      StorageHealth  `json:"storage"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	UptimeSecond int64          `json:"uptime_seconds"`
}
