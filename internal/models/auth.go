package models

// AuthRequest is the first message a box sends after opening its connection.
type AuthRequest struct {
	APIKey       string `json:"apiKey"`
	HardwareID   string `json:"hardwareId"`
	AgentVersion string `json:"agentVersion,omitempty"` // Optional, checked against relay.min_agent_version
}

// AuthResponse answers an AuthRequest. Reason is set only when OK is false.
type AuthResponse struct {
	OK     bool   `json:"ok"`
	BoxID  string `json:"boxId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AuthResult is what the authenticator hands back on success.
type AuthResult struct {
	Box   Box
	KeyID string
}
