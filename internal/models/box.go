package models

import "time"

// Box is the persisted identity of a remote agent machine.
type Box struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Name       string    `json:"name,omitempty"`
	HardwareID string    `json:"hardware_id,omitempty"` // Empty until the first successful auth binds it
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// BoxAPIKey is a hashed credential bound to a box. The plaintext secret is
// never stored.
type BoxAPIKey struct {
	ID        string     `json:"id"`
	BoxID     string     `json:"box_id"`
	Prefix    string     `json:"prefix"`
	Hash      string     `json:"-"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// IssuedKey is returned once when a key is created. Secret is not recoverable later.
type IssuedKey struct {
	Key    BoxAPIKey `json:"key"`
	Secret string    `json:"secret"`
}
