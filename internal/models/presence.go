package models

import "time"

// PresenceEvent is published when a box connects to or leaves the relay.
type PresenceEvent struct {
	BoxID      string    `json:"box_id"`
	CustomerID string    `json:"customer_id"`
	Status     string    `json:"status"`           // online or offline
	Reason     string    `json:"reason,omitempty"` // Close reason for offline events
	Timestamp  time.Time `json:"timestamp"`
}
