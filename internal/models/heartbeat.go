package models

// Heartbeat is a liveness check. Either side may send it; the other answers with
// a HeartbeatAck carrying the same timestamp.
type Heartbeat struct {
	Timestamp int64 `json:"ts"` // Unix milliseconds at the sender
}

// HeartbeatAck echoes the heartbeat timestamp back.
type HeartbeatAck struct {
	Timestamp int64 `json:"ts"`
}
