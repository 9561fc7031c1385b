package constants

import "time"

const (
	DefaultHost                     = "0.0.0.0"
	DefaultPort                     = 8765
	DefaultPath                     = "/ws"
	DefaultHeartbeatInterval        = 30 * time.Second
	DefaultHeartbeatMissedThreshold = 3
	DefaultAuthTimeout              = 10 * time.Second
	DefaultMaxConnectionsPerCust    = 10
	DefaultShutdownTimeout          = 5 * time.Second
	DefaultMaxMessageBytes          = 8 << 20 // 8MB
	DefaultWriteTimeout             = 10 * time.Second
	DefaultStatsInterval            = 60 * time.Second

	DefaultAuditWorkers   = 2
	DefaultAuditQueueSize = 256

	DefaultPresenceTopic = "boxrelay/presence"
)

// Connection states of a box session. Transitions only move forward.
const (
	StateConnecting    int32 = iota // transport accepted, nothing read yet
	StateAuthPending                // waiting for an AuthRequest
	StateAuthenticated              // registered and heartbeating
	StateClosing                    // unregistering and closing the socket
	StateClosed
)

// StateName returns a printable name for a session state.
func StateName(state int32) string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateAuthPending:
		return "auth_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Wire message types
const (
	MessageAuth            = "auth"
	MessageAuthResponse    = "auth_response"
	MessageHeartbeat       = "heartbeat"
	MessageHeartbeatAck    = "heartbeat_ack"
	MessageCommand         = "command"
	MessageCommandResponse = "command_response"
	MessageError           = "error"
	MessageCancel          = "cancel"
	MessageShutdown        = "shutdown"
)

// Presence statuses published by the presence service
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)
