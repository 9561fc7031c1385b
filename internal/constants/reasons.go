package constants

// Auth failure reasons. Terminal for the connection attempt.
const (
	ReasonInvalidKey         = "invalid_key"
	ReasonRevoked            = "revoked"
	ReasonInactiveBox        = "inactive_box"
	ReasonHardwareMismatch   = "hardware_mismatch"
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonCapacityExceeded   = "capacity_exceeded"
)

// Connection reasons. All of them end in unregister.
const (
	ReasonAuthTimeout      = "auth_timeout"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonTransportClosed  = "transport_closed"
	ReasonShutdown         = "shutdown"
	ReasonSuperseded       = "superseded"
)

// Command reasons returned to callers of the executor.
const (
	ReasonBoxOffline     = "box_offline"
	ReasonTimeout        = "timeout"
	ReasonConnectionLost = "connection_lost"
	ReasonBoxError       = "box_error"
	ReasonInvalidArgs    = "invalid_args"
	ReasonCancelled      = "cancelled"
	ReasonInternalError  = "internal_error"
)
