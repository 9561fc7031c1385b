package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	Relay struct {
		Host                      string `yaml:"host"`                         // Listen address
		Port                      int    `yaml:"port"`                         // Listen port
		Path                      string `yaml:"path"`                         // WebSocket upgrade path
		HeartbeatIntervalMs       int    `yaml:"heartbeat_interval_ms"`        // Interval between heartbeats
		HeartbeatMissedThreshold  int    `yaml:"heartbeat_missed_threshold"`   // Consecutive missed acks before the box is dropped
		CommandTimeoutMs          int    `yaml:"command_timeout_ms"`           // Default budget for one command
		AuthTimeoutMs             int    `yaml:"auth_timeout_ms"`              // Time a new connection has to authenticate
		MaxConnectionsPerCustomer int    `yaml:"max_connections_per_customer"` // Live connections allowed per customer
		EnableTLS                 bool   `yaml:"enable_tls"`                   // Serve wss:// using the cert/key below
		TLSCertPath               string `yaml:"tls_cert_path"`                // Path to the PEM certificate
		TLSKeyPath                string `yaml:"tls_key_path"`                 // Path to the PEM private key
		ShutdownTimeoutMs         int    `yaml:"shutdown_timeout_ms"`          // Upper bound on graceful shutdown
		MaxMessageBytes           int64  `yaml:"max_message_bytes"`            // Largest inbound frame accepted
		MinAgentVersion           string `yaml:"min_agent_version"`            // Optional semver floor for agents
	} `yaml:"relay"`

	Storage struct {
		Driver       string `yaml:"driver"`         // memory or sqlite
		SQLitePath   string `yaml:"sqlite_path"`    // Database file for the sqlite driver
		AuditKeyFile string `yaml:"audit_key_file"` // Optional AES key used to encrypt command args
	} `yaml:"storage"`

	Audit struct {
		Workers   int `yaml:"workers"`    // Goroutines writing command logs
		QueueSize int `yaml:"queue_size"` // Buffered records before new ones are dropped
	} `yaml:"audit"`

	Presence struct {
		Enabled       bool   `yaml:"enabled"`        // Publish box online/offline events
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate
		Topic         string `yaml:"topic"`          // Topic prefix, events go to <topic>/<customer>/<box>
		QOS           int    `yaml:"qos"`            // MQTT QoS level for presence messages
	} `yaml:"presence"`

	Stats struct {
		Enabled    bool `yaml:"enabled"`     // Periodically log registry stats
		IntervalMs int  `yaml:"interval_ms"` // Interval between stats lines
	} `yaml:"stats"`

	Logging struct {
		Level  string `yaml:"level"`  // debug, info, warn or error
		Pretty bool   `yaml:"pretty"` // Human readable console output
	} `yaml:"logging"`
}

// LoadConfig loads the YAML configuration from the specified file, fills
// defaults and validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", filename, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	var config Config
	config.ApplyDefaults()
	return &config
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	r := &c.Relay
	if r.Host == "" {
		r.Host = constants.DefaultHost
	}
	if r.Port == 0 {
		r.Port = constants.DefaultPort
	}
	if r.Path == "" {
		r.Path = constants.DefaultPath
	}
	if r.HeartbeatIntervalMs == 0 {
		r.HeartbeatIntervalMs = int(constants.DefaultHeartbeatInterval / time.Millisecond)
	}
	if r.HeartbeatMissedThreshold == 0 {
		r.HeartbeatMissedThreshold = constants.DefaultHeartbeatMissedThreshold
	}
	if r.CommandTimeoutMs == 0 {
		r.CommandTimeoutMs = int(constants.DefaultCommandTimeout / time.Millisecond)
	}
	if r.AuthTimeoutMs == 0 {
		r.AuthTimeoutMs = int(constants.DefaultAuthTimeout / time.Millisecond)
	}
	if r.MaxConnectionsPerCustomer == 0 {
		r.MaxConnectionsPerCustomer = constants.DefaultMaxConnectionsPerCust
	}
	if r.ShutdownTimeoutMs == 0 {
		r.ShutdownTimeoutMs = int(constants.DefaultShutdownTimeout / time.Millisecond)
	}
	if r.MaxMessageBytes == 0 {
		r.MaxMessageBytes = constants.DefaultMaxMessageBytes
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Audit.Workers == 0 {
		c.Audit.Workers = constants.DefaultAuditWorkers
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = constants.DefaultAuditQueueSize
	}
	if c.Presence.Topic == "" {
		c.Presence.Topic = constants.DefaultPresenceTopic
	}
	if c.Presence.ClientID == "" {
		c.Presence.ClientID = "boxrelay"
	}
	if c.Stats.IntervalMs == 0 {
		c.Stats.IntervalMs = int(constants.DefaultStatsInterval / time.Millisecond)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	r := c.Relay
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay.port %d is out of range", r.Port))
	}
	positive := map[string]int{
		"relay.heartbeat_interval_ms":      r.HeartbeatIntervalMs,
		"relay.heartbeat_missed_threshold": r.HeartbeatMissedThreshold,
		"relay.command_timeout_ms":         r.CommandTimeoutMs,
		"relay.auth_timeout_ms":            r.AuthTimeoutMs,
		"relay.shutdown_timeout_ms":        r.ShutdownTimeoutMs,
		"audit.workers":                    c.Audit.Workers,
		"audit.queue_size":                 c.Audit.QueueSize,
		"stats.interval_ms":                c.Stats.IntervalMs,
	}
	for _, key := range SortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if r.MaxConnectionsPerCustomer < 0 {
		errs = append(errs, errors.New("relay.max_connections_per_customer must not be negative"))
	}
	if r.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("relay.max_message_bytes must be positive"))
	}
	if r.EnableTLS && (r.TLSCertPath == "" || r.TLSKeyPath == "") {
		errs = append(errs, errors.New("relay.enable_tls requires tls_cert_path and tls_key_path"))
	}
	if r.MinAgentVersion != "" {
		if _, err := semver.NewVersion(r.MinAgentVersion); err != nil {
			errs = append(errs, fmt.Errorf("relay.min_agent_version: %w", err))
		}
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if c.Presence.Enabled && c.Presence.Broker == "" {
		errs = append(errs, errors.New("presence.broker is required when presence is enabled"))
	}
	if c.Presence.QOS < 0 || c.Presence.QOS > 2 {
		errs = append(errs, fmt.Errorf("presence.qos %d is invalid", c.Presence.QOS))
	}
	return errors.Join(errs...)
}

// Address returns host:port for the listener.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Relay.Host, c.Relay.Port)
}

// Millis converts a millisecond config value to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
