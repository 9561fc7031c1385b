package registry

import (
	"sync/atomic"
	"time"

	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/google/uuid"
)

// Transport carries envelopes to one box. Close must be safe to call more than
// once and from any goroutine.
type Transport interface {
	Send(env models.Envelope) error
	Close(reason string) error
}

// Connection is one authenticated box session held by the registry.
type Connection struct {
	ID          string
	BoxID       string
	CustomerID  string
	HardwareID  string
	KeyID       string
	ConnectedAt time.Time

	lastHeartbeat atomic.Int64
	transport     Transport
}

// NewConnection wraps transport for an authenticated box.
func NewConnection(box models.Box, keyID string, transport Transport) *Connection {
	now := time.Now()
	c := &Connection{
		ID:          uuid.NewString(),
		BoxID:       box.ID,
		CustomerID:  box.CustomerID,
		HardwareID:  box.HardwareID,
		KeyID:       keyID,
		ConnectedAt: now,
		transport:   transport,
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// Send encodes payload as msgType and writes it to the box.
func (c *Connection) Send(msgType string, payload any) error {
	env, err := models.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.transport.Send(env)
}

// Close closes the underlying transport.
func (c *Connection) Close(reason string) error {
	return c.transport.Close(reason)
}

// TouchHeartbeat records liveness seen from the box.
func (c *Connection) TouchHeartbeat(t time.Time) {
	c.lastHeartbeat.Store(t.UnixNano())
}

// LastHeartbeat returns when the box last proved it was alive.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}
