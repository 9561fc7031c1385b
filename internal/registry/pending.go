package registry

import (
	"context"
	"errors"
	"time"

	"github.com/benmeehan/boxrelay/internal/models"
)

// Outcome is the single completion of a pending request. Exactly one of
// Response and Err is set.
type Outcome struct {
	Response *models.CommandResponse
	Err      error
}

// Pending is the handle returned by CreatePending.
type Pending struct {
	CorrelationID string
	BoxID         string
	ConnectionID  string
	CreatedAt     time.Time
	Timeout       time.Duration

	done  chan Outcome
	timer *time.Timer
}

func newPending(correlationID string, conn *Connection, timeout time.Duration) *Pending {
	return &Pending{
		CorrelationID: correlationID,
		BoxID:         conn.BoxID,
		ConnectionID:  conn.ID,
		CreatedAt:     time.Now(),
		Timeout:       timeout,
		done:          make(chan Outcome, 1),
	}
}

// Done is closed over by callers that want to select on completion themselves.
func (p *Pending) Done() <-chan Outcome {
	return p.done
}

// Wait blocks until the request completes or ctx ends. When ctx ends first the
// entry is removed with cancelled (or timeout for a deadline) and that outcome
// is returned. A completion that races the cancel wins.
func (r *Registry) Wait(ctx context.Context, p *Pending) Outcome {
	select {
	case out := <-p.done:
		return out
	case <-ctx.Done():
		cause := models.ErrCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = models.ErrTimeout
		}
		r.Reject(p.CorrelationID, cause)
		return <-p.done
	}
}

// settleLocked removes p from every index, stops its timer and delivers out.
// It returns false when p is no longer the live entry for its id. r.mu must be held.
func (r *Registry) settleLocked(p *Pending, out Outcome) bool {
	if cur, ok := r.pending[p.CorrelationID]; !ok || cur != p {
		return false
	}
	delete(r.pending, p.CorrelationID)
	if byConn := r.pendingByConn[p.ConnectionID]; byConn != nil {
		delete(byConn, p.CorrelationID)
		if len(byConn) == 0 {
			delete(r.pendingByConn, p.ConnectionID)
		}
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
	return true
}

// rejectConnectionLocked fails every request still waiting on conn.
func (r *Registry) rejectConnectionLocked(conn *Connection) int {
	byConn := r.pendingByConn[conn.ID]
	n := 0
	for _, p := range byConn {
		if r.settleLocked(p, Outcome{Err: models.ErrConnectionLost}) {
			n++
		}
	}
	return n
}
