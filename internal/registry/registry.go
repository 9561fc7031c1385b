// Package registry tracks live box connections and the commands awaiting a
// reply from them. Every mutation takes the registry lock, so register,
// unregister, createPending and resolve never interleave.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/rs/zerolog"
)

// Observer is notified after a connection enters or leaves the registry.
// Callbacks run outside the registry lock and must not block for long.
type Observer interface {
	OnConnect(conn *Connection)
	OnDisconnect(conn *Connection, reason string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Connect    func(conn *Connection)
	Disconnect func(conn *Connection, reason string)
}

func (o ObserverFuncs) OnConnect(conn *Connection) {
	if o.Connect != nil {
		o.Connect(conn)
	}
}

func (o ObserverFuncs) OnDisconnect(conn *Connection, reason string) {
	if o.Disconnect != nil {
		o.Disconnect(conn, reason)
	}
}

type removal struct {
	conn   *Connection
	reason string
}

// Registry is the directory of reachable boxes and in-flight requests.
type Registry struct {
	mu             sync.Mutex
	byBox          map[string]*Connection
	byCustomer     map[string]map[string]*Connection
	pending        map[string]*Pending
	pendingByConn  map[string]map[string]*Pending
	observers      map[int]Observer
	nextObserverID int
	maxPerCustomer int
	closed         bool
	logger         zerolog.Logger
}

// NewRegistry creates an empty registry. maxPerCustomer <= 0 disables the cap.
func NewRegistry(maxPerCustomer int, logger zerolog.Logger) *Registry {
	return &Registry{
		byBox:          make(map[string]*Connection),
		byCustomer:     make(map[string]map[string]*Connection),
		pending:        make(map[string]*Pending),
		pendingByConn:  make(map[string]map[string]*Pending),
		observers:      make(map[int]Observer),
		maxPerCustomer: maxPerCustomer,
		logger:         logger.With().Str("component", "registry").Logger(),
	}
}

// Subscribe adds an observer and returns a function that removes it.
func (r *Registry) Subscribe(obs Observer) func() {
	r.mu.Lock()
	id := r.nextObserverID
	r.nextObserverID++
	r.observers[id] = obs
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.observers, id)
			r.mu.Unlock()
		})
	}
}

// Register adds conn. A live connection for the same box is superseded and
// closed. When the customer already holds maxPerCustomer connections the new
// one is refused with capacity_exceeded and nothing changes.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return models.NewFailure(constants.ReasonShutdown, "registry is closed")
	}

	existing := r.byBox[conn.BoxID]
	count := len(r.byCustomer[conn.CustomerID])
	if existing != nil && existing.CustomerID == conn.CustomerID {
		count--
	}
	if r.maxPerCustomer > 0 && count >= r.maxPerCustomer {
		r.mu.Unlock()
		r.logger.Warn().Str("customer_id", conn.CustomerID).Str("box_id", conn.BoxID).
			Int("limit", r.maxPerCustomer).Msg("Rejected connection over customer capacity")
		return models.NewFailure(constants.ReasonCapacityExceeded,
			fmt.Sprintf("customer %s already has %d connections", conn.CustomerID, count))
	}

	var removed []removal
	if existing != nil {
		r.removeLocked(existing)
		removed = append(removed, removal{conn: existing, reason: constants.ReasonSuperseded})
	}

	r.byBox[conn.BoxID] = conn
	group := r.byCustomer[conn.CustomerID]
	if group == nil {
		group = make(map[string]*Connection)
		r.byCustomer[conn.CustomerID] = group
	}
	group[conn.BoxID] = conn
	observers := r.observersLocked()
	r.mu.Unlock()

	r.finishRemovals(removed, observers)
	r.logger.Info().Str("box_id", conn.BoxID).Str("customer_id", conn.CustomerID).
		Str("connection_id", conn.ID).Msg("Box connection registered")
	for _, obs := range observers {
		obs.OnConnect(conn)
	}
	return nil
}

// Unregister removes the live connection for boxID, rejecting its pending
// requests with connection_lost before returning. It reports whether a
// connection was removed.
func (r *Registry) Unregister(boxID, reason string) bool {
	r.mu.Lock()
	conn := r.byBox[boxID]
	if conn == nil {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(conn)
	observers := r.observersLocked()
	r.mu.Unlock()

	r.finishRemovals([]removal{{conn: conn, reason: reason}}, observers)
	return true
}

// UnregisterConnection is Unregister for a specific session. It is a no-op when
// conn has already been superseded or removed.
func (r *Registry) UnregisterConnection(conn *Connection, reason string) bool {
	r.mu.Lock()
	if r.byBox[conn.BoxID] != conn {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(conn)
	observers := r.observersLocked()
	r.mu.Unlock()

	r.finishRemovals([]removal{{conn: conn, reason: reason}}, observers)
	return true
}

// FindConnection returns the live connection for boxID, or nil.
func (r *Registry) FindConnection(boxID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byBox[boxID]
}

// IsCurrent reports whether conn is still the live connection for its box.
func (r *Registry) IsCurrent(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byBox[conn.BoxID] == conn
}

// Connections lists live connections, optionally filtered by customer.
func (r *Registry) Connections(customerID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.byBox))
	if customerID != "" {
		for _, c := range r.byCustomer[customerID] {
			out = append(out, c)
		}
		return out
	}
	for _, c := range r.byBox {
		out = append(out, c)
	}
	return out
}

// CreatePending records a request sent over conn. The entry expires with
// timeout after the given duration; timeout <= 0 means no expiry. It fails with
// box_offline if conn is no longer live.
func (r *Registry) CreatePending(correlationID string, conn *Connection, timeout time.Duration) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byBox[conn.BoxID] != conn {
		return nil, models.ErrBoxOffline
	}
	if _, dup := r.pending[correlationID]; dup {
		return nil, fmt.Errorf("correlation id %s is already pending", correlationID)
	}

	p := newPending(correlationID, conn, timeout)
	r.pending[correlationID] = p
	byConn := r.pendingByConn[conn.ID]
	if byConn == nil {
		byConn = make(map[string]*Pending)
		r.pendingByConn[conn.ID] = byConn
	}
	byConn[correlationID] = p

	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			r.mu.Lock()
			expired := r.settleLocked(p, Outcome{Err: models.ErrTimeout})
			r.mu.Unlock()
			if expired {
				r.logger.Warn().Str("correlation_id", correlationID).Str("box_id", p.BoxID).
					Dur("timeout", timeout).Msg("Command timed out")
			}
		})
	}
	return p, nil
}

// Resolve completes the pending entry for resp.CorrelationID. When from is set
// the response must arrive on the connection the request was sent over. Late,
// duplicate and foreign responses are dropped and logged.
func (r *Registry) Resolve(from *Connection, resp models.CommandResponse) bool {
	r.mu.Lock()
	p := r.pending[resp.CorrelationID]
	ok := p != nil && (from == nil || p.ConnectionID == from.ID)
	if ok {
		ok = r.settleLocked(p, Outcome{Response: &resp})
	}
	r.mu.Unlock()

	if !ok {
		ev := r.logger.Warn().Str("correlation_id", resp.CorrelationID)
		if from != nil {
			ev = ev.Str("box_id", from.BoxID)
		}
		ev.Msg("Discarded response with no matching pending request")
	}
	return ok
}

// Reject fails a pending entry with err. It reports whether the entry was live.
func (r *Registry) Reject(correlationID string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending[correlationID]
	if p == nil {
		return false
	}
	return r.settleLocked(p, Outcome{Err: err})
}

// GetStats derives counts from the live maps.
func (r *Registry) GetStats() models.RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	customers := 0
	for _, group := range r.byCustomer {
		if len(group) > 0 {
			customers++
		}
	}
	return models.RegistryStats{
		TotalConnections: len(r.byBox),
		Customers:        customers,
		Boxes:            len(r.byBox),
		PendingRequests:  len(r.pending),
	}
}

// CloseAll removes every connection with reason and refuses further
// registrations. Pending requests fail with connection_lost.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	r.closed = true
	removed := make([]removal, 0, len(r.byBox))
	for _, conn := range r.byBox {
		r.removeLocked(conn)
		removed = append(removed, removal{conn: conn, reason: reason})
	}
	observers := r.observersLocked()
	r.mu.Unlock()

	r.finishRemovals(removed, observers)
	return len(removed)
}

// removeLocked drops conn from both indexes and rejects its pending requests.
func (r *Registry) removeLocked(conn *Connection) {
	delete(r.byBox, conn.BoxID)
	if group := r.byCustomer[conn.CustomerID]; group != nil {
		delete(group, conn.BoxID)
		if len(group) == 0 {
			delete(r.byCustomer, conn.CustomerID)
		}
	}
	if n := r.rejectConnectionLocked(conn); n > 0 {
		r.logger.Warn().Str("box_id", conn.BoxID).Int("pending", n).Msg("Rejected pending commands on disconnect")
	}
}

func (r *Registry) observersLocked() []Observer {
	out := make([]Observer, 0, len(r.observers))
	for _, obs := range r.observers {
		out = append(out, obs)
	}
	return out
}

func (r *Registry) finishRemovals(removed []removal, observers []Observer) {
	for _, rm := range removed {
		if err := rm.conn.Close(rm.reason); err != nil {
			r.logger.Debug().Err(err).Str("box_id", rm.conn.BoxID).Msg("Error closing transport")
		}
		r.logger.Info().Str("box_id", rm.conn.BoxID).Str("connection_id", rm.conn.ID).
			Str("reason", rm.reason).Msg("Box connection unregistered")
		for _, obs := range observers {
			obs.OnDisconnect(rm.conn, rm.reason)
		}
	}
}
