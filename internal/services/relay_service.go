package services

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/metrics_collectors"
	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/benmeehan/boxrelay/internal/registry"
	"github.com/benmeehan/boxrelay/internal/store"
	"github.com/benmeehan/boxrelay/internal/utils"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// BoxAuthenticator is the part of auth.Authenticator the relay calls.
type BoxAuthenticator interface {
	AuthenticateBox(ctx context.Context, apiKey, hardwareID string) (*models.AuthResult, error)
	CheckAgentVersion(version string) error
}

// RelayOptions configures the listener and the per-session state machine.
type RelayOptions struct {
	Host              string
	Port              int
	Path              string
	HeartbeatInterval time.Duration
	MissedThreshold   int
	AuthTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	MaxMessageBytes   int64
	EnableTLS         bool
	TLSCertPath       string
	TLSKeyPath        string
}

// RelayOptionsFromConfig maps the relay section of the config file.
func RelayOptionsFromConfig(cfg *utils.Config) RelayOptions {
	r := cfg.Relay
	return RelayOptions{
		Host:              r.Host,
		Port:              r.Port,
		Path:              r.Path,
		HeartbeatInterval: utils.Millis(r.HeartbeatIntervalMs),
		MissedThreshold:   r.HeartbeatMissedThreshold,
		AuthTimeout:       utils.Millis(r.AuthTimeoutMs),
		WriteTimeout:      constants.DefaultWriteTimeout,
		ShutdownTimeout:   utils.Millis(r.ShutdownTimeoutMs),
		MaxMessageBytes:   r.MaxMessageBytes,
		EnableTLS:         r.EnableTLS,
		TLSCertPath:       r.TLSCertPath,
		TLSKeyPath:        r.TLSKeyPath,
	}
}

func (o *RelayOptions) applyDefaults() {
	if o.Path == "" {
		o.Path = constants.DefaultPath
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if o.MissedThreshold <= 0 {
		o.MissedThreshold = constants.DefaultHeartbeatMissedThreshold
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = constants.DefaultAuthTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = constants.DefaultWriteTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = constants.DefaultMaxMessageBytes
	}
}

// RelayService accepts box websockets, authenticates them and keeps them
// registered while their heartbeats are answered.
type RelayService struct {
	opts     RelayOptions
	auth     BoxAuthenticator
	registry *registry.Registry
	health   store.HealthChecker
	driver   string
	metrics  *metrics_collectors.MetricsRegistry
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	sessions    cmap.ConcurrentMap[string, *session]
	pendingAuth cmap.ConcurrentMap[string, *session]

	mu           sync.Mutex
	server       *http.Server
	listener     net.Listener
	startedAt    time.Time
	shuttingDown bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewRelayService wires the relay. health and metrics may be nil.
func NewRelayService(opts RelayOptions, authenticator BoxAuthenticator, reg *registry.Registry,
	health store.HealthChecker, driver string, metrics *metrics_collectors.MetricsRegistry, logger zerolog.Logger) *RelayService {

	opts.applyDefaults()
	return &RelayService{
		opts:     opts,
		auth:     authenticator,
		registry: reg,
		health:   health,
		driver:   driver,
		metrics:  metrics,
		logger:   logger.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Boxes are not browsers; auth happens in-band.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions:    cmap.New[*session](),
		pendingAuth: cmap.New[*session](),
	}
}

// Handler returns the relay's HTTP routes.
func (s *RelayService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start binds the listener and serves in the background. Bind and TLS material
// errors are returned synchronously.
func (s *RelayService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		s.logger.Warn().Msg("RelayService is already running")
		return errors.New("relay service is already running")
	}

	addr := net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	if s.opts.EnableTLS {
		cert, err := tls.LoadX509KeyPair(s.opts.TLSCertPath, s.opts.TLSKeyPath)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.listener = ln
	s.startedAt = time.Now()
	s.shuttingDown = false
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	server := s.server
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Relay server stopped unexpectedly")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", s.opts.EnableTLS).Str("path", s.opts.Path).
		Msg("RelayService started successfully")
	return nil
}

// Addr is the bound listener address, useful when Port is 0.
func (s *RelayService) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop refuses new sockets, notifies and closes open sessions, unregisters
// everything and waits at most ShutdownTimeout for session goroutines.
func (s *RelayService) Stop() error {
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		s.logger.Warn().Msg("RelayService is not running")
		return errors.New("relay service is not running")
	}
	server := s.server
	s.shuttingDown = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Sessions close in parallel. Half the budget goes to notices and close
	// frames, the rest to draining session goroutines.
	deadline := time.Now().Add(s.opts.ShutdownTimeout / 2)
	notice := models.ShutdownNotice{Reason: constants.ReasonShutdown}
	var closing sync.WaitGroup
	for _, sess := range s.sessions.Items() {
		closing.Add(1)
		go func(sess *session) {
			defer closing.Done()
			sess.shutdown(notice, deadline)
		}(sess)
	}
	closing.Wait()
	closed := s.registry.CloseAll(constants.ReasonShutdown)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timed out waiting for %d sessions", s.sessions.Count()))
	}

	s.mu.Lock()
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	s.logger.Info().Int("connections_closed", closed).Msg("RelayService stopped successfully")
	return errors.Join(errs...)
}

// PendingAuthCount is the number of sockets that have not authenticated yet.
func (s *RelayService) PendingAuthCount() int {
	return s.pendingAuth.Count()
}

// Status reports the live relay state.
func (s *RelayService) Status(ctx context.Context) models.RelayStatus {
	s.mu.Lock()
	running := s.server != nil && !s.shuttingDown
	started := s.startedAt
	port := s.opts.Port
	if s.listener != nil {
		if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
	}
	s.mu.Unlock()

	status := models.RelayStatus{
		Running:     running,
		Host:        s.opts.Host,
		Port:        port,
		TLS:         s.opts.EnableTLS,
		PendingAuth: s.PendingAuthCount(),
		Stats:       s.registry.GetStats(),
		Storage:     CheckStorage(ctx, s.health, s.driver),
	}
	if running {
		status.UptimeSecond = int64(time.Since(started).Seconds())
	}
	if s.metrics != nil {
		status.Metrics = s.metrics.CollectAll(ctx)
	}
	return status
}

// CheckStorage checks health with a short timeout.
func CheckStorage(ctx context.Context, health store.HealthChecker, driver string) models.StorageHealth {
	out := models.StorageHealth{Driver: driver}
	if health == nil {
		out.Error = "no storage configured"
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := health.Ping(ctx); err != nil {
		out.Error = err.Error()
		return out
	}
	out.OK = true
	return out
}

func (s *RelayService) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status(r.Context())); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write status response")
	}
}

// track registers a handler goroutine unless shutdown has begun.
func (s *RelayService) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown || s.ctx == nil {
		return false
	}
	s.wg.Add(1)
	s.sessions.Set(sess.id, sess)
	return true
}

func (s *RelayService) untrack(sess *session) {
	s.sessions.Remove(sess.id)
	s.pendingAuth.Remove(sess.id)
	s.wg.Done()
}

func (s *RelayService) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	sess := newSession(ws, r.RemoteAddr, s.opts.WriteTimeout, s.logger)
	if !s.track(sess) {
		_ = sess.Close(constants.ReasonShutdown)
		return
	}
	defer s.untrack(sess)

	s.serveSession(sess)
}

func (s *RelayService) serveSession(sess *session) {
	sess.ws.SetReadLimit(s.opts.MaxMessageBytes)
	sess.transition(constants.StateAuthPending)
	s.pendingAuth.Set(sess.id, sess)

	conn := s.authenticate(sess)
	s.pendingAuth.Remove(sess.id)
	if conn == nil {
		return
	}

	log := boxLogger(sess, conn)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeatLoop(sess, conn, log)
	}()

	reason := s.readLoop(sess, conn, log)
	s.registry.UnregisterConnection(conn, reason)
	_ = sess.Close(reason)
	<-hbDone
}

// authenticate waits up to AuthTimeout for an AuthRequest. It returns the
// registered connection, or nil after closing the session.
func (s *RelayService) authenticate(sess *session) *registry.Connection {
	deadline := time.Now().Add(s.opts.AuthTimeout)
	_ = sess.ws.SetReadDeadline(deadline)

	for {
		env, err := sess.read()
		if err != nil {
			var malformed *malformedFrameError
			if errors.As(err, &malformed) {
				sess.logger.Debug().Err(err).Msg("Dropped malformed frame before auth")
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				sess.logger.Warn().Str("reason", constants.ReasonAuthTimeout).Msg("Box did not authenticate in time")
				_ = sess.Close(constants.ReasonAuthTimeout)
				return nil
			}
			sess.logger.Debug().Err(err).Msg("Transport closed before auth")
			_ = sess.Close(constants.ReasonTransportClosed)
			return nil
		}
		if env.Type != constants.MessageAuth {
			sess.logger.Debug().Str("type", env.Type).Msg("Dropped message before auth")
			continue
		}

		var req models.AuthRequest
		if err := env.DecodePayload(&req); err != nil {
			s.rejectAuth(sess, models.ErrInvalidKey)
			return nil
		}
		ctx, cancel := context.WithDeadline(s.ctx, deadline)
		result, err := s.auth.AuthenticateBox(ctx, req.APIKey, req.HardwareID)
		cancel()
		if err == nil {
			err = s.auth.CheckAgentVersion(req.AgentVersion)
		}
		if err != nil {
			s.rejectAuth(sess, err)
			return nil
		}
		return s.admit(sess, result)
	}
}

// admit registers the box and sends auth_response(ok) under the session write
// lock, so no command can reach the box before its auth response.
func (s *RelayService) admit(sess *session, result *models.AuthResult) *registry.Connection {
	conn := registry.NewConnection(result.Box, result.KeyID, sess)
	log := boxLogger(sess, conn)

	sess.writeMu.Lock()
	if err := s.registry.Register(conn); err != nil {
		sess.writeMu.Unlock()
		s.rejectAuth(sess, err)
		return nil
	}
	sess.transition(constants.StateAuthenticated)
	err := sess.sendLocked(constants.MessageAuthResponse, models.AuthResponse{OK: true, BoxID: conn.BoxID})
	sess.writeMu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("Failed to send auth response")
		s.registry.UnregisterConnection(conn, constants.ReasonTransportClosed)
		_ = sess.Close(constants.ReasonTransportClosed)
		return nil
	}

	_ = sess.ws.SetReadDeadline(time.Time{})
	log.Info().Msg("Box authenticated")
	return conn
}

// boxLogger scopes the session logger to an authenticated box.
func boxLogger(sess *session, conn *registry.Connection) zerolog.Logger {
	return sess.logger.With().Str("box_id", conn.BoxID).Str("customer_id", conn.CustomerID).
		Str("connection_id", conn.ID).Logger()
}

func (s *RelayService) rejectAuth(sess *session, err error) {
	reason := models.ReasonOf(err)
	sess.logger.Warn().Str("reason", reason).Msg("Box authentication failed")
	if sendErr := sess.send(constants.MessageAuthResponse, models.AuthResponse{OK: false, Reason: reason}); sendErr != nil {
		sess.logger.Debug().Err(sendErr).Msg("Failed to send auth failure")
	}
	_ = sess.Close(reason)
}

// heartbeatLoop pings the box every interval. The first heartbeat goes out
// immediately; each tick that finds the previous heartbeat unanswered counts as a
// miss and MissedThreshold consecutive misses drop the box.
func (s *RelayService) heartbeatLoop(sess *session, conn *registry.Connection, log zerolog.Logger) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	s.sendHeartbeat(sess, log)
	for {
		select {
		case <-ticker.C:
			if sess.awaitingAck.Load() {
				missed := sess.missed.Add(1)
				log.Debug().Int32("missed", missed).Msg("Heartbeat ack missing")
				if int(missed) >= s.opts.MissedThreshold {
					log.Warn().Str("reason", constants.ReasonHeartbeatTimeout).Int32("missed", missed).
						Msg("Dropping box after missed heartbeats")
					s.registry.UnregisterConnection(conn, constants.ReasonHeartbeatTimeout)
					_ = sess.Close(constants.ReasonHeartbeatTimeout)
					return
				}
			}
			s.sendHeartbeat(sess, log)
		case <-sess.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelayService) sendHeartbeat(sess *session, log zerolog.Logger) {
	sess.awaitingAck.Store(true)
	if err := sess.send(constants.MessageHeartbeat, models.Heartbeat{Timestamp: time.Now().UnixMilli()}); err != nil {
		log.Debug().Err(err).Msg("Failed to send heartbeat")
	}
}

// readLoop dispatches frames until the transport fails and returns the close reason.
func (s *RelayService) readLoop(sess *session, conn *registry.Connection, log zerolog.Logger) string {
	for {
		env, err := sess.read()
		if err != nil {
			var malformed *malformedFrameError
			if errors.As(err, &malformed) {
				log.Warn().Err(err).Msg("Dropped malformed frame")
				continue
			}
			if reason := sess.CloseReason(); reason != "" {
				return reason
			}
			log.Info().Err(err).Msg("Box transport closed")
			return constants.ReasonTransportClosed
		}
		s.dispatch(sess, conn, log, env)
	}
}

func (s *RelayService) dispatch(sess *session, conn *registry.Connection, log zerolog.Logger, env models.Envelope) {
	switch env.Type {
	case constants.MessageHeartbeatAck:
		sess.awaitingAck.Store(false)
		sess.missed.Store(0)
		conn.TouchHeartbeat(time.Now())

	case constants.MessageHeartbeat:
		var hb models.Heartbeat
		_ = env.DecodePayload(&hb)
		sess.awaitingAck.Store(false)
		sess.missed.Store(0)
		conn.TouchHeartbeat(time.Now())
		if err := sess.send(constants.MessageHeartbeatAck, models.HeartbeatAck{Timestamp: hb.Timestamp}); err != nil {
			log.Debug().Err(err).Msg("Failed to answer heartbeat")
		}

	case constants.MessageCommandResponse:
		var resp models.CommandResponse
		if err := env.DecodePayload(&resp); err != nil || resp.CorrelationID == "" {
			log.Warn().Err(err).Msg("Dropped command response without correlation id")
			return
		}
		s.registry.Resolve(conn, resp)

	case constants.MessageError:
		var msg models.ErrorMessage
		if err := env.DecodePayload(&msg); err != nil {
			log.Warn().Err(err).Msg("Dropped malformed error message")
			return
		}
		if msg.CorrelationID == "" {
			log.Warn().Str("reason", msg.Reason).Str("message", msg.Message).Msg("Box reported an error")
			return
		}
		detail, _ := json.Marshal(msg)
		s.registry.Resolve(conn, models.CommandResponse{CorrelationID: msg.CorrelationID, OK: false, Error: detail})

	case constants.MessageAuth:
		log.Debug().Msg("Ignored auth on an authenticated session")

	default:
		log.Debug().Str("type", env.Type).Msg("Ignored unknown message type")
	}
}
