package services

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errSessionClosed = errors.New("session closed")

const closeFrameTimeout = time.Second

// closeCodes maps close reasons to websocket close codes.
var closeCodes = map[string]int{
	constants.ReasonInvalidKey:         websocket.ClosePolicyViolation,
	constants.ReasonRevoked:            websocket.ClosePolicyViolation,
	constants.ReasonInactiveBox:        websocket.ClosePolicyViolation,
	constants.ReasonHardwareMismatch:   websocket.ClosePolicyViolation,
	constants.ReasonUnsupportedVersion: websocket.ClosePolicyViolation,
	constants.ReasonCapacityExceeded:   websocket.CloseTryAgainLater,
	constants.ReasonShutdown:           websocket.CloseGoingAway,
	constants.ReasonInternalError:      websocket.CloseInternalServerErr,
}

// session is one websocket from a box. It implements registry.Transport once
// the box has authenticated.
type session struct {
	id           string
	ws           *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration
	logger       zerolog.Logger

	writeMu   sync.Mutex
	state     atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
	reason    atomic.Value

	awaitingAck atomic.Bool
	missed      atomic.Int32
}

func newSession(ws *websocket.Conn, remoteAddr string, writeTimeout time.Duration, logger zerolog.Logger) *session {
	id := uuid.NewString()
	s := &session{
		id:           id,
		ws:           ws,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
		logger:       logger.With().Str("session_id", id).Str("remote_addr", remoteAddr).Logger(),
	}
	s.state.Store(constants.StateConnecting)
	return s
}

func (s *session) State() int32 {
	return s.state.Load()
}

// transition moves forward only; CLOSED is terminal.
func (s *session) transition(to int32) bool {
	for {
		from := s.state.Load()
		if from >= to || from == constants.StateClosed {
			return false
		}
		if s.state.CompareAndSwap(from, to) {
			s.logger.Debug().Str("from", constants.StateName(from)).Str("to", constants.StateName(to)).Msg("Session state changed")
			return true
		}
	}
}

// Send implements registry.Transport.
func (s *session) Send(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(data)
}

// sendLocked writes msgType while the caller already holds writeMu.
func (s *session) sendLocked(msgType string, payload any) error {
	env, err := models.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.writeLocked(data)
}

func (s *session) send(msgType string, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sendLocked(msgType, payload)
}

func (s *session) writeLocked(data []byte) error {
	return s.writeUntilLocked(data, time.Now().Add(s.writeTimeout))
}

func (s *session) writeUntilLocked(data []byte, deadline time.Time) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	_ = s.ws.SetWriteDeadline(deadline)
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// Close implements registry.Transport. Only the first reason is kept.
func (s *session) Close(reason string) error {
	return s.closeBy(reason, time.Now().Add(closeFrameTimeout))
}

// shutdown sends notice unless another writer holds the session, then closes
// it. Neither step runs past deadline.
func (s *session) shutdown(notice models.ShutdownNotice, deadline time.Time) {
	if s.State() == constants.StateAuthenticated && s.writeMu.TryLock() {
		env, err := models.NewEnvelope(constants.MessageShutdown, notice)
		var data []byte
		if err == nil {
			data, err = json.Marshal(env)
		}
		if err == nil {
			err = s.writeUntilLocked(data, earliest(deadline, time.Now().Add(s.writeTimeout)))
		}
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send shutdown notice")
		}
	}
	_ = s.closeBy(constants.ReasonShutdown, earliest(deadline, time.Now().Add(closeFrameTimeout)))
}

// closeBy writes the close frame if that succeeds before deadline, then drops
// the socket so writers blocked on it fail at once.
func (s *session) closeBy(reason string, deadline time.Time) error {
	var err error
	s.closeOnce.Do(func() {
		s.transition(constants.StateClosing)
		s.reason.Store(reason)
		close(s.closed)

		code, ok := closeCodes[reason]
		if !ok {
			code = websocket.CloseNormalClosure
		}
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		err = s.ws.Close()
		s.state.Store(constants.StateClosed)
		s.logger.Debug().Str("reason", reason).Msg("Session closed")
	})
	return err
}

// Done is closed when the session starts closing.
func (s *session) Done() <-chan struct{} {
	return s.closed
}

// CloseReason is empty until Close has been called.
func (s *session) CloseReason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

func (s *session) read() (models.Envelope, error) {
	var env models.Envelope
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, &malformedFrameError{err: err}
	}
	return env, nil
}

type malformedFrameError struct {
	err error
}

func (e *malformedFrameError) Error() string { return "malformed frame: " + e.err.Error() }
func (e *malformedFrameError) Unwrap() error { return e.err }

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
