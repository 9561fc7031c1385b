package services

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benmeehan/boxrelay/internal/auth"
	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/benmeehan/boxrelay/internal/registry"
	"github.com/benmeehan/boxrelay/internal/store"
	"github.com/benmeehan/boxrelay/pkg/apikey"
	"github.com/benmeehan/boxrelay/pkg/identity"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	relay    *RelayService
	registry *registry.Registry
	store    *store.MemoryStore
	auth     *auth.Authenticator
	exec     *CommandExecutor
	url      string
}

func newHarness(t *testing.T, opts RelayOptions, maxPerCustomer int) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	authn, err := auth.NewAuthenticator(st, "", zerolog.Nop())
	require.NoError(t, err)
	reg := registry.NewRegistry(maxPerCustomer, zerolog.Nop())

	opts.Host = "127.0.0.1"
	opts.Port = 0
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 2 * time.Second
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Minute
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}

	relay := NewRelayService(opts, authn, reg, st, store.DriverMemory, nil, zerolog.Nop())
	require.NoError(t, relay.Start())
	exec := NewCommandExecutor(reg, st, 5*time.Second, 1, 16, zerolog.Nop())
	require.NoError(t, exec.Start())
	t.Cleanup(func() {
		_ = relay.Stop()
		_ = exec.Stop()
	})

	return &harness{
		relay:    relay,
		registry: reg,
		store:    st,
		auth:     authn,
		exec:     exec,
		url:      "ws://" + relay.Addr().String() + constants.DefaultPath,
	}
}

type credentials struct {
	boxID      string
	secret     string
	hardwareID string
}

func (h *harness) provision(t *testing.T, customerID string) credentials {
	t.Helper()
	hw, err := identity.GenerateHardwareID()
	require.NoError(t, err)
	box, err := h.auth.CreateBox(context.Background(), customerID, "test box", hw)
	require.NoError(t, err)
	issued, err := h.auth.IssueAPIKey(context.Background(), box.ID)
	require.NoError(t, err)
	return credentials{boxID: box.ID, secret: issued.Secret, hardwareID: hw}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeEnv(t *testing.T, ws *websocket.Conn, msgType string, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

func readEnv(t *testing.T, ws *websocket.Conn) models.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env models.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func authenticate(t *testing.T, ws *websocket.Conn, c credentials) models.AuthResponse {
	t.Helper()
	writeEnv(t, ws, constants.MessageAuth, models.AuthRequest{APIKey: c.secret, HardwareID: c.hardwareID})
	env := readEnv(t, ws)
	require.Equal(t, constants.MessageAuthResponse, env.Type)
	var resp models.AuthResponse
	require.NoError(t, env.DecodePayload(&resp))
	return resp
}

// fakeAgent plays the box side of an authenticated connection.
type fakeAgent struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	ack       atomic.Bool
	onCommand func(a *fakeAgent, req models.CommandRequest)
	received  chan models.Envelope
	done      chan struct{}
}

func (h *harness) connectAgent(t *testing.T, c credentials, onCommand func(a *fakeAgent, req models.CommandRequest)) *fakeAgent {
	t.Helper()
	ws := h.dial(t)
	resp := authenticate(t, ws, c)
	require.True(t, resp.OK, resp.Reason)
	require.Equal(t, c.boxID, resp.BoxID)

	a := &fakeAgent{
		ws:        ws,
		onCommand: onCommand,
		received:  make(chan models.Envelope, 64),
		done:      make(chan struct{}),
	}
	a.ack.Store(true)
	_ = ws.SetReadDeadline(time.Time{})
	go a.run()
	return a
}

func (a *fakeAgent) run() {
	defer close(a.done)
	for {
		var env models.Envelope
		if err := a.ws.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case constants.MessageHeartbeat:
			if a.ack.Load() {
				var hb models.Heartbeat
				_ = env.DecodePayload(&hb)
				a.send(constants.MessageHeartbeatAck, models.HeartbeatAck{Timestamp: hb.Timestamp})
			}
		case constants.MessageCommand:
			var req models.CommandRequest
			_ = env.DecodePayload(&req)
			if a.onCommand != nil {
				go a.onCommand(a, req)
			}
		default:
			select {
			case a.received <- env:
			default:
			}
		}
	}
}

func (a *fakeAgent) send(msgType string, payload any) {
	env, _ := models.NewEnvelope(msgType, payload)
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.ws.WriteJSON(env)
}

func (a *fakeAgent) respond(req models.CommandRequest, result any) {
	data, _ := json.Marshal(result)
	a.send(constants.MessageCommandResponse, models.CommandResponse{CorrelationID: req.CorrelationID, OK: true, Result: data})
}

func (a *fakeAgent) waitFor(t *testing.T, msgType string) models.Envelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env := <-a.received:
			if env.Type == msgType {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s message received", msgType)
			return models.Envelope{}
		}
	}
}

func echoBash(a *fakeAgent, req models.CommandRequest) {
	var args struct {
		Cmd string `json:"cmd"`
	}
	_ = json.Unmarshal(req.Args, &args)
	a.respond(req, map[string]any{"stdout": "ran " + args.Cmd + "\n", "exitCode": 0})
}

func TestRelay_AuthenticateRegistersBox(t *testing.T) {
	// Setup
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")

	// Execute
	h.connectAgent(t, creds, nil)

	// Assert
	stats := h.registry.GetStats()
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.Customers)
	conn := h.registry.FindConnection(creds.boxID)
	require.NotNil(t, conn)
	assert.Equal(t, "cust-1", conn.CustomerID)
	assert.Equal(t, 0, h.relay.PendingAuthCount())
}

func TestRelay_AuthFailuresCloseWithReason(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	other, err := identity.GenerateHardwareID()
	require.NoError(t, err)

	cases := map[string]struct {
		creds  credentials
		reason string
	}{
		"invalid key":       {credentials{secret: "bx_nope", hardwareID: creds.hardwareID}, constants.ReasonInvalidKey},
		"hardware mismatch": {credentials{secret: creds.secret, hardwareID: other}, constants.ReasonHardwareMismatch},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ws := h.dial(t)

			resp := authenticate(t, ws, tc.creds)

			assert.False(t, resp.OK)
			assert.Equal(t, tc.reason, resp.Reason)
			_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _, err := ws.ReadMessage()
			assert.Error(t, err)
			assert.Equal(t, 0, h.registry.GetStats().TotalConnections)
		})
	}
}

func TestRelay_RevokedKeyRejectedButOpenConnectionSurvives(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	h.connectAgent(t, creds, nil)

	prefix, err := apikey.Prefix(creds.secret)
	require.NoError(t, err)
	key, err := h.store.FindAPIKeyByPrefix(context.Background(), prefix)
	require.NoError(t, err)
	require.NoError(t, h.auth.RevokeAPIKey(context.Background(), key.ID))

	assert.NotNil(t, h.registry.FindConnection(creds.boxID))
	resp := authenticate(t, h.dial(t), creds)
	assert.Equal(t, constants.ReasonRevoked, resp.Reason)
}

func TestRelay_AuthTimeoutClosesWithoutResponse(t *testing.T) {
	// Setup
	h := newHarness(t, RelayOptions{AuthTimeout: 100 * time.Millisecond}, 10)
	ws := h.dial(t)
	assert.Eventually(t, func() bool { return h.relay.PendingAuthCount() == 1 }, time.Second, 5*time.Millisecond)

	// Execute
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()

	// Assert
	require.Error(t, err)
	var closeErr *websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, constants.ReasonAuthTimeout, closeErr.Text)
	}
	assert.Equal(t, models.RegistryStats{}, h.registry.GetStats())
	assert.Eventually(t, func() bool { return h.relay.PendingAuthCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRelay_NonAuthFramesDroppedBeforeAuth(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	ws := h.dial(t)

	writeEnv(t, ws, constants.MessageHeartbeat, models.Heartbeat{Timestamp: 1})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp := authenticate(t, ws, creds)

	assert.True(t, resp.OK)
}

func TestRelay_CapacityExceededRejectsNewest(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 2)
	first := h.connectAgent(t, h.provision(t, "cust-1"), nil)
	second := h.connectAgent(t, h.provision(t, "cust-1"), nil)

	resp := authenticate(t, h.dial(t), h.provision(t, "cust-1"))

	assert.False(t, resp.OK)
	assert.Equal(t, constants.ReasonCapacityExceeded, resp.Reason)
	assert.Equal(t, 2, h.registry.GetStats().TotalConnections)
	for _, a := range []*fakeAgent{first, second} {
		select {
		case <-a.done:
			t.Fatal("existing connection was closed")
		default:
		}
	}

	// Other customers are unaffected.
	h.connectAgent(t, h.provision(t, "cust-2"), nil)
	assert.Equal(t, 3, h.registry.GetStats().TotalConnections)
}

func TestRelay_ReconnectSupersedesOldConnection(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 1)
	creds := h.provision(t, "cust-1")
	old := h.connectAgent(t, creds, nil)

	h.connectAgent(t, creds, echoBash)

	select {
	case <-old.done:
	case <-time.After(3 * time.Second):
		t.Fatal("superseded connection was not closed")
	}
	res := h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandBashExec,
		map[string]string{"cmd": "ls"}, models.ExecOptions{})
	assert.True(t, res.OK)
	assert.Equal(t, 1, h.registry.GetStats().TotalConnections)
}

func TestRelay_HeartbeatTimeoutUnregisters(t *testing.T) {
	// Setup
	h := newHarness(t, RelayOptions{HeartbeatInterval: 40 * time.Millisecond, MissedThreshold: 3}, 10)
	creds := h.provision(t, "cust-1")
	agent := h.connectAgent(t, creds, nil)
	agent.ack.Store(false)
	start := time.Now()

	// Execute
	assert.Eventually(t, func() bool { return h.registry.FindConnection(creds.boxID) == nil }, 2*time.Second, 5*time.Millisecond)

	// Assert
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	res := h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandBashExec, map[string]string{"cmd": "ls"}, models.ExecOptions{})
	assert.Equal(t, constants.ReasonBoxOffline, res.Error)
	select {
	case <-agent.done:
	case <-time.After(2 * time.Second):
		t.Fatal("socket was not closed after heartbeat timeout")
	}
}

func TestRelay_HeartbeatAcksKeepBoxOnline(t *testing.T) {
	h := newHarness(t, RelayOptions{HeartbeatInterval: 20 * time.Millisecond, MissedThreshold: 2}, 10)
	creds := h.provision(t, "cust-1")
	h.connectAgent(t, creds, nil)

	time.Sleep(200 * time.Millisecond)

	conn := h.registry.FindConnection(creds.boxID)
	require.NotNil(t, conn)
	assert.WithinDuration(t, time.Now(), conn.LastHeartbeat(), 100*time.Millisecond)
}

func TestRelay_BoxInitiatedHeartbeatIsAcked(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	ws := h.dial(t)
	require.True(t, authenticate(t, ws, creds).OK)
	// The relay sends a heartbeat immediately after auth.
	require.Equal(t, constants.MessageHeartbeat, readEnv(t, ws).Type)

	writeEnv(t, ws, constants.MessageHeartbeat, models.Heartbeat{Timestamp: 12345})
	env := readEnv(t, ws)

	require.Equal(t, constants.MessageHeartbeatAck, env.Type)
	var ack models.HeartbeatAck
	require.NoError(t, env.DecodePayload(&ack))
	assert.Equal(t, int64(12345), ack.Timestamp)
}

func TestRelay_StatusEndpoint(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 10)
	h.connectAgent(t, h.provision(t, "cust-1"), nil)
	h.dial(t) // unauthenticated socket
	require.Eventually(t, func() bool { return h.relay.PendingAuthCount() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + h.relay.Addr().String() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status models.RelayStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.PendingAuth)
	assert.Equal(t, 1, status.Stats.TotalConnections)
	assert.True(t, status.Storage.OK)
	assert.Equal(t, store.DriverMemory, status.Storage.Driver)
	assert.NotZero(t, status.Port)

	health, err := http.Get("http://" + h.relay.Addr().String() + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestRelay_StopNotifiesAndUnregisters(t *testing.T) {
	// Setup
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	agent := h.connectAgent(t, creds, nil)
	results := make(chan models.CommandResult, 1)
	go func() {
		results <- h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandBashExec,
			map[string]string{"cmd": "sleep 60"}, models.ExecOptions{})
	}()
	require.Eventually(t, func() bool { return h.registry.GetStats().PendingRequests == 1 }, time.Second, 5*time.Millisecond)

	// Execute
	err := h.relay.Stop()

	// Assert
	assert.NoError(t, err)
	agent.waitFor(t, constants.MessageShutdown)
	assert.Equal(t, models.RegistryStats{}, h.registry.GetStats())
	assert.Equal(t, constants.ReasonConnectionLost, (<-results).Error)
	assert.False(t, h.relay.Status(context.Background()).Running)
	assert.Error(t, h.relay.Stop())
}

func TestRelay_StartFailsWhenPortTaken(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 10)
	port := h.relay.Addr().(*net.TCPAddr).Port

	other := NewRelayService(RelayOptions{Host: "127.0.0.1", Port: port}, h.auth, registry.NewRegistry(0, zerolog.Nop()),
		nil, "", nil, zerolog.Nop())

	assert.ErrorContains(t, other.Start(), "failed to bind")
}

func TestRelay_StopIsBoundedWhenBoxesStopReading(t *testing.T) {
	// Setup: boxes that never read again while large commands fill their sockets.
	h := newHarness(t, RelayOptions{ShutdownTimeout: 300 * time.Millisecond, WriteTimeout: 3 * time.Second}, 10)
	payload := strings.Repeat("x", 6<<20)
	var commands sync.WaitGroup
	for i := 0; i < 3; i++ {
		creds := h.provision(t, "cust-1")
		require.True(t, authenticate(t, h.dial(t), creds).OK)
		for j := 0; j < 4; j++ {
			commands.Add(1)
			go func() {
				defer commands.Done()
				h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandBashExec,
					map[string]string{"cmd": payload}, models.ExecOptions{Timeout: 10 * time.Second})
			}()
		}
	}
	require.Eventually(t, func() bool { return h.registry.GetStats().PendingRequests == 12 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	// Execute
	start := time.Now()
	err := h.relay.Stop()
	elapsed := time.Since(start)

	// Assert
	assert.NoError(t, err)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, models.RegistryStats{}, h.registry.GetStats())
	done := make(chan struct{})
	go func() {
		commands.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("commands still blocked after Stop")
	}
}

func TestRelay_StopWhileBoxesAuthenticate(t *testing.T) {
	// Setup
	h := newHarness(t, RelayOptions{}, 10)
	var sockets []*websocket.Conn
	var creds []credentials
	for i := 0; i < 5; i++ {
		creds = append(creds, h.provision(t, "cust-1"))
		sockets = append(sockets, h.dial(t))
	}
	require.Eventually(t, func() bool { return h.relay.PendingAuthCount() == 5 }, time.Second, 5*time.Millisecond)

	// Execute: auth frames race the shutdown.
	var wg sync.WaitGroup
	for i, ws := range sockets {
		i, ws := i, ws
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, _ := models.NewEnvelope(constants.MessageAuth, models.AuthRequest{APIKey: creds[i].secret, HardwareID: creds[i].hardwareID})
			_ = ws.WriteJSON(env)
		}()
	}
	err := h.relay.Stop()
	wg.Wait()

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, 0, h.relay.PendingAuthCount())
	assert.Equal(t, models.RegistryStats{}, h.registry.GetStats())
}
