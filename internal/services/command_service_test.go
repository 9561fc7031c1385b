package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/benmeehan/boxrelay/internal/registry"
	"github.com/benmeehan/boxrelay/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCommand_Success(t *testing.T) {
	// Setup
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	h.connectAgent(t, creds, echoBash)

	// Execute
	res := h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandBashExec,
		map[string]string{"cmd": "ls"}, models.ExecOptions{Timeout: 2 * time.Second})

	// Assert
	require.True(t, res.OK, res.Error)
	var out struct {
		Stdout string `json:"stdout"`
	}
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "ran ls\n", out.Stdout)
	assert.Equal(t, 0, h.registry.GetStats().PendingRequests)
}

func TestExecuteCommand_BoxOfflineCreatesNoPending(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 10)

	res := h.exec.ExecuteCommand(context.Background(), "no-such-box", constants.CommandSystemInfo, nil, models.ExecOptions{})

	assert.False(t, res.OK)
	assert.Equal(t, constants.ReasonBoxOffline, res.Error)
	assert.Equal(t, 0, h.registry.GetStats().PendingRequests)
}

func TestExecuteCommand_InvalidRawArgs(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	h.connectAgent(t, creds, echoBash)

	res := h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandBashExec,
		json.RawMessage(`{"cmd":`), models.ExecOptions{})

	assert.Equal(t, constants.ReasonInvalidArgs, res.Error)
}

func TestExecuteCommand_ConcurrentResponsesCorrelate(t *testing.T) {
	// Setup: the box answers later commands first.
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	h.connectAgent(t, creds, func(a *fakeAgent, req models.CommandRequest) {
		var args struct {
			Cmd     string `json:"cmd"`
			DelayMs int    `json:"delayMs"`
		}
		_ = json.Unmarshal(req.Args, &args)
		time.Sleep(time.Duration(args.DelayMs) * time.Millisecond)
		a.respond(req, map[string]string{"stdout": args.Cmd})
	})

	// Execute
	const n = 5
	results := make([]models.CommandResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandBashExec,
				map[string]any{"cmd": fmt.Sprintf("cmd-%d", i), "delayMs": (n - i) * 30}, models.ExecOptions{Timeout: 3 * time.Second})
		}(i)
	}
	wg.Wait()

	// Assert
	for i, res := range results {
		require.True(t, res.OK, res.Error)
		var out struct {
			Stdout string `json:"stdout"`
		}
		require.NoError(t, res.Decode(&out))
		assert.Equal(t, fmt.Sprintf("cmd-%d", i), out.Stdout)
	}
}

func TestExecuteCommand_TimeoutSendsCancel(t *testing.T) {
	// Setup
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	agent := h.connectAgent(t, creds, func(*fakeAgent, models.CommandRequest) {})

	// Execute
	start := time.Now()
	res := h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandSystemInfo, nil,
		models.ExecOptions{Timeout: 100 * time.Millisecond})

	// Assert
	assert.Equal(t, constants.ReasonTimeout, res.Error)
	assert.Less(t, time.Since(start), 2*time.Second)
	env := agent.waitFor(t, constants.MessageCancel)
	var cancel models.CancelRequest
	require.NoError(t, env.DecodePayload(&cancel))
	assert.Equal(t, constants.ReasonTimeout, cancel.Reason)
	assert.NotEmpty(t, cancel.CorrelationID)
	assert.Equal(t, 0, h.registry.GetStats().PendingRequests)
	assert.NotNil(t, h.registry.FindConnection(creds.boxID), "a timeout does not drop the box")
}

func TestExecuteCommand_CallerCancellation(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	agent := h.connectAgent(t, creds, func(*fakeAgent, models.CommandRequest) {})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := h.exec.ExecuteCommand(ctx, creds.boxID, constants.CommandSystemInfo, nil, models.ExecOptions{Timeout: 5 * time.Second})

	assert.Equal(t, constants.ReasonTimeout, res.Error)
	agent.waitFor(t, constants.MessageCancel)

	ctx, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	res = h.exec.ExecuteCommand(ctx, creds.boxID, constants.CommandSystemInfo, nil, models.ExecOptions{Timeout: 5 * time.Second})
	assert.Equal(t, constants.ReasonCancelled, res.Error)
}

func TestExecuteCommand_DisconnectFailsFast(t *testing.T) {
	// Setup: the box drops its socket as soon as a command arrives.
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	h.connectAgent(t, creds, func(a *fakeAgent, req models.CommandRequest) {
		time.Sleep(20 * time.Millisecond)
		_ = a.ws.Close()
	})

	// Execute
	start := time.Now()
	res := h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandBashExec,
		map[string]string{"cmd": "sleep 60"}, models.ExecOptions{Timeout: 10 * time.Second})

	// Assert
	assert.Equal(t, constants.ReasonConnectionLost, res.Error)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Eventually(t, func() bool { return h.registry.FindConnection(creds.boxID) == nil }, time.Second, 5*time.Millisecond)
}

func TestExecuteCommand_BoxErrorCarriesDetail(t *testing.T) {
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	h.connectAgent(t, creds, func(a *fakeAgent, req models.CommandRequest) {
		if req.Type == constants.CommandFileRead {
			a.send(constants.MessageCommandResponse, models.CommandResponse{
				CorrelationID: req.CorrelationID,
				OK:            false,
				Error:         json.RawMessage(`{"message":"ENOENT"}`),
			})
			return
		}
		a.send(constants.MessageError, models.ErrorMessage{CorrelationID: req.CorrelationID, Reason: "crashed", Message: "tool died"})
	})

	res := h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandFileRead,
		map[string]string{"path": "/missing"}, models.ExecOptions{Timeout: 2 * time.Second})
	assert.Equal(t, constants.ReasonBoxError, res.Error)
	assert.JSONEq(t, `{"message":"ENOENT"}`, string(res.Detail))

	res = h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandSystemInfo, nil,
		models.ExecOptions{Timeout: 2 * time.Second})
	assert.Equal(t, constants.ReasonBoxError, res.Error)
	var detail models.ErrorMessage
	require.NoError(t, json.Unmarshal(res.Detail, &detail))
	assert.Equal(t, "tool died", detail.Message)
}

func TestExecuteCommand_AuditsEveryOutcome(t *testing.T) {
	// Setup
	h := newHarness(t, RelayOptions{}, 10)
	creds := h.provision(t, "cust-1")
	h.connectAgent(t, creds, echoBash)

	// Execute
	ok := h.exec.ExecuteCommand(context.Background(), creds.boxID, constants.CommandBashExec,
		map[string]string{"cmd": "uptime"}, models.ExecOptions{})
	offline := h.exec.ExecuteCommand(context.Background(), "gone", constants.CommandBashExec, nil, models.ExecOptions{})
	require.True(t, ok.OK)
	require.False(t, offline.OK)
	require.NoError(t, h.exec.Stop())

	// Assert
	logs, err := h.exec.History(context.Background(), creds.boxID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, constants.CommandStatusSuccess, logs[0].Status)
	assert.Equal(t, "cust-1", logs[0].CustomerID)
	assert.JSONEq(t, `{"cmd":"uptime"}`, string(logs[0].Args))

	logs, err = h.store.ListCommandLogs(context.Background(), "gone", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, constants.ReasonBoxOffline, logs[0].Error)
}

// fakeTransport lets executor tests run against the registry without a socket.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []models.Envelope
	err    error
	closed bool
}

func (f *fakeTransport) Send(env models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close(string) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestExecuteCommand_SendFailureIsConnectionLost(t *testing.T) {
	reg := registry.NewRegistry(10, zerolog.Nop())
	transport := &fakeTransport{err: fmt.Errorf("broken pipe")}
	require.NoError(t, reg.Register(registry.NewConnection(models.Box{ID: "box-1", CustomerID: "cust-1"}, "key-1", transport)))
	exec := NewCommandExecutor(reg, nil, time.Second, 1, 1, zerolog.Nop())

	res := exec.ExecuteCommand(context.Background(), "box-1", constants.CommandSystemInfo, nil, models.ExecOptions{})

	assert.Equal(t, constants.ReasonConnectionLost, res.Error)
	assert.Equal(t, 0, reg.GetStats().PendingRequests)
	_, err := exec.History(context.Background(), "box-1", 1)
	assert.Error(t, err)
}

func TestCommandExecutor_StartStop(t *testing.T) {
	exec := NewCommandExecutor(registry.NewRegistry(0, zerolog.Nop()), store.NewMemoryStore(), 0, 1, 1, zerolog.Nop())

	assert.Error(t, exec.Stop())
	require.NoError(t, exec.Start())
	assert.Error(t, exec.Start())
	assert.NoError(t, exec.Stop())
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestSendCancel_OnlyToLiveConnectionWhileRunning(t *testing.T) {
	// Setup
	box := models.Box{ID: "box-1", CustomerID: "cust-1"}
	reg := registry.NewRegistry(0, zerolog.Nop())
	oldTransport := &fakeTransport{}
	oldConn := registry.NewConnection(box, "key-1", oldTransport)
	require.NoError(t, reg.Register(oldConn))
	exec := NewCommandExecutor(reg, nil, time.Second, 1, 1, zerolog.Nop())
	require.NoError(t, exec.Start())

	// Execute & Assert: live connection, running executor.
	exec.sendCancel(oldConn, "corr-1", constants.ReasonTimeout)
	require.NoError(t, exec.Stop())
	assert.Equal(t, 1, oldTransport.count())

	// Stopped executor sends nothing.
	exec.sendCancel(oldConn, "corr-2", constants.ReasonTimeout)
	assert.Equal(t, 1, oldTransport.count())

	// A reconnected box never saw the command; neither session gets a cancel.
	require.NoError(t, exec.Start())
	newTransport := &fakeTransport{}
	require.NoError(t, reg.Register(registry.NewConnection(box, "key-1", newTransport)))
	exec.sendCancel(oldConn, "corr-3", constants.ReasonCancelled)
	require.NoError(t, exec.Stop())
	assert.Equal(t, 1, oldTransport.count())
	assert.Equal(t, 0, newTransport.count())
}

func TestSendCancel_ConcurrentWithStop(t *testing.T) {
	reg := registry.NewRegistry(0, zerolog.Nop())
	transport := &fakeTransport{}
	conn := registry.NewConnection(models.Box{ID: "box-1", CustomerID: "cust-1"}, "key-1", transport)
	require.NoError(t, reg.Register(conn))
	exec := NewCommandExecutor(reg, nil, time.Second, 1, 1, zerolog.Nop())
	require.NoError(t, exec.Start())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec.sendCancel(conn, fmt.Sprintf("corr-%d", i), constants.ReasonTimeout)
		}(i)
	}
	require.NoError(t, exec.Stop())
	wg.Wait()

	sent := transport.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sent, transport.count(), "no cancel is sent after Stop returns")
}
