package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/benmeehan/boxrelay/internal/registry"
	"github.com/benmeehan/boxrelay/internal/store"
	"github.com/benmeehan/boxrelay/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CommandExecutor sends tool invocations to boxes and waits for the correlated
// response. Command failures are returned as tagged results, never as errors.
type CommandExecutor struct {
	registry       *registry.Registry
	logs           store.CommandLogStore
	defaultTimeout time.Duration
	auditWorkers   int
	auditQueue     int
	logger         zerolog.Logger

	mu   sync.RWMutex
	pool *utils.WorkerPool
	wg   sync.WaitGroup
}

// NewCommandExecutor creates an executor. logs may be nil to disable auditing.
func NewCommandExecutor(reg *registry.Registry, logs store.CommandLogStore, defaultTimeout time.Duration,
	auditWorkers, auditQueue int, logger zerolog.Logger) *CommandExecutor {
	if defaultTimeout <= 0 {
		defaultTimeout = constants.DefaultCommandTimeout
	}
	return &CommandExecutor{
		registry:       reg,
		logs:           logs,
		defaultTimeout: defaultTimeout,
		auditWorkers:   auditWorkers,
		auditQueue:     auditQueue,
		logger:         logger.With().Str("component", "executor").Logger(),
	}
}

// Start launches the audit workers.
func (e *CommandExecutor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool != nil {
		e.logger.Warn().Msg("CommandExecutor is already running")
		return errors.New("command executor is already running")
	}
	e.pool = utils.NewWorkerPool(e.auditWorkers, e.auditQueue)
	e.logger.Info().Int("audit_workers", e.auditWorkers).Int("audit_queue", e.auditQueue).Msg("CommandExecutor started successfully")
	return nil
}

// Stop drains queued audit records.
func (e *CommandExecutor) Stop() error {
	e.mu.Lock()
	pool := e.pool
	e.pool = nil
	e.mu.Unlock()
	if pool == nil {
		e.logger.Warn().Msg("CommandExecutor is not running")
		return errors.New("command executor is not running")
	}
	e.wg.Wait()
	pool.Shutdown()
	e.logger.Info().Msg("CommandExecutor stopped successfully")
	return nil
}

// ExecuteCommand runs cmdType with args on boxID. args may be nil, a
// json.RawMessage or any JSON-marshalable value.
func (e *CommandExecutor) ExecuteCommand(ctx context.Context, boxID, cmdType string, args any, opts models.ExecOptions) models.CommandResult {
	start := time.Now()
	correlationID := uuid.NewString()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	log := e.logger.With().Str("box_id", boxID).Str("command", cmdType).Str("correlation_id", correlationID).Logger()

	rawArgs, err := marshalArgs(args)
	if err != nil {
		res := models.FailedResult(models.NewFailure(constants.ReasonInvalidArgs, err.Error()))
		e.audit(correlationID, boxID, "", cmdType, nil, res, start)
		return res
	}

	conn := e.registry.FindConnection(boxID)
	if conn == nil {
		log.Debug().Msg("Box is offline")
		res := models.FailedResult(models.ErrBoxOffline)
		e.audit(correlationID, boxID, "", cmdType, rawArgs, res, start)
		return res
	}

	pending, err := e.registry.CreatePending(correlationID, conn, timeout)
	if err != nil {
		res := models.FailedResult(err)
		e.audit(correlationID, boxID, conn.CustomerID, cmdType, rawArgs, res, start)
		return res
	}

	req := models.CommandRequest{
		CorrelationID: correlationID,
		Type:          cmdType,
		Args:          rawArgs,
		TimeoutMs:     timeout.Milliseconds(),
	}
	if err := conn.Send(constants.MessageCommand, req); err != nil {
		log.Warn().Err(err).Msg("Failed to send command")
		e.registry.Reject(correlationID, models.NewFailure(constants.ReasonConnectionLost, err.Error()))
	}

	res := toResult(e.registry.Wait(ctx, pending))
	switch res.Error {
	case constants.ReasonTimeout, constants.ReasonCancelled:
		e.sendCancel(conn, correlationID, res.Error)
	}

	if res.OK {
		log.Debug().Dur("duration", time.Since(start)).Msg("Command completed")
	} else {
		log.Info().Str("reason", res.Error).Dur("duration", time.Since(start)).Msg("Command failed")
	}
	e.audit(correlationID, boxID, conn.CustomerID, cmdType, rawArgs, res, start)
	return res
}

// History lists recent command log entries for boxID, newest first.
func (e *CommandExecutor) History(ctx context.Context, boxID string, limit int) ([]models.CommandLog, error) {
	if e.logs == nil {
		return nil, errors.New("command log is not configured")
	}
	return e.logs.ListCommandLogs(ctx, boxID, limit)
}

func toResult(out registry.Outcome) models.CommandResult {
	if out.Err != nil {
		return models.FailedResult(out.Err)
	}
	resp := out.Response
	if resp.OK {
		return models.CommandResult{OK: true, Result: resp.Result}
	}
	return models.CommandResult{OK: false, Error: constants.ReasonBoxError, Detail: resp.Error}
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) > 0 && !json.Valid(v) {
			return nil, errors.New("args are not valid JSON")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// sendCancel tells the box that nobody is waiting for correlationID any more.
// It is skipped when conn is no longer the box's live connection or the
// executor is stopped.
func (e *CommandExecutor) sendCancel(conn *registry.Connection, correlationID, reason string) {
	if !e.registry.IsCurrent(conn) {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pool == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := conn.Send(constants.MessageCancel, models.CancelRequest{CorrelationID: correlationID, Reason: reason})
		if err != nil {
			e.logger.Debug().Err(err).Str("box_id", conn.BoxID).Str("correlation_id", correlationID).Msg("Failed to send cancel")
		}
	}()
}

// audit hands the record to the worker pool. A full queue drops the record;
// the command outcome never depends on it.
func (e *CommandExecutor) audit(correlationID, boxID, customerID, cmdType string, args json.RawMessage, res models.CommandResult, start time.Time) {
	if e.logs == nil {
		return
	}
	entry := &models.CommandLog{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		BoxID:         boxID,
		CustomerID:    customerID,
		Command:       cmdType,
		Args:          args,
		Status:        constants.CommandStatusSuccess,
		DurationMs:    time.Since(start).Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	if !res.OK {
		entry.Status = constants.CommandStatusFailed
		entry.Error = res.Error
	}

	e.mu.RLock()
	pool := e.pool
	e.mu.RUnlock()
	if pool == nil {
		e.logger.Debug().Str("correlation_id", correlationID).Msg("Audit pool not running, command log skipped")
		return
	}

	queued := pool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultAuditWriteTimeout)
		defer cancel()
		if err := e.logs.AppendCommandLog(ctx, entry); err != nil {
			e.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to append command log")
		}
	})
	if !queued {
		e.logger.Warn().Str("correlation_id", correlationID).Msg("Audit queue full, dropping command log")
	}
}
