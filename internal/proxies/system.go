package proxies

import (
	"context"
	"strings"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/benmeehan/boxrelay/internal/utils"
)

var signals = utils.SliceToSet([]string{"TERM", "KILL", "INT", "HUP", "QUIT", "USR1", "USR2"})

// SystemProcessesArgs are the arguments of system.processes.
type SystemProcessesArgs struct {
	Filter string `json:"filter,omitempty"` // Substring match on the process name
	Limit  int    `json:"limit,omitempty"`
}

// SystemKillArgs are the arguments of system.kill.
type SystemKillArgs struct {
	PID    int    `json:"pid"`
	Signal string `json:"signal,omitempty"` // Defaults to TERM
}

// SystemProxy inspects processes and host info on a box.
type SystemProxy struct {
	exec Executor
}

func NewSystemProxy(exec Executor) *SystemProxy {
	return &SystemProxy{exec: exec}
}

func (p *SystemProxy) Info(ctx context.Context, boxID string, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandSystemInfo, nil, opts)
}

func (p *SystemProxy) Processes(ctx context.Context, boxID string, args SystemProcessesArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	if args.Limit < 0 {
		return invalidArgs("limit must not be negative")
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandSystemProcesses, args, opts)
}

// Kill signals a process. PIDs 0 and 1 are refused.
func (p *SystemProxy) Kill(ctx context.Context, boxID string, args SystemKillArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	if args.PID <= 1 {
		return invalidArgs("pid %d cannot be signalled", args.PID)
	}
	args.Signal = strings.TrimPrefix(strings.ToUpper(args.Signal), "SIG")
	if args.Signal == "" {
		args.Signal = "TERM"
	}
	if _, ok := signals[args.Signal]; !ok {
		return invalidArgs("unsupported signal %q", args.Signal)
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandSystemKill, args, opts)
}
