package proxies

import (
	"context"
	"strings"
	"time"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
)

const maxCommandLength = 64 << 10

// BashExecArgs are the arguments of bash.exec.
type BashExecArgs struct {
	Cmd       string            `json:"cmd"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"` // Limit enforced on the box
}

// BashExecResult is what boxes return for bash.exec.
type BashExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// BashProxy runs shell commands on boxes.
type BashProxy struct {
	exec Executor
}

func NewBashProxy(exec Executor) *BashProxy {
	return &BashProxy{exec: exec}
}

// Exec runs args.Cmd. When the box-side limit is set and opts has no timeout
// the relay waits one extra second for the box to report its own timeout.
func (p *BashProxy) Exec(ctx context.Context, boxID string, args BashExecArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	switch {
	case strings.TrimSpace(args.Cmd) == "":
		return invalidArgs("cmd is required")
	case len(args.Cmd) > maxCommandLength:
		return invalidArgs("cmd exceeds %d bytes", maxCommandLength)
	case strings.ContainsRune(args.Cmd, 0):
		return invalidArgs("cmd contains a NUL byte")
	case args.TimeoutMs < 0:
		return invalidArgs("timeoutMs must not be negative")
	}
	if args.Cwd != "" {
		if err := validatePath(args.Cwd); err != nil {
			return invalidArgs("cwd: %v", err)
		}
	}
	for k := range args.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return invalidArgs("invalid env name %q", k)
		}
	}
	if opts.Timeout == 0 && args.TimeoutMs > 0 {
		opts.Timeout = time.Duration(args.TimeoutMs)*time.Millisecond + time.Second
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandBashExec, args, opts)
}
