// Package proxies turns typed tool invocations into relay commands. Each proxy
// validates and shapes its arguments, then defers to the executor; none keeps
// state or retries.
package proxies

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
)

// Executor runs one command on a box and returns its tagged outcome.
type Executor interface {
	ExecuteCommand(ctx context.Context, boxID, cmdType string, args any, opts models.ExecOptions) models.CommandResult
}

const (
	maxPathLength   = 4096
	maxInlineBytes  = 4 << 20 // stays under the default frame limit once encoded
	maxScriptLength = 256 << 10
)

// Tools bundles every proxy over one executor.
type Tools struct {
	Bash    *BashProxy
	Browser *BrowserProxy
	File    *FileProxy
	System  *SystemProxy
}

// NewTools builds all proxies.
func NewTools(exec Executor) *Tools {
	return &Tools{
		Bash:    NewBashProxy(exec),
		Browser: NewBrowserProxy(exec),
		File:    NewFileProxy(exec),
		System:  NewSystemProxy(exec),
	}
}

// invalidArgs is the result of a validation failure. No command is sent.
func invalidArgs(format string, a ...any) models.CommandResult {
	msg := fmt.Sprintf(format, a...)
	detail, _ := json.Marshal(map[string]string{"message": msg})
	return models.CommandResult{OK: false, Error: constants.ReasonInvalidArgs, Detail: detail}
}

func requireBox(boxID string) *models.CommandResult {
	if strings.TrimSpace(boxID) == "" {
		res := invalidArgs("box id is required")
		return &res
	}
	return nil
}

func validatePath(p string) error {
	switch {
	case strings.TrimSpace(p) == "":
		return fmt.Errorf("path is required")
	case len(p) > maxPathLength:
		return fmt.Errorf("path exceeds %d bytes", maxPathLength)
	case strings.ContainsRune(p, 0):
		return fmt.Errorf("path contains a NUL byte")
	}
	return nil
}
