package mocks

import (
	"context"

	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockExecutor is a mock implementation of the proxies.Executor interface
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) ExecuteCommand(ctx context.Context, boxID, cmdType string, args any, opts models.ExecOptions) models.CommandResult {
	a := m.Called(ctx, boxID, cmdType, args, opts)
	return a.Get(0).(models.CommandResult)
}
