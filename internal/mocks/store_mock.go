package mocks

import (
	"context"

	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the store.Store interface
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetBox(ctx context.Context, boxID string) (*models.Box, error) {
	args := m.Called(ctx, boxID)
	box, _ := args.Get(0).(*models.Box)
	return box, args.Error(1)
}

func (m *MockStore) CreateBox(ctx context.Context, box *models.Box) error {
	args := m.Called(ctx, box)
	return args.Error(0)
}

func (m *MockStore) SetBoxActive(ctx context.Context, boxID string, active bool) error {
	args := m.Called(ctx, boxID, active)
	return args.Error(0)
}

func (m *MockStore) BindHardwareID(ctx context.Context, boxID, hardwareID string) (bool, error) {
	args := m.Called(ctx, boxID, hardwareID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) CreateAPIKey(ctx context.Context, key *models.BoxAPIKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockStore) FindAPIKeyByPrefix(ctx context.Context, prefix string) (*models.BoxAPIKey, error) {
	args := m.Called(ctx, prefix)
	key, _ := args.Get(0).(*models.BoxAPIKey)
	return key, args.Error(1)
}

func (m *MockStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	args := m.Called(ctx, keyID)
	return args.Error(0)
}

func (m *MockStore) AppendCommandLog(ctx context.Context, entry *models.CommandLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockStore) ListCommandLogs(ctx context.Context, boxID string, limit int) ([]models.CommandLog, error) {
	args := m.Called(ctx, boxID, limit)
	logs, _ := args.Get(0).([]models.CommandLog)
	return logs, args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Driver() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
