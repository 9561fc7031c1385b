// Package store defines the persistence collaborators the relay depends on and
// ships two implementations: an in-memory store for development and tests,
// and a SQLite store for single-node deployments.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/benmeehan/boxrelay/internal/models"
)

// Storage drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// BoxStore reads boxes and API keys at auth time and supports revocation.
type BoxStore interface {
	GetBox(ctx context.Context, boxID string) (*models.Box, error)
	CreateBox(ctx context.Context, box *models.Box) error
	SetBoxActive(ctx context.Context, boxID string, active bool) error
	// BindHardwareID sets the box hardware id only when none is bound yet.
	// It reports whether this call performed the binding.
	BindHardwareID(ctx context.Context, boxID, hardwareID string) (bool, error)

	CreateAPIKey(ctx context.Context, key *models.BoxAPIKey) error
	FindAPIKeyByPrefix(ctx context.Context, prefix string) (*models.BoxAPIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// CommandLogStore receives one audit record per executed command.
type CommandLogStore interface {
	AppendCommandLog(ctx context.Context, entry *models.CommandLog) error
	ListCommandLogs(ctx context.Context, boxID string, limit int) ([]models.CommandLog, error)
}

// HealthChecker checks the backing storage.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Store bundles every collaborator contract behind one handle.
type Store interface {
	BoxStore
	CommandLogStore
	HealthChecker
	Driver() string
	Close() error
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Options selects and configures a store implementation.
type Options struct {
	Driver     string
	SQLitePath string
	Encryptor  ArgsEncryptor // optional, SQLite only
}

// Open returns the store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, SQLiteOptions{Path: opts.SQLitePath, Encryptor: opts.Encryptor})
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}
