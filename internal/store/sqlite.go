package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/benmeehan/boxrelay/internal/models"
)

const (
	defaultBusyTimeout = 5 * time.Second
	openTimeout        = 5 * time.Second
	encryptedArgsTag   = "enc:v1:"
	// Fixed width so that lexical order of the TEXT column is chronological.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var errStoreClosed = errors.New("store: closed")

// ArgsEncryptor seals command arguments before they reach disk.
type ArgsEncryptor interface {
	EncryptString(plaintext []byte) (string, error)
	DecryptString(encoded string) ([]byte, error)
}

// SQLiteOptions describes parameters for opening a SQLite store.
type SQLiteOptions struct {
	Path      string
	Encryptor ArgsEncryptor
}

// SQLiteStore persists boxes, keys and the command log in a single SQLite file.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	encryptor ArgsEncryptor
}

// OpenSQLite opens (creating if needed) the database at opts.Path and applies
// the schema and pending migrations. Migration failure is fatal for run.
func OpenSQLite(ctx context.Context, opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Path == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, path: opts.Path, encryptor: opts.Encryptor}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: apply %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Driver() string { return DriverSQLite }

// Path returns the filesystem path of the backing database.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBox(ctx context.Context, boxID string) (*models.Box, error) {
	var (
		box       models.Box
		active    int
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, name, hardware_id, active, created_at
		FROM boxes WHERE id = ?`, boxID).
		Scan(&box.ID, &box.CustomerID, &box.Name, &box.HardwareID, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError{Entity: "box", Key: boxID}
	}
	if err != nil {
		return nil, fmt.Errorf("store: get box %s: %w", boxID, err)
	}
	box.Active = active == 1
	box.CreatedAt = parseTime(createdAt)
	return &box, nil
}

func (s *SQLiteStore) CreateBox(ctx context.Context, box *models.Box) error {
	if box.CreatedAt.IsZero() {
		box.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boxes (id, customer_id, name, hardware_id, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		box.ID, box.CustomerID, box.Name, box.HardwareID, boolInt(box.Active), formatTime(box.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create box %s: %w", box.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SetBoxActive(ctx context.Context, boxID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE boxes SET active = ? WHERE id = ?`, boolInt(active), boxID)
	if err != nil {
		return fmt.Errorf("store: set box %s active: %w", boxID, err)
	}
	return requireRow(res, "box", boxID)
}

func (s *SQLiteStore) BindHardwareID(ctx context.Context, boxID, hardwareID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE boxes SET hardware_id = ? WHERE id = ? AND hardware_id = ''`, hardwareID, boxID)
	if err != nil {
		return false, fmt.Errorf("store: bind hardware id for %s: %w", boxID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: bind hardware id for %s: %w", boxID, err)
	}
	if n == 0 {
		if _, err := s.GetBox(ctx, boxID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *models.BoxAPIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO box_api_keys (id, box_id, prefix, hash, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.BoxID, key.Prefix, key.Hash, boolInt(key.Active), formatTime(key.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create api key for box %s: %w", key.BoxID, err)
	}
	return nil
}

func (s *SQLiteStore) FindAPIKeyByPrefix(ctx context.Context, prefix string) (*models.BoxAPIKey, error) {
	var (
		key       models.BoxAPIKey
		active    int
		createdAt string
		revokedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, box_id, prefix, hash, active, created_at, revoked_at
		FROM box_api_keys WHERE prefix = ?`, prefix).
		Scan(&key.ID, &key.BoxID, &key.Prefix, &key.Hash, &active, &createdAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError{Entity: "api key", Key: prefix}
	}
	if err != nil {
		return nil, fmt.Errorf("store: find api key %s: %w", prefix, err)
	}
	key.Active = active == 1
	key.CreatedAt = parseTime(createdAt)
	if revokedAt.Valid {
		t := parseTime(revokedAt.String)
		key.RevokedAt = &t
	}
	return &key, nil
}

func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE box_api_keys SET active = 0, revoked_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), keyID)
	if err != nil {
		return fmt.Errorf("store: revoke api key %s: %w", keyID, err)
	}
	return requireRow(res, "api key", keyID)
}

func (s *SQLiteStore) AppendCommandLog(ctx context.Context, entry *models.CommandLog) error {
	args := string(entry.Args)
	if s.encryptor != nil && len(entry.Args) > 0 {
		sealed, err := s.encryptor.EncryptString(entry.Args)
		if err != nil {
			return fmt.Errorf("store: encrypt command args: %w", err)
		}
		args = encryptedArgsTag + sealed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_logs (id, correlation_id, box_id, customer_id, command, args, status, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CorrelationID, entry.BoxID, entry.CustomerID, entry.Command, args,
		entry.Status, entry.Error, entry.DurationMs, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: append command log %s: %w", entry.CorrelationID, err)
	}
	return nil
}

// ListCommandLogs returns the newest entries for boxID first. An empty boxID lists all boxes.
func (s *SQLiteStore) ListCommandLogs(ctx context.Context, boxID string, limit int) ([]models.CommandLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, box_id, customer_id, command, args, status, error, duration_ms, created_at
		FROM command_logs
		WHERE (? = '' OR box_id = ?)
		ORDER BY created_at DESC
		LIMIT ?`, boxID, boxID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list command logs: %w", err)
	}
	defer rows.Close()

	out := make([]models.CommandLog, 0)
	for rows.Next() {
		var (
			entry     models.CommandLog
			args      string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.CorrelationID, &entry.BoxID, &entry.CustomerID, &entry.Command,
			&args, &entry.Status, &entry.Error, &entry.DurationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan command log: %w", err)
		}
		decoded, err := s.decodeArgs(args)
		if err != nil {
			return nil, err
		}
		entry.Args = decoded
		entry.CreatedAt = parseTime(createdAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) decodeArgs(stored string) (json.RawMessage, error) {
	if stored == "" {
		return nil, nil
	}
	if len(stored) > len(encryptedArgsTag) && stored[:len(encryptedArgsTag)] == encryptedArgsTag {
		if s.encryptor == nil {
			return nil, errors.New("store: command log args are encrypted but no audit key is configured")
		}
		plain, err := s.encryptor.DecryptString(stored[len(encryptedArgsTag):])
		if err != nil {
			return nil, fmt.Errorf("store: decrypt command args: %w", err)
		}
		return plain, nil
	}
	return json.RawMessage(stored), nil
}

func requireRow(res sql.Result, entity, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", entity, key, err)
	}
	if n == 0 {
		return NotFoundError{Entity: entity, Key: key}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
