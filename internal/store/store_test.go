package store

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/benmeehan/boxrelay/pkg/encryption"
	"github.com/benmeehan/boxrelay/pkg/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), SQLiteOptions{Path: filepath.Join(t.TempDir(), "relay.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		DriverMemory: NewMemoryStore(),
		DriverSQLite: sqlite,
	}
}

func TestStore_BoxLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetBox(ctx, "missing")
			assert.True(t, IsNotFound(err))

			require.NoError(t, s.CreateBox(ctx, &models.Box{ID: "box-1", CustomerID: "cust-1", Active: true}))

			box, err := s.GetBox(ctx, "box-1")
			require.NoError(t, err)
			assert.Equal(t, "cust-1", box.CustomerID)
			assert.True(t, box.Active)
			assert.Empty(t, box.HardwareID)

			bound, err := s.BindHardwareID(ctx, "box-1", "hw-1")
			require.NoError(t, err)
			assert.True(t, bound)

			bound, err = s.BindHardwareID(ctx, "box-1", "hw-2")
			require.NoError(t, err)
			assert.False(t, bound)

			box, err = s.GetBox(ctx, "box-1")
			require.NoError(t, err)
			assert.Equal(t, "hw-1", box.HardwareID)

			require.NoError(t, s.SetBoxActive(ctx, "box-1", false))
			box, err = s.GetBox(ctx, "box-1")
			require.NoError(t, err)
			assert.False(t, box.Active)

			assert.True(t, IsNotFound(s.SetBoxActive(ctx, "nope", true)))
		})
	}
}

func TestStore_APIKeys(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateBox(ctx, &models.Box{ID: "box-1", CustomerID: "cust-1", Active: true}))
			require.NoError(t, s.CreateAPIKey(ctx, &models.BoxAPIKey{
				ID: "key-1", BoxID: "box-1", Prefix: "abcd1234", Hash: "h", Active: true,
			}))

			key, err := s.FindAPIKeyByPrefix(ctx, "abcd1234")
			require.NoError(t, err)
			assert.Equal(t, "key-1", key.ID)
			assert.True(t, key.Active)
			assert.Nil(t, key.RevokedAt)

			require.NoError(t, s.RevokeAPIKey(ctx, "key-1"))
			key, err = s.FindAPIKeyByPrefix(ctx, "abcd1234")
			require.NoError(t, err)
			assert.False(t, key.Active)
			assert.NotNil(t, key.RevokedAt)

			_, err = s.FindAPIKeyByPrefix(ctx, "ffffffff")
			assert.True(t, IsNotFound(err))
			assert.True(t, IsNotFound(s.RevokeAPIKey(ctx, "key-x")))
		})
	}
}

func TestStore_CommandLogs(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()
			for i, boxID := range []string{"box-1", "box-2", "box-1"} {
				require.NoError(t, s.AppendCommandLog(ctx, &models.CommandLog{
					ID:            string(rune('a' + i)),
					CorrelationID: "corr",
					BoxID:         boxID,
					Command:       "bash.exec",
					Args:          json.RawMessage(`{"cmd":"ls"}`),
					Status:        "success",
					CreatedAt:     base.Add(time.Duration(i) * time.Second),
				}))
			}

			logs, err := s.ListCommandLogs(ctx, "box-1", 0)
			require.NoError(t, err)
			require.Len(t, logs, 2)
			assert.Equal(t, "c", logs[0].ID)
			assert.JSONEq(t, `{"cmd":"ls"}`, string(logs[0].Args))

			all, err := s.ListCommandLogs(ctx, "", 1)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestSQLiteStore_EncryptsArgs(t *testing.T) {
	enc := encryption.NewEncryptionManager(file.NewFileService())
	require.NoError(t, enc.SetKey(bytes.Repeat([]byte{3}, 32)))

	path := filepath.Join(t.TempDir(), "relay.db")
	s, err := OpenSQLite(context.Background(), SQLiteOptions{Path: path, Encryptor: enc})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.AppendCommandLog(ctx, &models.CommandLog{
		ID: "1", CorrelationID: "c", BoxID: "b", Command: "bash.exec",
		Args: json.RawMessage(`{"cmd":"secret"}`), Status: "success", CreatedAt: time.Now(),
	}))

	var raw string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT args FROM command_logs WHERE id = '1'`).Scan(&raw))
	assert.NotContains(t, raw, "secret")

	logs, err := s.ListCommandLogs(ctx, "b", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.JSONEq(t, `{"cmd":"secret"}`, string(logs[0].Args))
}

func TestSQLiteStore_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, SQLiteOptions{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, SQLiteOptions{Path: path})
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestOpen_Drivers(t *testing.T) {
	s, err := Open(context.Background(), Options{Driver: DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	_, err = Open(context.Background(), Options{Driver: "postgres"})
	assert.ErrorContains(t, err, "unknown driver")

	_, err = Open(context.Background(), Options{Driver: DriverSQLite})
	assert.Error(t, err)
}

func TestMemoryStore_PingAfterClose(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
