package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benmeehan/boxrelay/internal/models"
)

// MemoryStore keeps everything in process memory. Records are copied on the way
// in and out so callers cannot mutate stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	boxes    map[string]models.Box
	keys     map[string]models.BoxAPIKey // by key id
	prefixes map[string]string           // prefix -> key id
	logs     []models.CommandLog
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		boxes:    make(map[string]models.Box),
		keys:     make(map[string]models.BoxAPIKey),
		prefixes: make(map[string]string),
	}
}

func (s *MemoryStore) Driver() string { return DriverMemory }

func (s *MemoryStore) GetBox(ctx context.Context, boxID string) (*models.Box, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	box, ok := s.boxes[boxID]
	if !ok {
		return nil, NotFoundError{Entity: "box", Key: boxID}
	}
	return &box, nil
}

func (s *MemoryStore) CreateBox(ctx context.Context, box *models.Box) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if box.CreatedAt.IsZero() {
		box.CreatedAt = time.Now().UTC()
	}
	s.boxes[box.ID] = *box
	return nil
}

func (s *MemoryStore) SetBoxActive(ctx context.Context, boxID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.boxes[boxID]
	if !ok {
		return NotFoundError{Entity: "box", Key: boxID}
	}
	box.Active = active
	s.boxes[boxID] = box
	return nil
}

func (s *MemoryStore) BindHardwareID(ctx context.Context, boxID, hardwareID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.boxes[boxID]
	if !ok {
		return false, NotFoundError{Entity: "box", Key: boxID}
	}
	if box.HardwareID != "" {
		return false, nil
	}
	box.HardwareID = hardwareID
	s.boxes[boxID] = box
	return true, nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.BoxAPIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	s.keys[key.ID] = *key
	s.prefixes[key.Prefix] = key.ID
	return nil
}

func (s *MemoryStore) FindAPIKeyByPrefix(ctx context.Context, prefix string) (*models.BoxAPIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.prefixes[prefix]
	if !ok {
		return nil, NotFoundError{Entity: "api key", Key: prefix}
	}
	key := s.keys[id]
	return &key, nil
}

func (s *MemoryStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return NotFoundError{Entity: "api key", Key: keyID}
	}
	now := time.Now().UTC()
	key.Active = false
	key.RevokedAt = &now
	s.keys[keyID] = key
	return nil
}

func (s *MemoryStore) AppendCommandLog(ctx context.Context, entry *models.CommandLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	return nil
}

// ListCommandLogs returns the newest entries for boxID first. An empty boxID lists all boxes.
func (s *MemoryStore) ListCommandLogs(ctx context.Context, boxID string, limit int) ([]models.CommandLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CommandLog, 0)
	for _, entry := range s.logs {
		if boxID == "" || entry.BoxID == boxID {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
