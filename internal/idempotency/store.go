// Package idempotency replays stored responses for repeated requests that
// carry the same idempotency key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record holds a stored response and the hash of the request that produced it.
// A record with a zero StatusCode is a reservation for a request still in
// flight.
type Record struct {
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Matches reports whether hash identifies the request this record answered.
func (r *Record) Matches(hash string) bool {
	return r.RequestHash == hash
}

// Pending reports whether the record is a reservation without a response.
func (r *Record) Pending() bool {
	return r.StatusCode == 0
}

// Store abstracts idempotency persistence. Get returns nil for a missing or
// expired key.
//
// Reserve atomically claims a free key for the request identified by hash
// and returns nil. When the key is taken it returns the live record instead,
// which may itself be a pending reservation. Save replaces the reservation
// with the final response. Release drops a reservation that is still pending
// for hash so the request can be retried.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Reserve(ctx context.Context, key, hash string, ttl time.Duration) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Release(ctx context.Context, key, hash string) error
}

func reservation(hash string, now time.Time, ttl time.Duration) Record {
	return Record{
		RequestHash: hash,
		Response:    []byte{},
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// inFlight stands in for a reservation that vanished between a failed claim
// and the read that followed it.
func inFlight(hash string) *Record {
	return &Record{RequestHash: hash}
}

// HashRequest fingerprints a request so a reused key with a different body
// can be told apart from a replay.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(m.data, key)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Reserve(_ context.Context, key, hash string, ttl time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if rec, ok := m.data[key]; ok && !now.After(rec.ExpiresAt) {
		return &rec, nil
	}
	m.data[key] = reservation(hash, now, ttl)
	return nil, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && rec.Pending() && rec.Matches(hash) {
		delete(m.data, key)
	}
	return nil
}

// FileStore persists records to a single JSON file. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(record.ExpiresAt) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Reserve(_ context.Context, key, hash string, ttl time.Duration) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if rec, ok := f.data[key]; ok && !now.After(rec.ExpiresAt) {
		return &rec, nil
	}
	f.data[key] = reservation(hash, now, ttl)
	if err := f.persist(); err != nil {
		delete(f.data, key)
		return nil, err
	}
	return nil, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}

func (f *FileStore) Release(_ context.Context, key, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[key]
	if !ok || !rec.Pending() || !rec.Matches(hash) {
		return nil
	}
	delete(f.data, key)
	return f.persist()
}
