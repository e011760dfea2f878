// Package deadletter keeps failed secondary effects on disk, one JSON file
// per entry, until an operator replays or discards them.
package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one failed effect.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	EscrowID  string    `json:"escrowId"`
	Error     string    `json:"error"`
}

// Queue writes entries under Dir. An empty Dir disables the queue.
type Queue struct {
	dir     string
	log     *zap.Logger
	onWrite func(depth int)

	mu sync.Mutex
}

func New(dir string, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{dir: dir, log: log.Named("dlq")}
}

// OnWrite registers a callback receiving the depth after each write.
func (q *Queue) OnWrite(fn func(depth int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onWrite = fn
}

func (q *Queue) Write(kind, escrowID string, cause error) error {
	if q.dir == "" {
		return nil
	}
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		EscrowID:  escrowID,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return fmt.Errorf("dlq mkdir: %w", err)
	}
	name := fmt.Sprintf("%d-%s-%s.json", entry.Timestamp.UnixNano(), sanitize(kind), sanitize(escrowID))
	if err := os.WriteFile(filepath.Join(q.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("dlq write: %w", err)
	}
	q.log.Warn("dead-lettered", zap.String("kind", kind), zap.String("escrow_id", escrowID), zap.String("file", name))

	if q.onWrite != nil {
		q.onWrite(q.depthLocked())
	}
	return nil
}

// Depth counts queued entries.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	if q.dir == "" {
		return 0
	}
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			q.log.Error("dlq read", zap.Error(err))
		}
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}

// List returns the queued entries, oldest first.
func (q *Queue) List() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		blob, err := os.ReadFile(filepath.Join(q.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal(blob, &entry); err != nil {
			return nil, fmt.Errorf("dlq entry %s: %w", e.Name(), err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
