package trader

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/thomasdunn15/trading-bot/internal/logger"
)

// EventStore is the append-only journal of events applied by the actor.
type EventStore interface {
	Append(evt EventEnvelope) error

	// Recent returns up to limit of the newest events, oldest first.
	Recent(limit int) ([]EventEnvelope, error)

	Close() error
}

const defaultRecentLimit = 100

// FileEventStore journals events as JSON lines. It backs the journal when the
// configured journal path ends in .jsonl.
type FileEventStore struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	closed bool
}

func NewFileEventStore(path string) (*FileEventStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store file: %w", err)
	}
	return &FileEventStore{path: path, file: f}, nil
}

// Append writes evt as one line. The reply channel is never serialized.
func (s *FileEventStore) Append(evt EventEnvelope) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("event store closed")
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Recent scans the file keeping only the last limit events. A torn final
// line, as left by a crash mid-write, is skipped.
func (s *FileEventStore) Recent(limit int) ([]EventEnvelope, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("event store closed")
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store for reading: %w", err)
	}
	defer f.Close()

	ring := make([]EventEnvelope, 0, limit)
	next := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var evt EventEnvelope
		if err := json.Unmarshal(raw, &evt); err != nil {
			logger.Warnf("Trader: journal %s line %d unreadable: %v", s.path, line, err)
			continue
		}
		if len(ring) < limit {
			ring = append(ring, evt)
			continue
		}
		ring[next] = evt
		next = (next + 1) % limit
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event store: %w", err)
	}
	return append(ring[next:], ring[:next]...), nil
}

func (s *FileEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
