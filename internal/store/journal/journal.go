// Package journal keeps the append-only event journal of the trader actor
// in SQLite (modernc driver, no cgo).
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/thomasdunn15/trading-bot/internal/trader"
)

const schema = `
CREATE TABLE IF NOT EXISTS trader_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id    TEXT NOT NULL,
	type        TEXT NOT NULL,
	instrument  TEXT,
	payload     TEXT,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trader_events_instrument ON trader_events(instrument);
CREATE INDEX IF NOT EXISTS idx_trader_events_created ON trader_events(created_at);
`

// Store implements trader.EventStore.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	timeout time.Duration
}

var _ trader.EventStore = (*Store)(nil)

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Store{db: db, timeout: 5 * time.Second}, nil
}

func (s *Store) Append(evt trader.EventEnvelope) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("journal closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	created := evt.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO trader_events (event_id, type, instrument, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		evt.ID, string(evt.Type), evt.Instrument, string(evt.Payload), created.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal append %s: %w", evt.Type, err)
	}
	return nil
}

// Recent returns up to limit of the newest events, oldest first.
func (s *Store) Recent(limit int) ([]trader.EventEnvelope, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("journal closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	rows, err := db.QueryContext(ctx,
		`SELECT event_id, type, instrument, payload, created_at FROM trader_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []trader.EventEnvelope
	for rows.Next() {
		var (
			evt        trader.EventEnvelope
			typ        string
			instrument sql.NullString
			payload    sql.NullString
			created    int64
		)
		if err := rows.Scan(&evt.ID, &typ, &instrument, &payload, &created); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		evt.Type = trader.EventType(typ)
		evt.Instrument = instrument.String
		if payload.Valid && payload.String != "" {
			evt.Payload = json.RawMessage(payload.String)
		}
		evt.CreatedAt = time.UnixMilli(created)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
