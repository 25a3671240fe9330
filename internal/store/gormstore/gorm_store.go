// Package gormstore persists position snapshots with Gorm + SQLite.
package gormstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	storemodel "github.com/thomasdunn15/trading-bot/internal/store/model"
	"github.com/thomasdunn15/trading-bot/internal/trader"
)

type positionModel = storemodel.PositionModel

// GormStore implements trader.PositionStore.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ trader.PositionStore = (*GormStore)(nil)

// NewGormStore opens (or creates) the database at path.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: positions path is empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewGormStoreFromDB(db)
}

// NewGormStoreFromDB migrates and wraps an already opened connection.
func NewGormStoreFromDB(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm store: db is nil")
	}
	if err := db.AutoMigrate(&positionModel{}); err != nil {
		return nil, fmt.Errorf("gorm store: migrate: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// one writer (the trader actor) plus HTTP reads
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	return s.db.DB()
}

// SavePosition upserts the snapshot keyed by instrument.
func (s *GormStore) SavePosition(ctx context.Context, pos *trader.Position) error {
	if pos == nil {
		return fmt.Errorf("gorm store: nil position")
	}
	raw, err := pos.Marshal()
	if err != nil {
		return fmt.Errorf("gorm store: encode %s: %w", pos.Instrument, err)
	}
	updated := pos.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	m := positionModel{
		Instrument:    pos.Instrument,
		LifecycleID:   pos.LifecycleID,
		State:         string(pos.State),
		Side:          string(pos.Side),
		Qty:           pos.Qty,
		EntryPrice:    pos.EntryPrice,
		Unreconciled:  pos.Unreconciled,
		Snapshot:      datatypes.JSON(raw),
		UpdatedAtUnix: storemodel.UnixMilli(updated),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instrument"}},
		UpdateAll: true,
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("gorm store: save %s: %w", pos.Instrument, err)
	}
	return nil
}

func (s *GormStore) DeletePosition(ctx context.Context, instrument string) error {
	err := s.db.WithContext(ctx).Where("instrument = ?", instrument).Delete(&positionModel{}).Error
	if err != nil {
		return fmt.Errorf("gorm store: delete %s: %w", instrument, err)
	}
	return nil
}

// ListPositions returns every stored position ordered by instrument.
func (s *GormStore) ListPositions(ctx context.Context) ([]*trader.Position, error) {
	var models []positionModel
	if err := s.db.WithContext(ctx).Order("instrument ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("gorm store: list positions: %w", err)
	}
	out := make([]*trader.Position, 0, len(models))
	for _, m := range models {
		pos, err := trader.UnmarshalPosition([]byte(m.Snapshot))
		if err != nil {
			return nil, fmt.Errorf("gorm store: %s: %w", m.Instrument, err)
		}
		out = append(out, pos)
	}
	return out, nil
}

func ensureDir(path string) error {
	if strings.HasPrefix(path, ":memory:") || strings.HasPrefix(path, "file::memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
