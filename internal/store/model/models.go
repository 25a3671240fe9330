package model

import (
	"time"

	"gorm.io/datatypes"
)

// PositionModel is one open position per instrument. Snapshot holds the
// complete serialized position; the other columns are for inspection.
type PositionModel struct {
	Instrument    string         `gorm:"column:instrument;primaryKey"`
	LifecycleID   string         `gorm:"column:lifecycle_id;index"`
	State         string         `gorm:"column:state"`
	Side          string         `gorm:"column:side"`
	Qty           int            `gorm:"column:qty"`
	EntryPrice    float64        `gorm:"column:entry_price"`
	Unreconciled  bool           `gorm:"column:unreconciled"`
	Snapshot      datatypes.JSON `gorm:"column:snapshot"`
	UpdatedAtUnix int64          `gorm:"column:updated_at;index"`
}

func (PositionModel) TableName() string { return "positions" }

func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
