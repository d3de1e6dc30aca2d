package store

import "time"

// Entity type namespaces. Log entries and repertoire pieces never share an
// identity slot even when their ids collide.
const (
	EntityTypeEntry = "entry"
	EntityTypePiece = "piece"
)

// Record is the durable row for one synchronized entity, keyed by
// (user, entity type, entity id). Version only ever increases; DeletedAt is
// a soft-delete marker, the row is never physically removed.
type Record struct {
	UserID     string     `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_records_user_type_updated,priority:1"`
	EntityType string     `gorm:"column:entity_type;primaryKey;size:32;not null;index:idx_records_user_type_updated,priority:2"`
	EntityID   string     `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Data       string     `gorm:"column:payload_json;type:text;not null"`
	Checksum   string     `gorm:"column:checksum;size:64;not null;default:''"`
	DeviceID   string     `gorm:"column:device_id;size:190;not null;default:''"`
	Version    int64      `gorm:"column:version;not null;default:1"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;not null;index:idx_records_user_type_updated,priority:3"`
	DeletedAt  *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_records"
}

// Deleted reports whether the record is a tombstone.
func (r Record) Deleted() bool {
	return r.DeletedAt != nil
}

// Watermark tracks per-user sync freshness. Advisory bookkeeping only:
// clients bound catch-up queries with their own lastSyncTime, not the token.
type Watermark struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastSyncToken string    `gorm:"column:last_sync_token;size:190;not null;default:''"`
	LastSyncAt    time.Time `gorm:"column:last_sync_at;not null"`
	DeviceCount   int       `gorm:"column:device_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Watermark) TableName() string {
	return "sync_watermarks"
}
