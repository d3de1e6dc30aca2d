package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("store: database handle is required")
	errMissingUserID     = errors.New("store: user identifier is required")
	errMissingEntityType = errors.New("store: entity type is required")
	errMissingEntityID   = errors.New("store: entity identifier is required")
	noOpLogger           = zap.NewNop()
)

// Store is the durable adapter for synchronized records and watermarks.
type Store interface {
	// Upsert inserts or updates the record for (user, entityType, entityID)
	// and returns the resulting version. The version increment happens inside
	// the conflict clause of a single statement, never as read-then-write.
	Upsert(ctx context.Context, userID, entityType, entityID string, data map[string]interface{}, deviceID string) (int64, error)
	// SoftDelete marks the record deleted. Idempotent: deleting an already
	// deleted record succeeds and keeps the original deletion time. The
	// returned boolean reports whether the identity slot exists at all.
	SoftDelete(ctx context.Context, userID, entityType, entityID string) (bool, error)
	// QueryNewerThan returns records updated strictly after since, newest
	// first, bounded by limit. Tombstones are included; callers decide
	// whether to forward them.
	QueryNewerThan(ctx context.Context, userID, entityType string, since time.Time, limit int) ([]Record, error)
	// UpdateWatermark records per-user sync freshness. Best-effort
	// bookkeeping; callers must not let its failure reach the write path.
	UpdateWatermark(ctx context.Context, userID, token string, deviceCount int) error
	// Get returns the record for the identity, or nil when absent.
	Get(ctx context.Context, userID, entityType, entityID string) (*Record, error)
}

// GormStoreConfig describes the dependencies of the GORM-backed store.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore persists records through GORM, one table for records and one
// for watermarks.
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore constructs the durable store adapter.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Upsert implements Store.
func (s *GormStore) Upsert(ctx context.Context, userID, entityType, entityID string, data map[string]interface{}, deviceID string) (int64, error) {
	if err := validateIdentity(userID, entityType, entityID); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("store: marshal payload: %w", err)
	}
	sum, err := Checksum(data)
	if err != nil {
		return 0, err
	}

	now := s.clock().UTC()
	record := Record{
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       string(payload),
		Checksum:   sum,
		DeviceID:   deviceID,
		Version:    1,
		UpdatedAt:  now,
	}

	// An upsert that lands on a tombstone resurrects the entity under a new
	// version; stale writes cannot resurrect anything because they still go
	// through the same version increment.
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "entity_type"}, {Name: "entity_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"payload_json": string(payload),
			"checksum":     sum,
			"device_id":    deviceID,
			"version":      gorm.Expr("version + 1"),
			"updated_at":   now,
			"deleted_at":   nil,
		}),
	}).Create(&record).Error
	if err != nil {
		return 0, fmt.Errorf("store: upsert %s/%s: %w", entityType, entityID, err)
	}

	var stored Record
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, entityType, entityID).
		Take(&stored).Error; err != nil {
		return 0, fmt.Errorf("store: read back version %s/%s: %w", entityType, entityID, err)
	}
	return stored.Version, nil
}

// SoftDelete implements Store.
func (s *GormStore) SoftDelete(ctx context.Context, userID, entityType, entityID string) (bool, error) {
	if err := validateIdentity(userID, entityType, entityID); err != nil {
		return false, err
	}

	now := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, entityType, entityID).
		Where("deleted_at IS NULL").
		Updates(map[string]interface{}{"deleted_at": now, "updated_at": now})
	if result.Error != nil {
		return false, fmt.Errorf("store: soft delete %s/%s: %w", entityType, entityID, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// Either already deleted (idempotent success) or never written.
	var count int64
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, entityType, entityID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: soft delete lookup %s/%s: %w", entityType, entityID, err)
	}
	return count > 0, nil
}

// QueryNewerThan implements Store.
func (s *GormStore) QueryNewerThan(ctx context.Context, userID, entityType string, since time.Time, limit int) ([]Record, error) {
	if userID == "" {
		return nil, errMissingUserID
	}
	if entityType == "" {
		return nil, errMissingEntityType
	}

	var records []Record
	query := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_type = ? AND updated_at > ?", userID, entityType, since.UTC()).
		Order("updated_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("store: query newer than: %w", err)
	}
	return records, nil
}

// UpdateWatermark implements Store.
func (s *GormStore) UpdateWatermark(ctx context.Context, userID, token string, deviceCount int) error {
	if userID == "" {
		return errMissingUserID
	}

	mark := Watermark{
		UserID:        userID,
		LastSyncToken: token,
		LastSyncAt:    s.clock().UTC(),
		DeviceCount:   deviceCount,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&mark).Error
	if err != nil {
		return fmt.Errorf("store: update watermark: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *GormStore) Get(ctx context.Context, userID, entityType, entityID string) (*Record, error) {
	if err := validateIdentity(userID, entityType, entityID); err != nil {
		return nil, err
	}

	var record Record
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity_type = ? AND entity_id = ?", userID, entityType, entityID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", entityType, entityID, err)
	}
	return &record, nil
}

func validateIdentity(userID, entityType, entityID string) error {
	if userID == "" {
		return errMissingUserID
	}
	if entityType == "" {
		return errMissingEntityType
	}
	if entityID == "" {
		return errMissingEntityID
	}
	return nil
}
