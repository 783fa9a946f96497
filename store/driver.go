package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Record model related methods.
	UpsertRecord(ctx context.Context, upsert *UpsertRecord) (*Record, error)
	ListRecords(ctx context.Context, find *FindRecord) ([]*Record, error)
	LatestRecord(ctx context.Context, dataType DataType) (*Record, error)

	// UserSetting model related methods.
	UpsertUserSetting(ctx context.Context, upsert *UpsertUserSetting) (*UserSetting, error)
	GetUserSetting(ctx context.Context, find *FindUserSetting) (*UserSetting, error)
	DeleteUserSetting(ctx context.Context, delete *DeleteUserSetting) (bool, error)
}
