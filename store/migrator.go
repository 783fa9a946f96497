package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

// The schema is a single idempotent LATEST.sql per driver. The cache holds
// only the latest value per key, so there is no historical data to carry
// across schema versions; re-applying the schema on every start is enough.

//go:embed migration
var migrationFS embed.FS

const latestSchemaFileName = "LATEST.sql"

// Migrate applies the schema for the configured driver.
func (s *Store) Migrate(ctx context.Context) error {
	schemaPath := fmt.Sprintf("migration/%s/%s", s.profile.Driver, latestSchemaFileName)
	buf, err := migrationFS.ReadFile(schemaPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read schema file %s", schemaPath)
	}

	if _, err := s.driver.GetDB().ExecContext(ctx, string(buf)); err != nil {
		return errors.Wrapf(err, "failed to apply schema for driver %s", s.profile.Driver)
	}

	slog.Info("database schema applied", "driver", s.profile.Driver)
	return nil
}
