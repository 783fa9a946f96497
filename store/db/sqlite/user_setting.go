package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hdmeal/hdmeal/store"
)

func (d *DB) UpsertUserSetting(ctx context.Context, upsert *store.UpsertUserSetting) (*store.UserSetting, error) {
	stmt := `
		INSERT INTO user_setting (platform, external_id, grade, class_section, allergy)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (platform, external_id) DO UPDATE SET
			grade = EXCLUDED.grade,
			class_section = EXCLUDED.class_section,
			allergy = EXCLUDED.allergy,
			updated_ts = strftime('%s', 'now')
		RETURNING id, platform, external_id, grade, class_section, allergy, created_ts, updated_ts`

	setting, err := scanUserSetting(d.db.QueryRowContext(ctx, stmt,
		upsert.Platform, upsert.ExternalID, upsert.Grade, upsert.ClassSection, upsert.Allergy,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert user setting")
	}
	return setting, nil
}

func (d *DB) GetUserSetting(ctx context.Context, find *store.FindUserSetting) (*store.UserSetting, error) {
	query := `
		SELECT id, platform, external_id, grade, class_section, allergy, created_ts, updated_ts
		FROM user_setting
		WHERE platform = ? AND external_id = ?`

	setting, err := scanUserSetting(d.db.QueryRowContext(ctx, query, find.Platform, find.ExternalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to query user setting")
	}
	return setting, nil
}

func (d *DB) DeleteUserSetting(ctx context.Context, delete *store.DeleteUserSetting) (bool, error) {
	result, err := d.db.ExecContext(ctx,
		"DELETE FROM user_setting WHERE platform = ? AND external_id = ?",
		delete.Platform, delete.ExternalID,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete user setting")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return affected > 0, nil
}

func scanUserSetting(row rowScanner) (*store.UserSetting, error) {
	var setting store.UserSetting
	if err := row.Scan(
		&setting.ID, &setting.Platform, &setting.ExternalID,
		&setting.Grade, &setting.ClassSection, &setting.Allergy,
		&setting.CreatedTs, &setting.UpdatedTs,
	); err != nil {
		return nil, err
	}
	return &setting, nil
}
