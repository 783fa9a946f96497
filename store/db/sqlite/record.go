package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/hdmeal/hdmeal/store"
)

func (d *DB) UpsertRecord(ctx context.Context, upsert *store.UpsertRecord) (*store.Record, error) {
	stmt := `
		INSERT INTO record (type, date, grade, class_section, absent, absent_reason, payload, synced_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (type, date, grade, class_section) DO UPDATE SET
			absent = EXCLUDED.absent,
			absent_reason = EXCLUDED.absent_reason,
			payload = EXCLUDED.payload,
			synced_ts = EXCLUDED.synced_ts
		RETURNING id, type, date, grade, class_section, absent, absent_reason, payload, synced_ts`

	record, err := scanRecord(d.db.QueryRowContext(ctx, stmt,
		upsert.Type, store.FormatDate(upsert.Date), upsert.Grade, upsert.ClassSection,
		upsert.Absent, upsert.AbsentReason, upsert.Payload, upsert.SyncedTs,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert record")
	}
	return record, nil
}

func (d *DB) ListRecords(ctx context.Context, find *store.FindRecord) ([]*store.Record, error) {
	where, args := []string{"record.type = ?"}, []any{find.Type}

	if v := find.Range; v != nil {
		where, args = append(where, "record.date >= ?"), append(args, store.FormatDate(v.Start))
		where, args = append(where, "record.date <= ?"), append(args, store.FormatDate(v.End))
	}
	if v := find.Grade; v != nil {
		where, args = append(where, "record.grade = ?"), append(args, *v)
	}
	if v := find.ClassSection; v != nil {
		where, args = append(where, "record.class_section = ?"), append(args, *v)
	}

	query := `
		SELECT id, type, date, grade, class_section, absent, absent_reason, payload, synced_ts
		FROM record
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY record.date ASC, record.grade ASC, record.class_section ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query records")
	}
	defer rows.Close()

	list := make([]*store.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate records")
	}
	return list, nil
}

func (d *DB) LatestRecord(ctx context.Context, dataType store.DataType) (*store.Record, error) {
	query := `
		SELECT id, type, date, grade, class_section, absent, absent_reason, payload, synced_ts
		FROM record
		WHERE record.type = ?
		ORDER BY record.synced_ts DESC
		LIMIT 1`

	record, err := scanRecord(d.db.QueryRowContext(ctx, query, dataType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to query latest record")
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*store.Record, error) {
	var record store.Record
	var date string
	if err := row.Scan(
		&record.ID, &record.Type, &date, &record.Grade, &record.ClassSection,
		&record.Absent, &record.AbsentReason, &record.Payload, &record.SyncedTs,
	); err != nil {
		return nil, err
	}
	parsed, err := store.ParseDate(date)
	if err != nil {
		return nil, err
	}
	record.Date = parsed
	return &record, nil
}
