package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

// ReadingRepo manages the meter_reading outbox table.
type ReadingRepo struct {
	db *sql.DB
}

// NewReadingRepo creates a repo over the shared pool.
func NewReadingRepo(db *sql.DB) *ReadingRepo {
	return &ReadingRepo{db: db}
}

// InsertBatch inserts one chunk of readings in a single transaction with
// ON CONFLICT DO NOTHING on the dedup key. Returns the number of rows
// actually inserted; duplicates are skipped silently.
func (r *ReadingRepo) InsertBatch(ctx context.Context, readings []model.PendingReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO meter_reading
		(meter_id, element_id, timestamp, data_point, value, unit, sync_status)
		VALUES `)
	args := make([]any, 0, len(readings)*7)
	for i, rd := range readings {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)
		args = append(args, rd.MeterID, rd.ElementID, rd.Timestamp, rd.DataPoint,
			rd.Value, rd.Unit, string(model.SyncPending))
	}
	sb.WriteString(" ON CONFLICT ON CONSTRAINT meter_reading_dedup DO NOTHING")

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("insert readings: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return int(inserted), nil
}

// SelectForUpload picks up to limit pending readings under the retry budget
// (oldest first) and marks them in_flight within one transaction, so
// concurrent selectors cannot pick the same rows. SKIP LOCKED keeps a stuck
// transaction from blocking later cycles.
func (r *ReadingRepo) SelectForUpload(ctx context.Context, limit, maxRetries int) ([]model.MeterReading, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, meter_id, element_id, timestamp, data_point, value, unit,
		       is_synchronized, sync_status, retry_count, COALESCE(last_error, ''), created_at
		FROM meter_reading
		WHERE sync_status = 'pending' AND retry_count < $2
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit, maxRetries)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var batch []model.MeterReading
	for rows.Next() {
		var mr model.MeterReading
		if err := rows.Scan(&mr.ID, &mr.MeterID, &mr.ElementID, &mr.Timestamp,
			&mr.DataPoint, &mr.Value, &mr.Unit, &mr.IsSynchronized,
			&mr.SyncStatus, &mr.RetryCount, &mr.LastError, &mr.CreatedAt); err != nil {
			rows.Close()
			tx.Rollback()
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		batch = append(batch, mr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		tx.Rollback()
		return nil, err
	}
	rows.Close()

	if len(batch) == 0 {
		tx.Rollback()
		return nil, nil
	}

	query, args := updateStatusQuery("in_flight", batch)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("mark in_flight: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	for i := range batch {
		batch[i].SyncStatus = model.SyncInFlight
	}
	return batch, nil
}

// MarkDone finalizes an accepted batch.
func (r *ReadingRepo) MarkDone(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := idListQuery(`UPDATE meter_reading
		SET sync_status = 'done', is_synchronized = TRUE, last_error = NULL
		WHERE id IN (%s)`, ids)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// MarkFailed marks a rejected batch as permanently failed with the remote's
// reason. Failed rows are never retried automatically.
func (r *ReadingRepo) MarkFailed(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := idListQuery(`UPDATE meter_reading
		SET sync_status = 'failed', retry_count = retry_count + 1, last_error = $`+
		fmt.Sprint(len(ids)+1)+`
		WHERE id IN (%s)`, ids)
	args = append(args, reason)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// RevertToPending returns an in-flight batch to pending after a transient
// upload failure, recording the error for diagnostics.
func (r *ReadingRepo) RevertToPending(ctx context.Context, ids []int64, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := idListQuery(`UPDATE meter_reading
		SET sync_status = 'pending', retry_count = retry_count + 1, last_error = $`+
		fmt.Sprint(len(ids)+1)+`
		WHERE id IN (%s)`, ids)
	args = append(args, reason)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("revert to pending: %w", err)
	}
	return nil
}

// RevertInFlight returns every in_flight row to pending. Called once on
// startup: rows stuck in_flight mean the process died mid-upload.
func (r *ReadingRepo) RevertInFlight(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE meter_reading
		SET sync_status = 'pending'
		WHERE sync_status = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("revert in_flight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// CountPending returns the number of pending outbox rows.
func (r *ReadingRepo) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM meter_reading WHERE sync_status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// CountByStatus returns outbox row counts grouped by sync_status.
func (r *ReadingRepo) CountByStatus(ctx context.Context) (map[model.SyncStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT sync_status, count(*) FROM meter_reading GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[model.SyncStatus]int, 4)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[model.SyncStatus(status)] = n
	}
	return out, rows.Err()
}

// updateStatusQuery builds a status update over an explicit id list. Dynamic
// placeholders keep the statement portable across drivers without array
// binding.
func updateStatusQuery(status string, batch []model.MeterReading) (string, []any) {
	ids := make([]int64, len(batch))
	for i, mr := range batch {
		ids[i] = mr.ID
	}
	query, args := idListQuery(`UPDATE meter_reading SET sync_status = '`+status+`' WHERE id IN (%s)`, ids)
	return query, args
}

func idListQuery(format string, ids []int64) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return fmt.Sprintf(format, strings.Join(placeholders, ", ")), args
}
