package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hupe1980/imago/model"
)

var (
	// ErrNotFound is returned when a requested record doesn't exist.
	ErrNotFound = errors.New("metastore: not found")

	// ErrIllegalTransition is returned when a status update violates the
	// forward-only lifecycle.
	ErrIllegalTransition = errors.New("metastore: illegal status transition")
)

// Store is the SQLite-backed metadata store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at dbPath. ":memory:" works for tests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("metastore: open: %w", err)
	}

	// Single writer; SQLite serializes writes anyway and this avoids
	// SQLITE_BUSY churn under the coordinator's worker pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("metastore: %s: %w", pragma, err)
		}
	}

	if err := applyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `id, fingerprint, status, owner, content_type, locator,
	caption, tags, width, height, size_bytes, model_name, model_dim,
	fail_reason, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*model.ImageRecord, error) {
	var (
		rec      model.ImageRecord
		tagsJSON string
		created  int64
		updated  int64
	)
	err := row.Scan(&rec.ID, &rec.Fingerprint, &rec.Status, &rec.Owner,
		&rec.ContentType, &rec.Locator, &rec.Caption, &tagsJSON,
		&rec.Width, &rec.Height, &rec.SizeBytes,
		&rec.Model.Name, &rec.Model.Dimension,
		&rec.FailReason, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		return nil, fmt.Errorf("metastore: decode tags: %w", err)
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return &rec, nil
}

// CreateOrGet resolves a fingerprint to a record, creating a PENDING row
// on first sight. The whole decision runs in one transaction so two
// concurrent uploads of the same bytes cannot both insert.
//
// Returns (record, fresh): fresh is true when the caller owns the
// pipeline run, either for a brand-new record or a FAILED one that was
// reset to PENDING for retry.
func (s *Store) CreateOrGet(ctx context.Context, fp model.Fingerprint, meta model.UploadMeta) (*model.ImageRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM images WHERE fingerprint = ? ORDER BY created_at LIMIT 1`, fp)
	existing, err := scanRecord(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	if existing != nil {
		if existing.Status != model.StatusFailed {
			// Idempotent dedup: second upload resolves to the first record.
			return existing, false, nil
		}
		// Retry path: reset the failed row to PENDING.
		_, err = tx.ExecContext(ctx,
			`UPDATE images SET status = ?, fail_reason = '', updated_at = ? WHERE id = ?`,
			model.StatusPending, now.Unix(), existing.ID)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		existing.Status = model.StatusPending
		existing.FailReason = ""
		existing.UpdatedAt = now
		return existing, true, nil
	}

	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, false, err
	}

	createdAt := meta.UploadedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	rec := &model.ImageRecord{
		ID:          model.ImageID(uuid.NewString()),
		Fingerprint: fp,
		Status:      model.StatusPending,
		Owner:       meta.Owner,
		ContentType: meta.ContentType,
		Locator:     meta.Locator,
		Caption:     meta.Caption,
		Tags:        meta.Tags,
		CreatedAt:   createdAt.UTC(),
		UpdatedAt:   now,
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO images (id, fingerprint, status, owner, content_type, locator,
	caption, tags, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Fingerprint, rec.Status, rec.Owner, rec.ContentType,
		rec.Locator, rec.Caption, string(tagsJSON),
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id model.ImageID) (*model.ImageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM images WHERE id = ?`, id)
	return scanRecord(row)
}

// GetByFingerprint returns the record owning a fingerprint, preferring a
// live row over a failed one.
func (s *Store) GetByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.ImageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM images WHERE fingerprint = ?
		 ORDER BY CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END, created_at LIMIT 1`, fp)
	return scanRecord(row)
}

// UpdateStatus advances a record along the lifecycle. Transitions that
// violate the forward-only ordering fail with ErrIllegalTransition; the
// no-op update (same status) succeeds so idempotent replays stay cheap.
func (s *Store) UpdateStatus(ctx context.Context, id model.ImageID, next model.Status) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == next {
		return nil
	}
	if !rec.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (id %s)", ErrIllegalTransition, rec.Status, next, id)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE images SET status = ?, updated_at = ? WHERE id = ?`,
		next, time.Now().Unix(), id)
	return err
}

// MarkFailed moves a record to FAILED with a reason. Failing a terminal
// record is rejected.
func (s *Store) MarkFailed(ctx context.Context, id model.ImageID, reason string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Status.CanTransition(model.StatusFailed) {
		return fmt.Errorf("%w: %s -> FAILED (id %s)", ErrIllegalTransition, rec.Status, id)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE images SET status = ?, fail_reason = ?, updated_at = ? WHERE id = ?`,
		model.StatusFailed, reason, time.Now().Unix(), id)
	return err
}

// SetImageInfo records decode-derived properties.
func (s *Store) SetImageInfo(ctx context.Context, id model.ImageID, width, height int, sizeBytes int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE images SET width = ?, height = ?, size_bytes = ?, updated_at = ? WHERE id = ?`,
		width, height, sizeBytes, time.Now().Unix(), id)
	return err
}

// SetModel stamps the embedding model version that produced the record's
// committed vector.
func (s *Store) SetModel(ctx context.Context, id model.ImageID, mv model.ModelVersion) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE images SET model_name = ?, model_dim = ?, updated_at = ? WHERE id = ?`,
		mv.Name, mv.Dimension, time.Now().Unix(), id)
	return err
}

// SetAnnotations replaces the caption and tags of a record.
func (s *Store) SetAnnotations(ctx context.Context, id model.ImageID, caption string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET caption = ?, tags = ?, updated_at = ? WHERE id = ?`,
		caption, string(tagsJSON), time.Now().Unix(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSpans replaces the stored OCR spans of an image. Replaying the same
// spans is a no-op in effect, which keeps the recovery pass idempotent.
func (s *Store) SaveSpans(ctx context.Context, id model.ImageID, spans []model.Span) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM spans WHERE image_id = ?`, id); err != nil {
		return err
	}
	for i, sp := range spans {
		var x0, y0, x1, y1 any
		if sp.Region != nil {
			x0, y0, x1, y1 = sp.Region.X0, sp.Region.Y0, sp.Region.X1, sp.Region.Y1
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO spans (image_id, seq, text, confidence, x0, y0, x1, y1)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, sp.Text, sp.Confidence, x0, y0, x1, y1); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSpans returns the stored OCR spans of an image in insertion order.
func (s *Store) GetSpans(ctx context.Context, id model.ImageID) ([]model.Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, confidence, x0, y0, x1, y1 FROM spans WHERE image_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []model.Span
	for rows.Next() {
		var (
			sp             model.Span
			x0, y0, x1, y1 sql.NullInt64
		)
		if err := rows.Scan(&sp.Text, &sp.Confidence, &x0, &y0, &x1, &y1); err != nil {
			return nil, err
		}
		if x0.Valid {
			sp.Region = &model.Rect{X0: int(x0.Int64), Y0: int(y0.Int64), X1: int(x1.Int64), Y1: int(y1.Int64)}
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

// ListByStatus returns all records in any of the given statuses, oldest
// first. The recovery pass scans with the non-terminal statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.ImageRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + recordColumns + ` FROM images WHERE status IN (?` // first placeholder
	args := []any{statuses[0]}
	for _, st := range statuses[1:] {
		query += ", ?"
		args = append(args, st)
	}
	query += `) ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a record and its spans.
func (s *Store) Delete(ctx context.Context, id model.ImageID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	return n, err
}
