package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/pagegrab/internal/storage"
)

const lastCheckKey = "last_check_time"

// RecordRepository stores download records in SQLite. Every mutating call
// commits before returning; sqlite's synchronous write path provides the
// durability guarantee.
type RecordRepository struct {
	db *sql.DB
}

func NewRecordRepository(dbConn *sql.DB) *RecordRepository {
	return &RecordRepository{db: dbConn}
}

const recordColumns = `id, source_ref, filename, local_path, size, digest, content_kind,
	status, retry_count, error, metadata, created_at, completed_at, updated_at`

func (r *RecordRepository) CreateRecord(sourceRef, filename string) (*storage.Record, error) {
	now := time.Now().UTC()

	rec := &storage.Record{
		ID:        uuid.NewString(),
		SourceRef: sourceRef,
		Filename:  filename,
		Status:    storage.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.Exec(
		`INSERT INTO records (id, source_ref, filename, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SourceRef, rec.Filename, rec.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	return rec, nil
}

func (r *RecordRepository) UpdateRecord(id string, changes storage.RecordUpdate) (*storage.Record, error) {
	current, err := r.GetRecord(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	sets := []string{"updated_at = ?"}
	args := []any{now.Format(time.RFC3339Nano)}

	if changes.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*changes.Status))

		// completed_at is written exactly once, on the transition into completed.
		if *changes.Status == storage.StatusCompleted && current.CompletedAt == nil {
			sets = append(sets, "completed_at = ?")
			args = append(args, now.Format(time.RFC3339Nano))
		}
	}

	if changes.Filename != nil {
		sets = append(sets, "filename = ?")
		args = append(args, *changes.Filename)
	}

	if changes.LocalPath != nil {
		sets = append(sets, "local_path = ?")
		args = append(args, *changes.LocalPath)
	}

	if changes.Size != nil {
		sets = append(sets, "size = ?")
		args = append(args, *changes.Size)
	}

	if changes.Digest != nil {
		sets = append(sets, "digest = ?")
		args = append(args, *changes.Digest)
	}

	if changes.ContentKind != nil {
		sets = append(sets, "content_kind = ?")
		args = append(args, *changes.ContentKind)
	}

	if changes.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *changes.RetryCount)
	}

	if changes.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *changes.Error)
	}

	if changes.Metadata != nil {
		meta, err := json.Marshal(changes.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}

		sets = append(sets, "metadata = ?")
		args = append(args, string(meta))
	}

	args = append(args, id)

	query := "UPDATE records SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := r.db.Exec(query, args...); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}

	return r.GetRecord(id)
}

func (r *RecordRepository) GetRecord(id string) (*storage.Record, error) {
	row := r.db.QueryRow("SELECT "+recordColumns+" FROM records WHERE id = ?", id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	return rec, err
}

func (r *RecordRepository) ListRecords(status storage.Status, limit int) ([]*storage.Record, error) {
	query := "SELECT " + recordColumns + " FROM records"

	var args []any

	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}

	query += " ORDER BY created_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*storage.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *RecordRepository) IsSourceCompleted(sourceRef string) (bool, error) {
	return r.exists(`SELECT 1 FROM records WHERE source_ref = ? AND status = 'completed' LIMIT 1`, sourceRef)
}

func (r *RecordRepository) IsDigestCompleted(digest string) (bool, error) {
	if digest == "" {
		return false, nil
	}

	return r.exists(`SELECT 1 FROM records WHERE digest = ? AND status = 'completed' LIMIT 1`, digest)
}

func (r *RecordRepository) exists(query string, arg any) (bool, error) {
	var one int

	err := r.db.QueryRow(query, arg).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// Stats aggregates over the current records; nothing here is stored
// independently.
func (r *RecordRepository) Stats() (*storage.Stats, error) {
	stats := &storage.Stats{}

	rows, err := r.db.Query(`SELECT status, COUNT(*), COALESCE(SUM(size), 0) FROM records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int64
			size   int64
		)

		if err := rows.Scan(&status, &count, &size); err != nil {
			return nil, err
		}

		switch storage.Status(status) {
		case storage.StatusPending:
			stats.Pending = count
		case storage.StatusDownloading, storage.StatusRetrying:
			stats.Downloading += count
		case storage.StatusFailed:
			stats.Failed = count
		case storage.StatusCompleted:
			stats.Completed = count
			stats.TotalCompleted = count
			stats.TotalSize = size
		case storage.StatusSkipped:
			stats.Skipped = count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if t, err := r.lastCheck(); err == nil && t != nil {
		stats.LastCheckTime = t
	}

	return stats, nil
}

func (r *RecordRepository) SetLastCheck(t time.Time) error {
	_, err := r.db.Exec(
		`INSERT INTO state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastCheckKey, t.UTC().Format(time.RFC3339Nano),
	)

	return err
}

func (r *RecordRepository) lastCheck() (*time.Time, error) {
	var value string

	err := r.db.QueryRow(`SELECT value FROM state WHERE key = ?`, lastCheckKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*storage.Record, error) {
	var (
		rec         storage.Record
		status      string
		metadata    string
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
	)

	err := row.Scan(
		&rec.ID, &rec.SourceRef, &rec.Filename, &rec.LocalPath, &rec.Size,
		&rec.Digest, &rec.ContentKind, &status, &rec.RetryCount, &rec.Error,
		&metadata, &createdAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = storage.Status(status)

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}

		rec.CompletedAt = &t
	}

	return &rec, nil
}
