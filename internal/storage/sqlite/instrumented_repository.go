package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/pagegrab/internal/storage"
	"github.com/italolelis/pagegrab/internal/telemetry"
)

// InstrumentedRecordRepository wraps RecordRepository with telemetry.
type InstrumentedRecordRepository struct {
	repo *RecordRepository
	tel  *telemetry.Telemetry
}

// NewInstrumentedRecordRepository creates a telemetry-wrapped record repository.
func NewInstrumentedRecordRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRecordRepository {
	return &InstrumentedRecordRepository{
		repo: NewRecordRepository(dbConn),
		tel:  tel,
	}
}

func (r *InstrumentedRecordRepository) CreateRecord(sourceRef, filename string) (*storage.Record, error) {
	var rec *storage.Record

	err := r.tel.InstrumentDBOperation(context.Background(), "create_record", func(ctx context.Context) error {
		var err error
		rec, err = r.repo.CreateRecord(sourceRef, filename)

		return err
	})

	return rec, err
}

func (r *InstrumentedRecordRepository) UpdateRecord(id string, changes storage.RecordUpdate) (*storage.Record, error) {
	var rec *storage.Record

	err := r.tel.InstrumentDBOperation(context.Background(), "update_record", func(ctx context.Context) error {
		var err error
		rec, err = r.repo.UpdateRecord(id, changes)

		return err
	})

	return rec, err
}

func (r *InstrumentedRecordRepository) GetRecord(id string) (*storage.Record, error) {
	var rec *storage.Record

	err := r.tel.InstrumentDBOperation(context.Background(), "get_record", func(ctx context.Context) error {
		var err error
		rec, err = r.repo.GetRecord(id)

		return err
	})

	return rec, err
}

func (r *InstrumentedRecordRepository) ListRecords(status storage.Status, limit int) ([]*storage.Record, error) {
	var records []*storage.Record

	err := r.tel.InstrumentDBOperation(context.Background(), "list_records", func(ctx context.Context) error {
		var err error
		records, err = r.repo.ListRecords(status, limit)

		return err
	})

	return records, err
}

func (r *InstrumentedRecordRepository) IsSourceCompleted(sourceRef string) (bool, error) {
	var completed bool

	err := r.tel.InstrumentDBOperation(context.Background(), "is_source_completed", func(ctx context.Context) error {
		var err error
		completed, err = r.repo.IsSourceCompleted(sourceRef)

		return err
	})

	return completed, err
}

func (r *InstrumentedRecordRepository) IsDigestCompleted(digest string) (bool, error) {
	var completed bool

	err := r.tel.InstrumentDBOperation(context.Background(), "is_digest_completed", func(ctx context.Context) error {
		var err error
		completed, err = r.repo.IsDigestCompleted(digest)

		return err
	})

	return completed, err
}

func (r *InstrumentedRecordRepository) Stats() (*storage.Stats, error) {
	var stats *storage.Stats

	err := r.tel.InstrumentDBOperation(context.Background(), "stats", func(ctx context.Context) error {
		var err error
		stats, err = r.repo.Stats()

		return err
	})

	return stats, err
}

func (r *InstrumentedRecordRepository) SetLastCheck(t time.Time) error {
	return r.tel.InstrumentDBOperation(context.Background(), "set_last_check", func(ctx context.Context) error {
		return r.repo.SetLastCheck(t)
	})
}
