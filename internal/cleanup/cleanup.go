package cleanup

import (
	"context"
	"os"
	"time"

	"github.com/italolelis/pagegrab/internal/logctx"
	"github.com/italolelis/pagegrab/internal/storage"
)

// DeleteExpiredFiles removes downloaded files older than keepDuration. Age is
// measured from the record's completion time, falling back to the file's mod
// time when the record predates the completed_at column.
func DeleteExpiredFiles(ctx context.Context, records []*storage.Record, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	for _, rec := range records {
		if rec.LocalPath == "" {
			continue
		}

		info, err := os.Stat(rec.LocalPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat file", "file", rec.LocalPath, "err", err)

			return err
		}

		completedAt := info.ModTime()
		if rec.CompletedAt != nil {
			completedAt = *rec.CompletedAt
		}

		if now.Sub(completedAt) > keepDuration {
			if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete expired file", "file", rec.LocalPath, "err", err)

				return err
			}

			logger.Info("deleted expired file", "file", rec.LocalPath)
		}
	}

	return nil
}
