package fetcher

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/italolelis/pagegrab/internal/logctx"
	"github.com/italolelis/pagegrab/internal/storage"
	"golang.org/x/sync/errgroup"
)

// BatchOutcome aggregates a multi-reference download.
type BatchOutcome struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// RetrySummary aggregates a retry-all pass over failed records.
type RetrySummary struct {
	Retried    int `json:"retried"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// DownloadMultiple fans the references out over at most maxParallel workers.
// Individual failures are absorbed into the counts.
func (f *Fetcher) DownloadMultiple(ctx context.Context, refs []string) *BatchOutcome {
	logger := logctx.LoggerFromContext(ctx)

	var successful, failed, skipped int32

	wg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, f.maxParallel)

	for _, ref := range refs {
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }()

			outcome, err := f.Fetch(ctx, ref, Options{})
			if err != nil {
				logger.Error("failed to fetch reference", "source_ref", ref, "err", err)
				atomic.AddInt32(&failed, 1)

				return nil
			}

			switch {
			case outcome.Success:
				atomic.AddInt32(&successful, 1)
			case outcome.Reason == ReasonDownloadFailed:
				atomic.AddInt32(&failed, 1)
			default:
				atomic.AddInt32(&skipped, 1)
			}

			return nil
		})
	}

	wg.Wait() //nolint:errcheck // workers never return errors

	return &BatchOutcome{
		Successful: int(successful),
		Failed:     int(failed),
		Skipped:    int(skipped),
	}
}

// RetryFailed re-queues every failed record (retry count reset, error
// cleared) and re-runs the full attempt sequence for each. With zero failed
// records it returns immediately without touching the store.
func (f *Fetcher) RetryFailed(ctx context.Context) (*RetrySummary, error) {
	logger := logctx.LoggerFromContext(ctx)

	failedRecords, err := f.repo.ListRecords(storage.StatusFailed, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed records: %w", err)
	}

	summary := &RetrySummary{}
	if len(failedRecords) == 0 {
		return summary, nil
	}

	logger.Info("retrying failed downloads", "count", len(failedRecords))

	for _, rec := range failedRecords {
		updated, err := f.repo.UpdateRecord(rec.ID, storage.RecordUpdate{
			Status:     storage.StatusPtr(storage.StatusPending),
			RetryCount: storage.IntPtr(0),
			Error:      storage.StringPtr(""),
		})
		if err != nil {
			logger.Error("failed to re-queue record", "record_id", rec.ID, "err", err)

			continue
		}

		summary.Retried++

		// Another record may have completed this source since the failure;
		// settling skipped protects the one-completed-per-source invariant.
		done, err := f.repo.IsSourceCompleted(updated.SourceRef)
		if err == nil && done {
			if _, err := f.repo.UpdateRecord(updated.ID, storage.RecordUpdate{
				Status: storage.StatusPtr(storage.StatusSkipped),
			}); err != nil {
				logger.Error("failed to skip re-queued record", "record_id", updated.ID, "err", err)
			}

			summary.Skipped++

			continue
		}

		outcome := f.deliver(ctx, updated, f.maxRetries)

		switch {
		case outcome.Success:
			summary.Successful++
		case outcome.Reason == ReasonDuplicateContent, outcome.Reason == ReasonAlreadyDownloaded:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	return summary, nil
}
