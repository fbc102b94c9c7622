package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/pagegrab/internal/listing"
	"github.com/italolelis/pagegrab/internal/logctx"
	"github.com/italolelis/pagegrab/internal/manifest"
	"github.com/italolelis/pagegrab/internal/storage"
	"github.com/italolelis/pagegrab/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	defaultFilename   = "download"
	defaultMaxRetries = 3
	defaultBaseDelay  = 2 * time.Second
	defaultTimeout    = 30 * time.Second

	eventBuffer = 16
)

// Reason classifies a settled download attempt that did not complete.
type Reason string

const (
	ReasonUnsupportedExtension Reason = "unsupported_extension"
	ReasonAlreadyDownloaded    Reason = "already_downloaded"
	ReasonDuplicateContent     Reason = "duplicate_content"
	ReasonDownloadFailed       Reason = "download_failed"
)

// Outcome is the settled result of a single fetch. Record is nil when the
// reference was rejected before a record was created.
type Outcome struct {
	Success bool            `json:"success"`
	Reason  Reason          `json:"reason,omitempty"`
	Record  *storage.Record `json:"record,omitempty"`
}

// Options tweaks a single fetch.
type Options struct {
	Filename   string
	MaxRetries int
}

// Config wires a Fetcher.
type Config struct {
	DownloadDir         string
	SupportedExtensions []string
	MaxRetries          int
	RetryBaseDelay      time.Duration
	RequestTimeout      time.Duration
	MaxParallel         int
}

// Fetcher delivers references to disk: network fetch, content digest,
// collision-free naming, record bookkeeping and the retry/backoff policy.
type Fetcher struct {
	repo        storage.RecordRepository
	client      *http.Client
	downloadDir string
	supported   map[string]struct{}
	maxRetries  int
	baseDelay   time.Duration
	maxParallel int
	man         *manifest.Writer
	tel         *telemetry.Telemetry

	// commitMu serializes the dedup-check/commit section of settle: the
	// digest and source re-checks, destination probing and the completed
	// update must see each other's writes.
	commitMu sync.Mutex

	// eventMu guards the event channels so an emit can never race Close.
	eventMu sync.Mutex
	closed  bool

	OnDownloadFinished chan *storage.Record
	OnDownloadFailed   chan *storage.Record
}

func New(repo storage.RecordRepository, cfg Config, man *manifest.Writer, tel *telemetry.Telemetry) *Fetcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultBaseDelay
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}

	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}

	return &Fetcher{
		repo: repo,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		downloadDir: cfg.DownloadDir,
		supported:   listing.NormalizeExtensions(cfg.SupportedExtensions),
		maxRetries:  cfg.MaxRetries,
		baseDelay:   cfg.RetryBaseDelay,
		maxParallel: cfg.MaxParallel,
		man:         man,
		tel:         tel,

		OnDownloadFinished: make(chan *storage.Record, eventBuffer),
		OnDownloadFailed:   make(chan *storage.Record, eventBuffer),
	}
}

func (f *Fetcher) Close() {
	f.eventMu.Lock()
	defer f.eventMu.Unlock()

	if f.closed {
		return
	}

	f.closed = true
	close(f.OnDownloadFinished)
	close(f.OnDownloadFailed)
}

// Fetch downloads a single reference. The returned error is reserved for
// record store failures; delivery failures settle into the Outcome.
func (f *Fetcher) Fetch(ctx context.Context, sourceRef string, opts Options) (*Outcome, error) {
	logger := logctx.LoggerFromContext(ctx).With("source_ref", sourceRef)

	filename := opts.Filename
	if filename == "" {
		filename = deriveFilename(sourceRef)
	}

	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if _, ok := f.supported[ext]; !ok {
			logger.Debug("rejecting unsupported file type", "filename", filename)

			return &Outcome{Reason: ReasonUnsupportedExtension}, nil
		}
	}

	done, err := f.repo.IsSourceCompleted(sourceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to check source dedup: %w", err)
	}

	if done {
		logger.Debug("source already downloaded")

		return &Outcome{Reason: ReasonAlreadyDownloaded}, nil
	}

	rec, err := f.repo.CreateRecord(sourceRef, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = f.maxRetries
	}

	return f.deliver(ctx, rec, maxRetries), nil
}

// deliver runs the attempt sequence for an existing record and settles it.
func (f *Fetcher) deliver(ctx context.Context, rec *storage.Record, maxRetries int) *Outcome {
	logger := logctx.LoggerFromContext(ctx).With("record_id", rec.ID, "source_ref", rec.SourceRef)
	start := time.Now()

	f.tel.IncrementActiveDownloads()
	defer f.tel.DecrementActiveDownloads()

	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		status := storage.StatusDownloading
		if attempt > 1 {
			status = storage.StatusRetrying
		}

		if updated, err := f.repo.UpdateRecord(rec.ID, storage.RecordUpdate{
			Status:     &status,
			RetryCount: storage.IntPtr(attempt - 1),
		}); err != nil {
			logger.Error("failed to update record before attempt", "err", err)
		} else {
			rec = updated
		}

		body, contentKind, err := f.fetchBody(ctx, rec.SourceRef)
		if err != nil {
			lastErr = err

			logger.Warn("fetch attempt failed", "attempt", attempt, "max_retries", maxRetries, "err", err)

			if attempt < maxRetries {
				if waitErr := f.backoff(ctx, attempt); waitErr != nil {
					lastErr = waitErr

					break
				}
			}

			continue
		}

		outcome, settleErr := f.settle(ctx, rec, body, contentKind)
		if settleErr != nil {
			logger.Error("failed to persist settled download", "err", settleErr)
		}

		f.tel.RecordDownload(string(outcome.Record.Status), outcome.Record.Size, time.Since(start))

		return outcome
	}

	msg := "download failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}

	if updated, err := f.repo.UpdateRecord(rec.ID, storage.RecordUpdate{
		Status: storage.StatusPtr(storage.StatusFailed),
		Error:  &msg,
	}); err != nil {
		logger.Error("failed to mark record failed", "err", err)
	} else {
		rec = updated
	}

	logger.Error("download failed after all attempts", "max_retries", maxRetries, "err", msg)
	f.tel.RecordDownload(string(storage.StatusFailed), 0, time.Since(start))
	f.emit(f.OnDownloadFailed, rec)

	return &Outcome{Reason: ReasonDownloadFailed, Record: rec}
}

// settle decides what a successfully fetched body becomes: a skipped record
// on digest collision, or a completed file on disk.
func (f *Fetcher) settle(ctx context.Context, rec *storage.Record, body []byte, contentKind string) (*Outcome, error) {
	logger := logctx.LoggerFromContext(ctx).With("record_id", rec.ID, "source_ref", rec.SourceRef)

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	size := int64(len(body))

	// Concurrent downloads settle one at a time; without this the dedup
	// checks are check-then-act and two identical bodies can both commit
	// completed.
	f.commitMu.Lock()
	defer f.commitMu.Unlock()

	done, err := f.repo.IsSourceCompleted(rec.SourceRef)
	if err == nil && done {
		logger.Info("source completed concurrently, skipping", "digest", digest)

		updated, err := f.repo.UpdateRecord(rec.ID, storage.RecordUpdate{
			Status:      storage.StatusPtr(storage.StatusSkipped),
			Size:        &size,
			Digest:      &digest,
			ContentKind: &contentKind,
		})
		if err != nil {
			return &Outcome{Reason: ReasonAlreadyDownloaded, Record: rec}, err
		}

		if err := f.man.Append(manifest.EventSkipped, digest, updated.Filename); err != nil {
			logger.Error("failed to append manifest entry", "err", err)
		}

		return &Outcome{Reason: ReasonAlreadyDownloaded, Record: updated}, nil
	}

	dup, err := f.repo.IsDigestCompleted(digest)
	if err != nil {
		// Store trouble must not lose the bytes we already have; treat as
		// no collision and let the source dedup catch a re-run.
		logger.Error("failed to check digest dedup", "err", err)

		dup = false
	}

	if dup {
		logger.Info("identical content already on disk, skipping", "digest", digest)

		updated, err := f.repo.UpdateRecord(rec.ID, storage.RecordUpdate{
			Status:      storage.StatusPtr(storage.StatusSkipped),
			Size:        &size,
			Digest:      &digest,
			ContentKind: &contentKind,
		})
		if err != nil {
			return &Outcome{Reason: ReasonDuplicateContent, Record: rec}, err
		}

		if err := f.man.Append(manifest.EventSkipped, digest, updated.Filename); err != nil {
			logger.Error("failed to append manifest entry", "err", err)
		}

		return &Outcome{Reason: ReasonDuplicateContent, Record: updated}, nil
	}

	filename := rec.Filename
	if filepath.Ext(filename) == "" {
		if ext := extensionForKind(contentKind); ext != "" {
			filename += ext
		}
	}

	out, localPath, err := f.reservePath(filename)
	if err != nil {
		return f.failSettle(ctx, rec, fmt.Errorf("failed to reserve target path: %w", err))
	}

	if _, err := out.Write(body); err != nil {
		out.Close()
		os.Remove(localPath)

		return f.failSettle(ctx, rec, fmt.Errorf("failed to write file: %w", err))
	}

	if err := out.Close(); err != nil {
		return f.failSettle(ctx, rec, fmt.Errorf("failed to close file: %w", err))
	}

	finalName := filepath.Base(localPath)

	updated, err := f.repo.UpdateRecord(rec.ID, storage.RecordUpdate{
		Status:      storage.StatusPtr(storage.StatusCompleted),
		Filename:    &finalName,
		LocalPath:   &localPath,
		Size:        &size,
		Digest:      &digest,
		ContentKind: &contentKind,
	})
	if err != nil {
		return &Outcome{Success: true, Record: rec}, err
	}

	if err := f.man.Append(manifest.EventDownloaded, digest, finalName); err != nil {
		logger.Error("failed to append manifest entry", "err", err)
	}

	logger.Info("downloaded and saved file",
		"target", localPath,
		"file_size", humanize.Bytes(uint64(size)),
		"digest", digest,
	)
	f.emit(f.OnDownloadFinished, updated)

	return &Outcome{Success: true, Record: updated}, nil
}

// failSettle marks a record failed for local filesystem errors, which do not
// participate in the network retry budget.
func (f *Fetcher) failSettle(ctx context.Context, rec *storage.Record, cause error) (*Outcome, error) {
	logger := logctx.LoggerFromContext(ctx).With("record_id", rec.ID)
	msg := cause.Error()

	updated, err := f.repo.UpdateRecord(rec.ID, storage.RecordUpdate{
		Status: storage.StatusPtr(storage.StatusFailed),
		Error:  &msg,
	})
	if err != nil {
		logger.Error("failed to mark record failed", "err", err)

		updated = rec
	}

	f.emit(f.OnDownloadFailed, updated)

	return &Outcome{Reason: ReasonDownloadFailed, Record: updated}, nil
}

func (f *Fetcher) fetchBody(ctx context.Context, sourceRef string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceRef, nil)
	if err != nil {
		return nil, "", &FetchError{Reference: sourceRef, Err: err}
	}

	req.Header.Set("User-Agent", "pagegrab/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &FetchError{Reference: sourceRef, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		io.Copy(io.Discard, resp.Body)

		return nil, "", &FetchError{Reference: sourceRef, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &FetchError{Reference: sourceRef, Err: err}
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// backoff sleeps for BackoffDelay(attempt) or until the context is done.
func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(BackoffDelay(f.baseDelay, attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BackoffDelay is the geometric delay inserted after the given attempt
// number (1-based): base << (attempt-1).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	return base << (attempt - 1)
}

// reservePath resolves a collision-free destination and creates the file.
// The caller holds commitMu, so two downloads resolving to the same base
// name can never race to the same path.
func (f *Fetcher) reservePath(filename string) (*os.File, string, error) {
	if err := os.MkdirAll(f.downloadDir, dirPerm); err != nil {
		return nil, "", err
	}

	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	for i := 0; ; i++ {
		name := filename
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}

		target := filepath.Join(f.downloadDir, name)

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if err == nil {
			return out, target, nil
		}

		if !os.IsExist(err) {
			return nil, "", err
		}
	}
}

// emit never blocks: notifications are fire-and-forget and a full buffer
// drops the event rather than stalling a download. After Close the event
// is dropped instead of panicking on a closed channel.
func (f *Fetcher) emit(ch chan *storage.Record, rec *storage.Record) {
	f.eventMu.Lock()
	defer f.eventMu.Unlock()

	if f.closed {
		return
	}

	select {
	case ch <- rec:
	default:
	}
}

func deriveFilename(sourceRef string) string {
	u, err := url.Parse(sourceRef)
	if err != nil {
		return defaultFilename
	}

	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return defaultFilename
	}

	return name
}

// kindExtensions pins the common kinds to stable extensions before falling
// back to the platform mime tables.
var kindExtensions = map[string]string{
	"text/html":        ".html",
	"text/plain":       ".txt",
	"text/csv":         ".csv",
	"text/xml":         ".xml",
	"application/json": ".json",
	"application/pdf":  ".pdf",
	"application/xml":  ".xml",
	"application/zip":  ".zip",
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
}

func extensionForKind(contentKind string) string {
	mediaType, _, err := mime.ParseMediaType(contentKind)
	if err != nil {
		mediaType = contentKind
	}

	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if mediaType == "" {
		return ""
	}

	if ext, ok := kindExtensions[mediaType]; ok {
		return ext
	}

	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}

	return ""
}
