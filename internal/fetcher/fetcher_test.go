package fetcher_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/pagegrab/internal/fetcher"
	"github.com/italolelis/pagegrab/internal/manifest"
	"github.com/italolelis/pagegrab/internal/storage"
	"github.com/italolelis/pagegrab/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	fetcher      *fetcher.Fetcher
	repo         *sqlite.RecordRepository
	downloadDir  string
	manifestPath string
}

func newTestEnv(t *testing.T, cfg fetcher.Config) *testEnv {
	t.Helper()

	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(dir, "records.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewRecordRepository(db)

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dir, "downloads")
	}

	if cfg.SupportedExtensions == nil {
		cfg.SupportedExtensions = []string{".pdf", ".zip", ".txt"}
	}

	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}

	manifestPath := filepath.Join(dir, "manifest.log")

	return &testEnv{
		fetcher:      fetcher.New(repo, cfg, manifest.NewWriter(manifestPath), nil),
		repo:         repo,
		downloadDir:  cfg.DownloadDir,
		manifestPath: manifestPath,
	}
}

func (e *testEnv) manifest(t *testing.T) string {
	t.Helper()

	data, err := os.ReadFile(e.manifestPath)
	if os.IsNotExist(err) {
		return ""
	}

	require.NoError(t, err)

	return string(data)
}

func digestOf(body []byte) string {
	sum := sha256.Sum256(body)

	return hex.EncodeToString(sum[:])
}

func TestFetch_Success(t *testing.T) {
	body := []byte("%PDF-1.4 test content")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(body)
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{})

	outcome, err := env.fetcher.Fetch(context.Background(), ts.URL+"/report.pdf", fetcher.Options{})
	require.NoError(t, err)
	require.True(t, outcome.Success)

	rec := outcome.Record
	require.NotNil(t, rec)
	assert.Equal(t, storage.StatusCompleted, rec.Status)
	assert.Equal(t, "report.pdf", rec.Filename)
	assert.Equal(t, int64(len(body)), rec.Size)
	assert.Equal(t, digestOf(body), rec.Digest)
	assert.Zero(t, rec.RetryCount)
	require.NotNil(t, rec.CompletedAt)

	saved, err := os.ReadFile(rec.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, body, saved)

	assert.Contains(t, env.manifest(t), "DOWNLOADED")
	assert.Contains(t, env.manifest(t), rec.Digest)
}

func TestFetch_RetryExhaustion(t *testing.T) {
	var hits int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{MaxRetries: 3})

	outcome, err := env.fetcher.Fetch(context.Background(), ts.URL+"/report.pdf", fetcher.Options{})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, fetcher.ReasonDownloadFailed, outcome.Reason)

	rec := outcome.Record
	require.NotNil(t, rec)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.RetryCount, "final retry count is maxRetries-1")
	assert.Contains(t, rec.Error, "HTTP 500")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))

	entries, err := os.ReadDir(env.downloadDir)
	if err == nil {
		assert.Empty(t, entries, "no partial file left behind")
	}
}

func TestFetch_RetrySucceedsAfterFailure(t *testing.T) {
	var hits int32

	body := []byte("eventually fine")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		w.Write(body)
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{MaxRetries: 3})

	outcome, err := env.fetcher.Fetch(context.Background(), ts.URL+"/report.pdf", fetcher.Options{})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	assert.Equal(t, storage.StatusCompleted, outcome.Record.Status)
	assert.Equal(t, 1, outcome.Record.RetryCount)
}

func TestFetch_UnsupportedExtension(t *testing.T) {
	env := newTestEnv(t, fetcher.Config{})

	outcome, err := env.fetcher.Fetch(context.Background(), "https://example.com/setup.exe", fetcher.Options{})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, fetcher.ReasonUnsupportedExtension, outcome.Reason)
	assert.Nil(t, outcome.Record, "no record created for rejected references")

	records, err := env.repo.ListRecords("", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFetch_AlreadyDownloaded(t *testing.T) {
	env := newTestEnv(t, fetcher.Config{})

	rec, err := env.repo.CreateRecord("https://example.com/a.pdf", "a.pdf")
	require.NoError(t, err)

	_, err = env.repo.UpdateRecord(rec.ID, storage.RecordUpdate{
		Status: storage.StatusPtr(storage.StatusCompleted),
	})
	require.NoError(t, err)

	outcome, err := env.fetcher.Fetch(context.Background(), "https://example.com/a.pdf", fetcher.Options{})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, fetcher.ReasonAlreadyDownloaded, outcome.Reason)
}

func TestFetch_DuplicateContentSkipped(t *testing.T) {
	body := []byte("same bytes everywhere")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{})

	first, err := env.fetcher.Fetch(context.Background(), ts.URL+"/a.pdf", fetcher.Options{})
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := env.fetcher.Fetch(context.Background(), ts.URL+"/b.pdf", fetcher.Options{})
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, fetcher.ReasonDuplicateContent, second.Reason)
	assert.Equal(t, storage.StatusSkipped, second.Record.Status)
	assert.Equal(t, first.Record.Digest, second.Record.Digest)
	assert.Empty(t, second.Record.LocalPath, "skipped records own no file")

	entries, err := os.ReadDir(env.downloadDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "identical content stored once")

	assert.Contains(t, env.manifest(t), "SKIPPED")
}

func TestFetch_CollisionNaming(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content for " + r.URL.Path))
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{})

	first, err := env.fetcher.Fetch(context.Background(), ts.URL+"/one/data.pdf", fetcher.Options{})
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := env.fetcher.Fetch(context.Background(), ts.URL+"/two/data.pdf", fetcher.Options{})
	require.NoError(t, err)
	require.True(t, second.Success)

	assert.Equal(t, "data.pdf", first.Record.Filename)
	assert.Equal(t, "data_1.pdf", second.Record.Filename)
	assert.NotEqual(t, first.Record.LocalPath, second.Record.LocalPath)

	for _, rec := range []*storage.Record{first.Record, second.Record} {
		_, err := os.Stat(rec.LocalPath)
		assert.NoError(t, err)
	}
}

func TestFetch_ExtensionInference(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("pdf body"))
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{})

	outcome, err := env.fetcher.Fetch(context.Background(), ts.URL+"/export", fetcher.Options{})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	assert.Equal(t, "export.pdf", outcome.Record.Filename)
}

func TestFetch_FilenameOverride(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body"))
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{})

	outcome, err := env.fetcher.Fetch(context.Background(), ts.URL+"/whatever.pdf", fetcher.Options{Filename: "renamed.txt"})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	assert.Equal(t, "renamed.txt", outcome.Record.Filename)
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second

	assert.Equal(t, 2*time.Second, fetcher.BackoffDelay(base, 1))
	assert.Equal(t, 4*time.Second, fetcher.BackoffDelay(base, 2))
	assert.Equal(t, 8*time.Second, fetcher.BackoffDelay(base, 3))
	assert.Equal(t, 2*time.Second, fetcher.BackoffDelay(base, 0), "attempt floors at 1")
}

func TestDownloadMultiple(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.pdf" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		w.Write([]byte("content for " + r.URL.Path))
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{MaxRetries: 1, MaxParallel: 2})

	outcome := env.fetcher.DownloadMultiple(context.Background(), []string{
		ts.URL + "/a.pdf",
		ts.URL + "/b.zip",
		ts.URL + "/broken.pdf",
		ts.URL + "/blocked.exe",
	})

	assert.Equal(t, 2, outcome.Successful)
	assert.Equal(t, 1, outcome.Failed)
	assert.Equal(t, 1, outcome.Skipped)
}

func TestRetryFailed_NothingToRetry(t *testing.T) {
	env := newTestEnv(t, fetcher.Config{})

	summary, err := env.fetcher.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Retried)
	assert.Zero(t, summary.Successful)
	assert.Zero(t, summary.Failed)
}

func TestRetryFailed_RecoversRecord(t *testing.T) {
	var healthy int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&healthy) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.Write([]byte("back online"))
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{MaxRetries: 1})

	outcome, err := env.fetcher.Fetch(context.Background(), ts.URL+"/a.pdf", fetcher.Options{})
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, outcome.Record.Status)

	atomic.StoreInt32(&healthy, 1)

	summary, err := env.fetcher.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 1, summary.Successful)
	assert.Zero(t, summary.Failed)

	rec, err := env.repo.GetRecord(outcome.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, rec.Status)
	assert.Zero(t, rec.RetryCount)
	assert.Empty(t, rec.Error)
}

func TestRetryFailed_SkipsWhenSourceCompletedMeanwhile(t *testing.T) {
	env := newTestEnv(t, fetcher.Config{})

	failed, err := env.repo.CreateRecord("https://example.com/a.pdf", "a.pdf")
	require.NoError(t, err)

	_, err = env.repo.UpdateRecord(failed.ID, storage.RecordUpdate{
		Status: storage.StatusPtr(storage.StatusFailed),
		Error:  storage.StringPtr("boom"),
	})
	require.NoError(t, err)

	winner, err := env.repo.CreateRecord("https://example.com/a.pdf", "a.pdf")
	require.NoError(t, err)

	_, err = env.repo.UpdateRecord(winner.ID, storage.RecordUpdate{
		Status: storage.StatusPtr(storage.StatusCompleted),
	})
	require.NoError(t, err)

	summary, err := env.fetcher.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Successful)

	rec, err := env.repo.GetRecord(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSkipped, rec.Status)
}

func TestVerify(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("verifiable content"))
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{})

	outcome, err := env.fetcher.Fetch(context.Background(), ts.URL+"/a.pdf", fetcher.Options{})
	require.NoError(t, err)
	require.True(t, outcome.Success)

	ok, err := env.fetcher.Verify(context.Background(), outcome.Record.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, env.manifest(t), "VERIFIED")

	require.NoError(t, os.WriteFile(outcome.Record.LocalPath, []byte("tampered"), 0o644))

	ok, err = env.fetcher.Verify(context.Background(), outcome.Record.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, env.manifest(t), "VERIFY_FAILED")
}

// barrierServer holds every request until the expected number of concurrent
// clients have arrived, then releases them all at once.
func barrierServer(t *testing.T, expected int32, body func(r *http.Request) []byte) *httptest.Server {
	t.Helper()

	var arrived int32

	release := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&arrived, 1) == expected {
			close(release)
		}

		<-release
		w.Write(body(r))
	}))
	t.Cleanup(ts.Close)

	return ts
}

func TestFetch_ConcurrentIdenticalContentSettlesOnce(t *testing.T) {
	payload := []byte("identical payload")

	ts := barrierServer(t, 2, func(*http.Request) []byte { return payload })

	env := newTestEnv(t, fetcher.Config{})

	var wg sync.WaitGroup

	outcomes := make([]*fetcher.Outcome, 2)
	errs := make([]error, 2)

	for i, ref := range []string{ts.URL + "/a.pdf", ts.URL + "/b.pdf"} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcomes[i], errs[i] = env.fetcher.Fetch(context.Background(), ref, fetcher.Options{})
		}()
	}

	wg.Wait()

	var successes int

	for i, outcome := range outcomes {
		require.NoError(t, errs[i])

		if outcome.Success {
			successes++
		} else {
			assert.Equal(t, fetcher.ReasonDuplicateContent, outcome.Reason)
			assert.Equal(t, storage.StatusSkipped, outcome.Record.Status)
		}
	}

	assert.Equal(t, 1, successes, "identical content completes exactly once")

	completed, err := env.repo.ListRecords(storage.StatusCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, completed, 1)

	entries, err := os.ReadDir(env.downloadDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "duplicate bytes are never written twice")
}

func TestFetch_ConcurrentSameSourceCompletesOnce(t *testing.T) {
	ts := barrierServer(t, 2, func(*http.Request) []byte { return []byte("stable content") })

	env := newTestEnv(t, fetcher.Config{})

	var wg sync.WaitGroup

	errs := make([]error, 2)

	for i := range errs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = env.fetcher.Fetch(context.Background(), ts.URL+"/a.pdf", fetcher.Options{})
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	completed, err := env.repo.ListRecords(storage.StatusCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, completed, 1, "one completed record per source")
}

func TestClose_Idempotent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body"))
	}))
	defer ts.Close()

	env := newTestEnv(t, fetcher.Config{})

	env.fetcher.Close()
	env.fetcher.Close()

	// A download settling after Close drops its events instead of panicking.
	outcome, err := env.fetcher.Fetch(context.Background(), ts.URL+"/a.pdf", fetcher.Options{})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestVerify_RejectsIncompleteRecords(t *testing.T) {
	env := newTestEnv(t, fetcher.Config{})

	rec, err := env.repo.CreateRecord("https://example.com/a.pdf", "a.pdf")
	require.NoError(t, err)

	_, err = env.fetcher.Verify(context.Background(), rec.ID)
	assert.Error(t, err)

	_, err = env.fetcher.Verify(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
