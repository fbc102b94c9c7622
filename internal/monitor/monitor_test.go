package monitor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/pagegrab/internal/fetcher"
	"github.com/italolelis/pagegrab/internal/monitor"
	"github.com/italolelis/pagegrab/internal/storage"
	"github.com/italolelis/pagegrab/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, watchURL string) (*monitor.Monitor, *sqlite.RecordRepository) {
	t.Helper()

	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(dir, "records.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewRecordRepository(db)

	ftch := fetcher.New(repo, fetcher.Config{
		DownloadDir:         filepath.Join(dir, "downloads"),
		SupportedExtensions: []string{".pdf", ".zip"},
		MaxRetries:          1,
		RetryBaseDelay:      time.Millisecond,
	}, nil, nil)

	mon := monitor.New(ftch, repo, monitor.Config{
		WatchURL:   watchURL,
		Interval:   time.Second,
		Extensions: []string{".pdf", ".zip"},
	}, nil)

	return mon, repo
}

func TestCheckOnce(t *testing.T) {
	var fileHits int32

	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<a href="/files/a.pdf">a</a><a href="/files/b.zip">b</a>`))
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fileHits, 1)
		w.Write([]byte("content for " + r.URL.Path))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	mon, repo := newTestMonitor(t, ts.URL+"/listing")

	result, err := mon.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalFound)
	assert.Equal(t, 2, result.NewCount)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fileHits))

	records, err := repo.ListRecords(storage.StatusCompleted, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	stats, err := repo.Stats()
	require.NoError(t, err)
	assert.NotNil(t, stats.LastCheckTime)
}

func TestCheckOnce_SessionDedup(t *testing.T) {
	var listingHits, fileHits int32

	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&listingHits, 1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<a href="/files/a.pdf">a</a>`))
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fileHits, 1)
		w.Write([]byte("stable content"))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	mon, _ := newTestMonitor(t, ts.URL+"/listing")

	first, err := mon.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.NewCount)

	second, err := mon.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.TotalFound)
	assert.Zero(t, second.NewCount, "already dispatched this session")
	assert.Equal(t, int32(1), atomic.LoadInt32(&fileHits))

	mon.ClearSessionCache()

	third, err := mon.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, third.NewCount, "completed in the store, still not re-dispatched")
	assert.Equal(t, int32(1), atomic.LoadInt32(&fileHits))
}

func TestCheckOnce_FailedPollKeepsLastCheck(t *testing.T) {
	var broken atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html></html>`))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	mon, repo := newTestMonitor(t, ts.URL+"/listing")

	_, err := mon.CheckOnce(context.Background())
	require.NoError(t, err)

	stats, err := repo.Stats()
	require.NoError(t, err)
	require.NotNil(t, stats.LastCheckTime)
	lastCheck := *stats.LastCheckTime

	broken.Store(true)

	_, err = mon.CheckOnce(context.Background())
	require.Error(t, err)

	stats, err = repo.Stats()
	require.NoError(t, err)
	require.NotNil(t, stats.LastCheckTime)
	assert.True(t, lastCheck.Equal(*stats.LastCheckTime), "failed poll leaves last check untouched")
}

func TestCheckOnce_OverlappingCheckDropped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release

		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<a href="/files/a.pdf">a</a>`))
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	mon, _ := newTestMonitor(t, ts.URL+"/listing")

	type checkResult struct {
		result *monitor.CheckResult
		err    error
	}

	first := make(chan checkResult, 1)

	go func() {
		result, err := mon.CheckOnce(context.Background())
		first <- checkResult{result, err}
	}()

	<-entered

	_, err := mon.CheckOnce(context.Background())
	assert.ErrorIs(t, err, monitor.ErrCheckInProgress, "overlapping check is dropped, not queued")

	close(release)

	got := <-first
	require.NoError(t, got.err, "in-flight check completes normally")
	assert.Equal(t, 1, got.result.TotalFound)
}

func TestCheckOnce_NoWatchURL(t *testing.T) {
	mon, _ := newTestMonitor(t, "")

	_, err := mon.CheckOnce(context.Background())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	var listingHits int32

	mux := http.NewServeMux()
	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&listingHits, 1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html></html>`))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	mon, _ := newTestMonitor(t, ts.URL+"/listing")

	mon.Start(context.Background())
	mon.Start(context.Background()) // second start is a no-op

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&listingHits) >= 1
	}, 2*time.Second, 10*time.Millisecond, "immediate check on start")

	assert.True(t, mon.Status().IsRunning)

	mon.Stop()
	assert.False(t, mon.Status().IsRunning)

	hits := atomic.LoadInt32(&listingHits)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, hits, atomic.LoadInt32(&listingHits), "no checks after stop")

	mon.Stop() // stopping again is safe
}

func TestSetInterval_Clamped(t *testing.T) {
	mon, _ := newTestMonitor(t, "http://example.com/listing")

	mon.SetInterval(10 * time.Millisecond)
	assert.Equal(t, monitor.MinInterval, mon.Status().Interval)

	mon.SetInterval(time.Minute)
	assert.Equal(t, time.Minute, mon.Status().Interval)
}

func TestSetWatchURL(t *testing.T) {
	mon, _ := newTestMonitor(t, "http://example.com/old")

	mon.SetWatchURL("http://example.com/new")
	assert.Equal(t, "http://example.com/new", mon.Status().WatchURL)
}
