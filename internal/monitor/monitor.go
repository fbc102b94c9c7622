package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/pagegrab/internal/fetcher"
	"github.com/italolelis/pagegrab/internal/listing"
	"github.com/italolelis/pagegrab/internal/logctx"
	"github.com/italolelis/pagegrab/internal/storage"
	"github.com/italolelis/pagegrab/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MinInterval is the floor for the polling cadence. The REST layer enforces
// it on config changes; the monitor clamps as a backstop.
const MinInterval = time.Second

// ErrCheckInProgress signals an overlapping check request. The in-flight
// check proceeds; the new one is dropped.
var ErrCheckInProgress = errors.New("a check is already in progress")

// CheckResult summarizes one poll of the watched location.
type CheckResult struct {
	TotalFound int       `json:"totalFound"`
	NewCount   int       `json:"newCount"`
	LastCheck  time.Time `json:"lastCheck"`
}

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	IsRunning              bool          `json:"isRunning"`
	WatchURL               string        `json:"watchUrl"`
	Interval               time.Duration `json:"interval"`
	LastCheck              *time.Time    `json:"lastCheck,omitempty"`
	SessionDiscoveredCount int           `json:"sessionDiscoveredCount"`
}

// Monitor polls a remote listing on an interval, extracts candidate
// references and hands the new ones to the fetcher.
type Monitor struct {
	fetcher   *fetcher.Fetcher
	repo      storage.RecordReadRepository
	extractor *listing.Extractor
	client    *http.Client
	tel       *telemetry.Telemetry

	mu       sync.Mutex
	watchURL string
	interval time.Duration
	session  map[string]struct{}
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	checking int32
}

// Config wires a Monitor.
type Config struct {
	WatchURL       string
	Interval       time.Duration
	RequestTimeout time.Duration
	Extensions     []string
}

func New(f *fetcher.Fetcher, repo storage.RecordReadRepository, cfg Config, tel *telemetry.Telemetry) *Monitor {
	interval := cfg.Interval
	if interval < MinInterval {
		interval = MinInterval
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Monitor{
		fetcher:   f,
		repo:      repo,
		extractor: listing.NewExtractor(cfg.Extensions),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tel:      tel,
		watchURL: cfg.WatchURL,
		interval: interval,
		session:  make(map[string]struct{}),
	}
}

// CheckOnce polls the watched location a single time. Overlapping calls are
// dropped with ErrCheckInProgress. A failed poll leaves the stored last-check
// time untouched.
func (m *Monitor) CheckOnce(ctx context.Context) (*CheckResult, error) {
	if !atomic.CompareAndSwapInt32(&m.checking, 0, 1) {
		return nil, ErrCheckInProgress
	}
	defer atomic.StoreInt32(&m.checking, 0)

	start := time.Now()

	result, err := m.check(ctx)

	status := "success"
	found := 0

	if err != nil {
		status = "error"
	} else {
		found = result.TotalFound
	}

	m.tel.RecordCheck(status, found, time.Since(start))

	return result, err
}

func (m *Monitor) check(ctx context.Context) (*CheckResult, error) {
	m.mu.Lock()
	watchURL := m.watchURL
	m.mu.Unlock()

	if watchURL == "" {
		return nil, errors.New("no watch URL configured")
	}

	logger := logctx.LoggerFromContext(ctx).With("watch_url", watchURL)
	logger.Debug("checking watched location")

	body, contentKind, err := m.fetchListing(ctx, watchURL)
	if err != nil {
		logger.Error("failed to fetch listing", "err", err)

		return nil, err
	}

	base, err := url.Parse(watchURL)
	if err != nil {
		return nil, fmt.Errorf("invalid watch URL: %w", err)
	}

	refs := m.extractor.Extract(body, contentKind, base)

	fresh := m.filterNew(ctx, refs)

	for _, ref := range fresh {
		if _, err := m.fetcher.Fetch(ctx, ref, fetcher.Options{}); err != nil {
			logger.Error("failed to dispatch download", "source_ref", ref, "err", err)
		}
	}

	now := time.Now()
	if err := m.setLastCheck(now); err != nil {
		logger.Error("failed to persist last check time", "err", err)
	}

	logger.Info("check finished", "total_found", len(refs), "new", len(fresh))

	return &CheckResult{
		TotalFound: len(refs),
		NewCount:   len(fresh),
		LastCheck:  now,
	}, nil
}

// filterNew drops references already dispatched this session or already
// completed in the store. Surviving references are marked seen before
// dispatch so a slow download cannot be dispatched twice.
func (m *Monitor) filterNew(ctx context.Context, refs []string) []string {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make([]string, 0, len(refs))

	for _, ref := range refs {
		if _, seen := m.session[ref]; seen {
			continue
		}

		done, err := m.repo.IsSourceCompleted(ref)
		if err != nil {
			logger.Error("failed to look up source", "source_ref", ref, "err", err)

			continue
		}

		if done {
			m.session[ref] = struct{}{}

			continue
		}

		m.session[ref] = struct{}{}
		fresh = append(fresh, ref)
	}

	return fresh
}

func (m *Monitor) fetchListing(ctx context.Context, watchURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, watchURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build listing request: %w", err)
	}

	req.Header.Set("User-Agent", "pagegrab/1.0")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck

		return nil, "", fmt.Errorf("listing request returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read listing body: %w", err)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func (m *Monitor) setLastCheck(t time.Time) error {
	w, ok := m.repo.(storage.RecordRepository)
	if !ok {
		return nil
	}

	return w.SetLastCheck(t)
}

// Start launches the polling loop: one immediate check, then one per
// interval. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()

	if m.running {
		m.mu.Unlock()

		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	interval := m.interval

	m.mu.Unlock()

	go m.loop(ctx, interval)
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("monitor loop panicked", "panic", r)
		}
	}()

	logger.Info("monitor started", "interval", interval)

	m.runCheck(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("monitor stopped")

			return
		case <-ticker.C:
			m.runCheck(ctx)
		}
	}
}

func (m *Monitor) runCheck(ctx context.Context) {
	if _, err := m.CheckOnce(ctx); err != nil && !errors.Is(err, ErrCheckInProgress) {
		logctx.LoggerFromContext(ctx).Error("scheduled check failed", "err", err)
	}
}

// Stop cancels the polling loop and waits for it to exit, so no timer
// outlives the monitor. Safe to call on a stopped monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()

	if !m.running {
		m.mu.Unlock()

		return
	}

	cancel := m.cancel
	done := m.done
	m.running = false
	m.cancel = nil

	m.mu.Unlock()

	cancel()
	<-done
}

// SetWatchURL swaps the polled location. Takes effect on the next check.
func (m *Monitor) SetWatchURL(u string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watchURL = u
}

// SetInterval changes the polling cadence, clamped to MinInterval. A running
// loop picks it up after a restart.
func (m *Monitor) SetInterval(d time.Duration) {
	if d < MinInterval {
		d = MinInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.interval = d
}

// ClearSessionCache forgets every reference seen this session, so the next
// check re-evaluates the full listing against the store.
func (m *Monitor) ClearSessionCache() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = make(map[string]struct{})
}

// Status reports the monitor state. LastCheck comes from the store so it
// survives restarts.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	s := Status{
		IsRunning:              m.running,
		WatchURL:               m.watchURL,
		Interval:               m.interval,
		SessionDiscoveredCount: len(m.session),
	}
	m.mu.Unlock()

	if stats, err := m.repo.Stats(); err == nil {
		s.LastCheck = stats.LastCheckTime
	}

	return s
}
