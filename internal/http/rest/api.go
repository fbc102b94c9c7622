package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/pagegrab/internal/fetcher"
	"github.com/italolelis/pagegrab/internal/logctx"
	"github.com/italolelis/pagegrab/internal/monitor"
	"github.com/italolelis/pagegrab/internal/storage"
)

// APIHandler exposes monitor control and download management over HTTP.
// baseCtx is the process context; the monitor loop started via the API must
// outlive the request that started it.
type APIHandler struct {
	username string
	password string
	monitor  *monitor.Monitor
	fetcher  *fetcher.Fetcher
	repo     storage.RecordReadRepository
	baseCtx  context.Context
}

func NewAPIHandler(baseCtx context.Context, username, password string, m *monitor.Monitor, f *fetcher.Fetcher, repo storage.RecordReadRepository) *APIHandler {
	return &APIHandler{
		username: username,
		password: password,
		monitor:  m,
		fetcher:  f,
		repo:     repo,
		baseCtx:  baseCtx,
	}
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/api/status", h.handleStatus)
	r.Get("/api/stats", h.handleStats)

	r.Post("/api/monitor/start", h.handleMonitorStart)
	r.Post("/api/monitor/stop", h.handleMonitorStop)
	r.Post("/api/monitor/check", h.handleMonitorCheck)
	r.Put("/api/monitor/config", h.handleMonitorConfig)
	r.Delete("/api/monitor/session", h.handleSessionClear)

	r.Get("/api/downloads", h.handleListDownloads)
	r.Get("/api/downloads/{id}", h.handleGetDownload)
	r.Post("/api/downloads", h.handleAddDownload)
	r.Post("/api/downloads/batch", h.handleBatchDownload)
	r.Post("/api/downloads/retry-failed", h.handleRetryFailed)
	r.Post("/api/downloads/{id}/verify", h.handleVerify)

	return r
}

func (h *APIHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Status())
}

func (h *APIHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.Stats()
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to read stats", "err", err)
		http.Error(w, "failed to read stats", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *APIHandler) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	h.monitor.Start(h.baseCtx)

	writeJSON(w, http.StatusOK, h.monitor.Status())
}

func (h *APIHandler) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	h.monitor.Stop()

	writeJSON(w, http.StatusOK, h.monitor.Status())
}

func (h *APIHandler) handleMonitorCheck(w http.ResponseWriter, r *http.Request) {
	result, err := h.monitor.CheckOnce(r.Context())
	if err != nil {
		if errors.Is(err, monitor.ErrCheckInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)

			return
		}

		logctx.LoggerFromContext(r.Context()).Error("manual check failed", "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

type monitorConfigRequest struct {
	WatchURL       *string `json:"watchUrl"`
	PollIntervalMs *int64  `json:"pollIntervalMs"`
}

func (h *APIHandler) handleMonitorConfig(w http.ResponseWriter, r *http.Request) {
	var req monitorConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.WatchURL != nil {
		h.monitor.SetWatchURL(*req.WatchURL)
	}

	if req.PollIntervalMs != nil {
		interval := time.Duration(*req.PollIntervalMs) * time.Millisecond
		if interval < monitor.MinInterval {
			interval = monitor.MinInterval
		}

		h.monitor.SetInterval(interval)
	}

	writeJSON(w, http.StatusOK, h.monitor.Status())
}

func (h *APIHandler) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	h.monitor.ClearSessionCache()

	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	status := storage.Status(r.URL.Query().Get("status"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)

			return
		}

		limit = parsed
	}

	records, err := h.repo.ListRecords(status, limit)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to list records", "err", err)
		http.Error(w, "failed to list records", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *APIHandler) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.GetRecord(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "record not found", http.StatusNotFound)

			return
		}

		logctx.LoggerFromContext(r.Context()).Error("failed to get record", "err", err)
		http.Error(w, "failed to get record", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

type addDownloadRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

func (h *APIHandler) handleAddDownload(w http.ResponseWriter, r *http.Request) {
	var req addDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	outcome, err := h.fetcher.Fetch(r.Context(), req.URL, fetcher.Options{Filename: req.Filename})
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to fetch", "source_ref", req.URL, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	status := http.StatusCreated
	if !outcome.Success {
		status = http.StatusOK
	}

	writeJSON(w, status, outcome)
}

type batchDownloadRequest struct {
	URLs []string `json:"urls"`
}

func (h *APIHandler) handleBatchDownload(w http.ResponseWriter, r *http.Request) {
	var req batchDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	writeJSON(w, http.StatusOK, h.fetcher.DownloadMultiple(r.Context(), req.URLs))
}

func (h *APIHandler) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	summary, err := h.fetcher.RetryFailed(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("retry pass failed", "err", err)
		http.Error(w, "retry pass failed", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *APIHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ok, err := h.fetcher.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "record not found", http.StatusNotFound)

			return
		}

		http.Error(w, err.Error(), http.StatusConflict)

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (h *APIHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(body) //nolint:errcheck // headers already sent
}
