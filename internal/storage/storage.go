package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record lookup misses.
var ErrNotFound = errors.New("record not found")

// Status is the lifecycle state of a download record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusRetrying    Status = "retrying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
)

// Record tracks one download attempt for a source reference.
type Record struct {
	ID          string            `json:"id"`
	SourceRef   string            `json:"sourceRef"`
	Filename    string            `json:"filename"`
	LocalPath   string            `json:"localPath,omitempty"`
	Size        int64             `json:"size"`
	Digest      string            `json:"digest,omitempty"`
	ContentKind string            `json:"contentKind,omitempty"`
	Status      Status            `json:"status"`
	RetryCount  int               `json:"retryCount"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// RecordUpdate carries the fields of a partial update. Nil fields are left
// untouched.
type RecordUpdate struct {
	Status      *Status
	Filename    *string
	LocalPath   *string
	Size        *int64
	Digest      *string
	ContentKind *string
	RetryCount  *int
	Error       *string
	Metadata    map[string]string
}

// Stats is derived from the current records, never stored independently.
type Stats struct {
	TotalCompleted int64      `json:"totalCompleted"`
	TotalSize      int64      `json:"totalSize"`
	Pending        int64      `json:"pending"`
	Downloading    int64      `json:"downloading"`
	Failed         int64      `json:"failed"`
	Completed      int64      `json:"completed"`
	Skipped        int64      `json:"skipped"`
	LastCheckTime  *time.Time `json:"lastCheckTime,omitempty"`
}

// RecordReadRepository exposes the lookup side of the record store.
type RecordReadRepository interface {
	GetRecord(id string) (*Record, error)
	// ListRecords returns records sorted by creation time, newest first.
	// An empty status matches all; limit <= 0 means no limit.
	ListRecords(status Status, limit int) ([]*Record, error)
	IsSourceCompleted(sourceRef string) (bool, error)
	IsDigestCompleted(digest string) (bool, error)
	Stats() (*Stats, error)
}

// RecordWriteRepository exposes the mutating side of the record store.
// Every mutation is durably committed before the call returns.
type RecordWriteRepository interface {
	CreateRecord(sourceRef, filename string) (*Record, error)
	UpdateRecord(id string, changes RecordUpdate) (*Record, error)
	SetLastCheck(t time.Time) error
}

// RecordRepository combines both sides of the record store.
type RecordRepository interface {
	RecordReadRepository
	RecordWriteRepository
}

// Helpers for building partial updates without intermediate variables.

func StatusPtr(s Status) *Status { return &s }
func StringPtr(s string) *string { return &s }
func Int64Ptr(n int64) *int64    { return &n }
func IntPtr(n int) *int          { return &n }
