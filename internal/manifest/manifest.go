// Package manifest keeps an append-only audit trail of content digests, one
// pipe-delimited line per event.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Event string

const (
	EventDownloaded   Event = "DOWNLOADED"
	EventSkipped      Event = "SKIPPED"
	EventVerified     Event = "VERIFIED"
	EventVerifyFailed Event = "VERIFY_FAILED"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Writer appends manifest entries. A nil *Writer is valid and drops entries.
type Writer struct {
	mu   sync.Mutex
	path string
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Append writes one manifest line. Appends are serialized so concurrent
// downloads never interleave partial lines.
func (w *Writer) Append(event Event, digest, filename string) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("failed to create manifest directory: %w", err)
		}
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("%s | %-12s | %s | %s\n",
		time.Now().Format(time.RFC3339), event, digest, filename)

	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("failed to append manifest entry: %w", err)
	}

	return nil
}
