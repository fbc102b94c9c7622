package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/italolelis/pagegrab/internal/logctx"
	"github.com/italolelis/pagegrab/internal/manifest"
	"github.com/italolelis/pagegrab/internal/storage"
)

// Verify recomputes the digest of a completed record's file and compares it
// to the digest captured at download time. The result lands in the manifest
// either way.
func (f *Fetcher) Verify(ctx context.Context, id string) (bool, error) {
	logger := logctx.LoggerFromContext(ctx).With("record_id", id)

	rec, err := f.repo.GetRecord(id)
	if err != nil {
		return false, err
	}

	if rec.Status != storage.StatusCompleted || rec.LocalPath == "" {
		return false, fmt.Errorf("record %s has no completed local file", id)
	}

	digest, err := hashFile(rec.LocalPath)
	if err != nil {
		return false, fmt.Errorf("failed to hash %s: %w", rec.LocalPath, err)
	}

	if digest == rec.Digest {
		if err := f.man.Append(manifest.EventVerified, digest, rec.Filename); err != nil {
			logger.Error("failed to append manifest entry", "err", err)
		}

		logger.Info("integrity verified", "local_path", rec.LocalPath)

		return true, nil
	}

	if err := f.man.Append(manifest.EventVerifyFailed, digest, rec.Filename); err != nil {
		logger.Error("failed to append manifest entry", "err", err)
	}

	logger.Warn("integrity violation: digest mismatch",
		"local_path", rec.LocalPath,
		"expected", rec.Digest,
		"actual", digest,
	)

	return false, nil
}

// hashFile streams the file through sha256 without buffering it whole.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
