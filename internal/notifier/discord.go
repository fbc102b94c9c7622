package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/pagegrab/internal/storage"
)

// Notifier pushes download lifecycle events to an external channel.
type Notifier interface {
	NotifyDownloaded(ctx context.Context, rec *storage.Record) error
	NotifyFailed(ctx context.Context, rec *storage.Record) error
}

// DiscordNotifier posts plain-content messages to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) NotifyDownloaded(ctx context.Context, rec *storage.Record) error {
	content := fmt.Sprintf("Downloaded **%s** (%s)", rec.Filename, humanize.Bytes(uint64(rec.Size)))

	return d.notify(ctx, content)
}

func (d *DiscordNotifier) NotifyFailed(ctx context.Context, rec *storage.Record) error {
	content := fmt.Sprintf("Download failed for **%s**: %s", rec.Filename, rec.Error)

	return d.notify(ctx, content)
}

func (d *DiscordNotifier) notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
