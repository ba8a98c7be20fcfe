// Package notify alerts operators when a job or message handler fails because
// of an integrated system.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	xerrors "transferd/internal/errors"
)

// Notification describes one integrated-system failure
type Notification struct {
	System  xerrors.IntegratedSystem `json:"system"`
	Job     string                   `json:"job"`
	Message string                   `json:"message"`
	Trace   string                   `json:"trace,omitempty"`
	Time    time.Time                `json:"time"`
}

// Notifier delivers notifications to operators
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs at error level
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Error("Integrated system error",
		zap.String("system", string(n.System)),
		zap.String("job", n.Job),
		zap.String("message", n.Message),
		zap.String("trace", n.Trace))
	return nil
}

// WebhookNotifier posts notifications as JSON
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier posting to url
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook error: %s (status: %d)", string(body), resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to every notifier. All of them are tried;
// their errors are combined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var err error
	for _, notifier := range m {
		err = multierr.Append(err, notifier.Notify(ctx, n))
	}
	return err
}
