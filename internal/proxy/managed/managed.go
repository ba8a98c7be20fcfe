// Package managed implements the managed file-transfer endpoint backend. The
// remote service moves the bytes itself; this side submits the transfer and
// polls it until it reaches a final status.
package managed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/progress"
	"transferd/internal/proxy"
	"transferd/internal/task"
)

// Config contains the service endpoints
type Config struct {
	BaseURL         string        `yaml:"base_url"`
	TokenURL        string        `yaml:"token_url"`
	ArchiveEndpoint string        `yaml:"archive_endpoint"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	// MaxPollFailures is how many consecutive failed polls fail the transfer
	MaxPollFailures int `yaml:"max_poll_failures"`
}

// Proxy is the managed endpoint backend
type Proxy struct {
	config     Config
	httpClient *http.Client
	threshold  int64
	tracker    *progress.Tracker
	logger     *zap.Logger
}

type token struct {
	client *Client
}

func (token) Protocol() task.Protocol { return task.ProtocolManagedEndpoint }

// New creates a managed endpoint backend
func New(cfg Config, threshold int64, tracker *progress.Tracker, logger *zap.Logger) *Proxy {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 10
	}
	return &Proxy{
		config:     cfg,
		httpClient: newHTTPClient(cfg.Timeout),
		threshold:  threshold,
		tracker:    tracker,
		logger:     logger.With(zap.String("protocol", string(task.ProtocolManagedEndpoint))),
	}
}

// Authenticate exchanges client credentials for an access token, or uses a
// pre-issued bearer token.
func (p *Proxy) Authenticate(ctx context.Context, creds credentials.Credentials) (proxy.Token, error) {
	accessToken := creds.Token
	if accessToken == "" {
		if creds.ClientID == "" || creds.ClientSecret == "" {
			return nil, xerrors.Authentication(xerrors.SystemManagedEndpoint,
				fmt.Errorf("account %q has neither a token nor client credentials", creds.AccountRef))
		}
		issued, err := exchangeClientCredentials(ctx, p.httpClient, p.config.TokenURL, creds)
		if err != nil {
			return nil, err
		}
		accessToken = issued.AccessToken
	}

	return token{client: &Client{
		httpClient:  p.httpClient,
		accessToken: accessToken,
		baseURL:     strings.TrimSuffix(p.config.BaseURL, "/"),
	}}, nil
}

// GetPathAttributes stats a path on an endpoint
func (p *Proxy) GetPathAttributes(ctx context.Context, tok proxy.Token, loc task.Location, wantSize bool) (proxy.PathAttributes, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemManagedEndpoint)
	if err != nil {
		return proxy.PathAttributes{}, err
	}

	stat, err := t.client.Stat(ctx, loc.ContainerID, loc.Path)
	switch xerrors.CodeOf(err) {
	case xerrors.CodeAuthentication:
		return proxy.PathAttributes{Exists: true}, nil
	case xerrors.CodeNotFound:
		return proxy.PathAttributes{Accessible: true}, nil
	}
	if err != nil {
		return proxy.PathAttributes{}, err
	}

	attrs := proxy.PathAttributes{
		Exists:      true,
		Accessible:  true,
		IsDirectory: stat.Type == "dir",
		IsFile:      stat.Type == "file",
	}
	if wantSize {
		attrs.Size = stat.Size
		if attrs.IsDirectory {
			items, err := t.client.List(ctx, loc.ContainerID, loc.Path)
			if err != nil {
				return proxy.PathAttributes{}, err
			}
			attrs.Size = 0
			for _, item := range items {
				attrs.Size += item.Size
			}
		}
	}
	return attrs, nil
}

// GenerateDownloadStream is not offered by managed endpoints
func (p *Proxy) GenerateDownloadStream(context.Context, proxy.Token, task.Location) (io.ReadCloser, error) {
	return nil, xerrors.Unsupported(xerrors.SystemManagedEndpoint, "GenerateDownloadStream")
}

// DownloadToDestination submits an endpoint-to-endpoint transfer between the
// archive endpoint and the task's endpoint, then polls it in the background.
// The returned handle's ID is the remote task id.
func (p *Proxy) DownloadToDestination(ctx context.Context, tok proxy.Token, req proxy.Request, baseArchive string, listener progress.Listener, encrypted bool) (proxy.Handle, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemManagedEndpoint)
	if err != nil {
		return nil, err
	}
	if p.config.ArchiveEndpoint == "" {
		return nil, xerrors.Validation("managed endpoint backend has no archive endpoint configured")
	}

	tr := TransferRequest{
		Label:       "transferd " + req.TaskID,
		EncryptData: encrypted,
	}
	archivePath := path.Join("/", baseArchive, req.Source.ContainerID, req.Source.Path)
	if req.Direction == proxy.ToBackend {
		tr.SourceEndpoint, tr.SourcePath = p.config.ArchiveEndpoint, archivePath
		tr.DestinationEndpoint, tr.DestinationPath = req.Destination.ContainerID, req.Destination.Path
	} else {
		tr.SourceEndpoint, tr.SourcePath = req.Source.ContainerID, req.Source.Path
		tr.DestinationEndpoint = p.config.ArchiveEndpoint
		tr.DestinationPath = path.Join("/", baseArchive, req.Destination.ContainerID, req.Destination.Path)
	}

	remoteID, err := t.client.SubmitTransfer(ctx, tr)
	if err != nil {
		return nil, err
	}

	reporter := progress.NewReporter(listener,
		progress.WithThreshold(p.threshold),
		progress.WithTracker(p.tracker),
		progress.WithLogger(p.logger.With(zap.String("task_id", req.TaskID))))
	reporter.Update(req.Size)

	pollCtx, cancel := context.WithCancel(context.Background())
	w := &watcher{
		client:      t.client,
		remoteID:    remoteID,
		reporter:    reporter,
		interval:    p.config.PollInterval,
		maxFailures: p.config.MaxPollFailures,
		logger:      p.logger.With(zap.String("task_id", req.TaskID), zap.String("remote_task_id", remoteID)),
	}
	go w.run(pollCtx)

	p.logger.Info("Remote transfer submitted",
		zap.String("task_id", req.TaskID),
		zap.String("remote_task_id", remoteID))

	return &handle{id: remoteID, cancel: cancel}, nil
}

// ScanDirectory lists a directory recursively
func (p *Proxy) ScanDirectory(ctx context.Context, tok proxy.Token, loc task.Location) ([]proxy.ScanItem, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemManagedEndpoint)
	if err != nil {
		return nil, err
	}
	entries, err := t.client.List(ctx, loc.ContainerID, loc.Path)
	if err != nil {
		return nil, err
	}

	items := make([]proxy.ScanItem, 0, len(entries))
	for _, e := range entries {
		if e.Type != "" && e.Type != "file" {
			continue
		}
		items = append(items, proxy.ScanItem{RelativePath: strings.TrimPrefix(e.Path, "/"), Size: e.Size})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RelativePath < items[j].RelativePath })
	return items, nil
}

type handle struct {
	id     string
	once   sync.Once
	cancel context.CancelFunc
}

func (h *handle) ID() string { return h.id }

// Cleanup stops watching the remote transfer. Nothing is staged locally.
func (h *handle) Cleanup() error {
	h.once.Do(h.cancel)
	return nil
}

// watcher polls a remote transfer until it reaches a final status
type watcher struct {
	client      *Client
	remoteID    string
	reporter    *progress.Reporter
	interval    time.Duration
	maxFailures int
	logger      *zap.Logger
}

func (w *watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Stopped watching remote transfer")
			return
		case <-ticker.C:
		}

		status, err := w.client.TransferStatus(ctx, w.remoteID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			w.logger.Warn("Remote transfer poll failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if xerrors.IsPermanent(err) || failures >= w.maxFailures {
				w.reporter.Fail(err)
				return
			}
			continue
		}
		failures = 0

		w.reporter.Set(status.BytesTransferred)
		switch status.Status {
		case StatusSucceeded:
			w.reporter.Complete()
			return
		case StatusFailed:
			reason := status.NiceStatus
			if reason == "" {
				reason = "remote transfer failed"
			}
			w.reporter.Fail(fmt.Errorf("%s", reason))
			return
		}
	}
}
