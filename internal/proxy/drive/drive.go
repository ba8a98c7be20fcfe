// Package drive implements the consumer cloud drive backend over a
// Graph-style REST API. Containers are drive ids.
package drive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/progress"
	"transferd/internal/proxy"
	"transferd/internal/task"
)

const (
	defaultBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"

	defaultSimpleUploadLimit = 4 * 1024 * 1024
	// chunks must be a multiple of 320 KiB
	defaultChunkSize = 32 * 320 * 1024
)

// Config contains the drive API settings
type Config struct {
	BaseURL           string        `yaml:"base_url"`
	TokenURL          string        `yaml:"token_url"`
	SimpleUploadLimit int64         `yaml:"simple_upload_limit"`
	ChunkSize         int64         `yaml:"chunk_size"`
	Timeout           time.Duration `yaml:"timeout"`
}

// Proxy is the consumer drive backend
type Proxy struct {
	config    Config
	threshold int64
	tracker   *progress.Tracker
	logger    *zap.Logger
	newClient func(accessToken string) *Client
	refresh   func(ctx context.Context, creds credentials.Credentials) (*oauth2.Token, error)
}

type token struct {
	client *Client
}

func (token) Protocol() task.Protocol { return task.ProtocolConsumerDrive }

// New creates a drive backend
func New(cfg Config, threshold int64, tracker *progress.Tracker, logger *zap.Logger) *Proxy {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.SimpleUploadLimit <= 0 {
		cfg.SimpleUploadLimit = defaultSimpleUploadLimit
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	httpClient := newHTTPClient(cfg.Timeout)
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	return &Proxy{
		config:    cfg,
		threshold: threshold,
		tracker:   tracker,
		logger:    logger.With(zap.String("protocol", string(task.ProtocolConsumerDrive))),
		newClient: func(accessToken string) *Client {
			return &Client{httpClient: httpClient, accessToken: accessToken, baseURL: baseURL}
		},
		refresh: func(ctx context.Context, creds credentials.Credentials) (*oauth2.Token, error) {
			return refreshAccessToken(ctx, httpClient, cfg.TokenURL, creds)
		},
	}
}

// Authenticate uses a stored access token, or redeems the account's refresh
// token for a new one.
func (p *Proxy) Authenticate(ctx context.Context, creds credentials.Credentials) (proxy.Token, error) {
	if creds.Token != "" {
		return token{client: p.newClient(creds.Token)}, nil
	}
	if creds.RefreshToken == "" || creds.ClientID == "" {
		return nil, xerrors.Authentication(xerrors.SystemDrive,
			fmt.Errorf("account %q has neither an access token nor a refresh token", creds.AccountRef))
	}

	issued, err := p.refresh(ctx, creds)
	if err != nil {
		return nil, err
	}
	return token{client: p.newClient(issued.AccessToken)}, nil
}

// GetPathAttributes looks a path up. Folder sizes reported by the API
// already include their descendants.
func (p *Proxy) GetPathAttributes(ctx context.Context, tok proxy.Token, loc task.Location, wantSize bool) (proxy.PathAttributes, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemDrive)
	if err != nil {
		return proxy.PathAttributes{}, err
	}

	item, err := t.client.GetItem(ctx, loc.ContainerID, loc.Path)
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
		IsDirectory: item.Folder != nil,
		IsFile:      item.Folder == nil,
	}
	if wantSize {
		attrs.Size = item.Size
	}
	return attrs, nil
}

// GenerateDownloadStream opens a file for reading
func (p *Proxy) GenerateDownloadStream(ctx context.Context, tok proxy.Token, loc task.Location) (io.ReadCloser, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemDrive)
	if err != nil {
		return nil, err
	}
	return t.client.Download(ctx, loc.ContainerID, loc.Path)
}

// DownloadToDestination copies between the archive and a drive. Small files
// go up in one request, larger ones through an upload session. The drive
// encrypts at rest, so the encrypted flag has no effect here.
func (p *Proxy) DownloadToDestination(_ context.Context, tok proxy.Token, req proxy.Request, baseArchive string, listener progress.Listener, _ bool) (proxy.Handle, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemDrive)
	if err != nil {
		return nil, err
	}

	logger := p.logger.With(zap.String("task_id", req.TaskID), zap.String("direction", req.Direction.String()))
	reporter := progress.NewReporter(listener,
		progress.WithThreshold(p.threshold),
		progress.WithTracker(p.tracker),
		progress.WithLogger(logger))

	if req.Direction == proxy.ToBackend {
		src, err := proxy.ArchivePath(baseArchive, req.Source)
		if err != nil {
			return nil, xerrors.Validation("%v", err)
		}
		f, err := os.Open(src)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "open archive file").WithSystem(xerrors.SystemDrive)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, xerrors.Transient(xerrors.SystemDrive, err, "stat archive file")
		}
		reporter.Update(info.Size())

		go func() {
			defer f.Close()
			if err := p.upload(context.Background(), t.client, req.Destination, f, info.Size(), reporter); err != nil {
				logger.Warn("Upload to drive failed", zap.Error(err))
				reporter.Fail(err)
				return
			}
			reporter.Complete()
		}()
		return proxy.NopHandle(req.TaskID), nil
	}

	dst, err := proxy.ArchivePath(baseArchive, req.Destination)
	if err != nil {
		return nil, xerrors.Validation("%v", err)
	}
	rc, err := t.client.Download(context.Background(), req.Source.ContainerID, req.Source.Path)
	if err != nil {
		return nil, err
	}
	out, removePart, err := proxy.PartFile(dst)
	if err != nil {
		rc.Close()
		return nil, xerrors.Transient(xerrors.SystemDrive, err, "prepare archive file")
	}
	reporter.Update(req.Size)

	go func() {
		defer rc.Close()
		defer removePart()

		_, err := io.Copy(out, progress.NewReader(rc, reporter))
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err == nil {
			err = os.Rename(out.Name(), dst)
		}
		if err != nil {
			logger.Warn("Download from drive failed", zap.Error(err))
			reporter.Fail(err)
			return
		}
		reporter.Complete()
	}()

	return proxy.NewCleanupHandle(req.TaskID, removePart), nil
}

func (p *Proxy) upload(ctx context.Context, client *Client, dst task.Location, f *os.File, size int64, reporter *progress.Reporter) error {
	if size <= p.config.SimpleUploadLimit {
		_, err := client.UploadSmallFile(ctx, dst.ContainerID, dst.Path, progress.NewReader(f, reporter), size)
		return err
	}

	session, err := client.CreateUploadSession(ctx, dst.ContainerID, dst.Path)
	if err != nil {
		return err
	}

	buf := make([]byte, p.config.ChunkSize)
	var offset int64
	for offset < size {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return xerrors.Transient(xerrors.SystemDrive, err, "read archive file")
		}
		if n == 0 {
			return xerrors.Newf(xerrors.CodeInternal, "archive file shrank to %d bytes during upload", offset).WithSystem(xerrors.SystemDrive)
		}
		if err := client.UploadChunk(ctx, session.UploadURL, buf[:n], offset, offset+int64(n)-1, size); err != nil {
			return err
		}
		offset += int64(n)
		reporter.Add(int64(n))
	}
	return nil
}

// ScanDirectory walks a folder breadth first and returns every file
func (p *Proxy) ScanDirectory(ctx context.Context, tok proxy.Token, loc task.Location) ([]proxy.ScanItem, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemDrive)
	if err != nil {
		return nil, err
	}

	root, err := t.client.GetItem(ctx, loc.ContainerID, loc.Path)
	if err != nil {
		return nil, err
	}
	if root.Folder == nil {
		return nil, xerrors.Validation("%s is not a folder", loc)
	}

	type pending struct {
		id  string
		rel string
	}
	queue := []pending{{id: root.ID}}
	var items []proxy.ScanItem
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		children, err := t.client.Children(ctx, loc.ContainerID, dir.id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			rel := path.Join(dir.rel, child.Name)
			if child.Folder != nil {
				queue = append(queue, pending{id: child.ID, rel: rel})
				continue
			}
			items = append(items, proxy.ScanItem{RelativePath: rel, Size: child.Size})
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].RelativePath < items[j].RelativePath })
	return items, nil
}
