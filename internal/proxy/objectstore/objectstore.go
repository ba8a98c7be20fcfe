// Package objectstore implements the S3-compatible object storage backend.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/progress"
	"transferd/internal/proxy"
	"transferd/internal/task"
)

// ClientFactory builds a client for one account
type ClientFactory func(cfg Config, creds credentials.Credentials) (Client, error)

// Proxy is the object storage backend
type Proxy struct {
	config    Config
	factory   ClientFactory
	threshold int64
	tracker   *progress.Tracker
	logger    *zap.Logger
}

type token struct {
	client Client
}

func (token) Protocol() task.Protocol { return task.ProtocolObjectStore }

// New creates an object storage backend on minio-go
func New(cfg Config, threshold int64, tracker *progress.Tracker, logger *zap.Logger) *Proxy {
	return NewWithFactory(cfg, func(cfg Config, creds credentials.Credentials) (Client, error) {
		return NewMinIOClient(cfg, creds)
	}, threshold, tracker, logger)
}

// NewWithFactory creates a backend over a custom client factory
func NewWithFactory(cfg Config, factory ClientFactory, threshold int64, tracker *progress.Tracker, logger *zap.Logger) *Proxy {
	return &Proxy{
		config:    cfg,
		factory:   factory,
		threshold: threshold,
		tracker:   tracker,
		logger:    logger.With(zap.String("protocol", string(task.ProtocolObjectStore))),
	}
}

// Authenticate builds a signed client for the account. Keys are checked by
// the first request that uses them.
func (p *Proxy) Authenticate(_ context.Context, creds credentials.Credentials) (proxy.Token, error) {
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return nil, xerrors.Authentication(xerrors.SystemObjectStore,
			fmt.Errorf("account %q has no access key pair", creds.AccountRef))
	}
	client, err := p.factory(p.config, creds)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "object store client").WithSystem(xerrors.SystemObjectStore)
	}
	return token{client: client}, nil
}

// GetPathAttributes stats an object, falling back to a prefix probe for
// directories.
func (p *Proxy) GetPathAttributes(ctx context.Context, tok proxy.Token, loc task.Location, wantSize bool) (proxy.PathAttributes, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemObjectStore)
	if err != nil {
		return proxy.PathAttributes{}, err
	}

	key := objectKey(loc.Path)
	info, err := t.client.HeadObject(ctx, loc.ContainerID, key)
	if err == nil {
		return proxy.PathAttributes{Exists: true, IsFile: true, Accessible: true, Size: info.Size}, nil
	}

	switch classified := classify(err, "stat object"); {
	case xerrors.CodeOf(classified) == xerrors.CodeAuthentication:
		return proxy.PathAttributes{Exists: true}, nil
	case xerrors.CodeOf(classified) != xerrors.CodeNotFound:
		return proxy.PathAttributes{}, classified
	}

	items, err := p.list(ctx, t.client, loc.ContainerID, dirPrefix(key), !wantSize)
	if err != nil {
		classified := classify(err, "list prefix")
		if xerrors.CodeOf(classified) == xerrors.CodeAuthentication {
			return proxy.PathAttributes{Exists: true}, nil
		}
		if xerrors.CodeOf(classified) == xerrors.CodeNotFound {
			return proxy.PathAttributes{Accessible: true}, nil
		}
		return proxy.PathAttributes{}, classified
	}
	if len(items) == 0 {
		return proxy.PathAttributes{Accessible: true}, nil
	}

	attrs := proxy.PathAttributes{Exists: true, IsDirectory: true, Accessible: true}
	if wantSize {
		for _, item := range items {
			attrs.Size += item.Size
		}
	}
	return attrs, nil
}

// GenerateDownloadStream opens an object for reading
func (p *Proxy) GenerateDownloadStream(ctx context.Context, tok proxy.Token, loc task.Location) (io.ReadCloser, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemObjectStore)
	if err != nil {
		return nil, err
	}
	rc, err := t.client.GetObject(ctx, loc.ContainerID, objectKey(loc.Path))
	if err != nil {
		return nil, classify(err, "get object")
	}
	return rc, nil
}

// DownloadToDestination moves one object between the archive and a bucket
// on a background goroutine. The goroutine outlives ctx: the caller's
// context only scopes the submission. Cleanup of the returned handle stops
// a copy that is still running.
func (p *Proxy) DownloadToDestination(_ context.Context, tok proxy.Token, req proxy.Request, baseArchive string, listener progress.Listener, encrypted bool) (proxy.Handle, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemObjectStore)
	if err != nil {
		return nil, err
	}

	reporter := progress.NewReporter(listener,
		progress.WithThreshold(p.threshold),
		progress.WithTracker(p.tracker),
		progress.WithLogger(p.logger.With(zap.String("task_id", req.TaskID))))
	logger := p.logger.With(zap.String("task_id", req.TaskID))

	if req.Direction == proxy.ToBackend {
		src, err := proxy.ArchivePath(baseArchive, req.Source)
		if err != nil {
			return nil, xerrors.Validation("%v", err)
		}
		f, err := os.Open(src)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "open archive file").WithSystem(xerrors.SystemObjectStore)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, xerrors.Transient(xerrors.SystemObjectStore, err, "stat archive file")
		}
		reporter.Update(info.Size())

		copyCtx, cancel := context.WithCancel(context.Background())
		go func() {
			defer cancel()
			defer f.Close()
			err := t.client.PutObject(copyCtx, req.Destination.ContainerID, objectKey(req.Destination.Path), f, info.Size(), PutOptions{
				PartSize:  p.config.PartSize,
				Encrypted: encrypted,
				Progress:  &progressSink{reporter: reporter},
			})
			if err != nil {
				logger.Warn("Upload to bucket failed", zap.Error(err))
				reporter.Fail(classify(err, "put object"))
				return
			}
			reporter.Complete()
		}()
		return proxy.NewCleanupHandle(req.TaskID, func() error {
			cancel()
			return nil
		}), nil
	}

	dst, err := proxy.ArchivePath(baseArchive, req.Destination)
	if err != nil {
		return nil, xerrors.Validation("%v", err)
	}
	copyCtx, cancel := context.WithCancel(context.Background())
	rc, err := t.client.GetObject(copyCtx, req.Source.ContainerID, objectKey(req.Source.Path))
	if err != nil {
		cancel()
		return nil, classify(err, "get object")
	}
	out, removePart, err := proxy.PartFile(dst)
	if err != nil {
		cancel()
		rc.Close()
		return nil, xerrors.Transient(xerrors.SystemObjectStore, err, "prepare archive file")
	}
	reporter.Update(req.Size)

	go func() {
		defer cancel()
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
			logger.Warn("Download from bucket failed", zap.Error(err))
			reporter.Fail(classify(err, "get object"))
			return
		}
		reporter.Complete()
	}()

	return proxy.NewCleanupHandle(req.TaskID, func() error {
		cancel()
		return removePart()
	}), nil
}

// ScanDirectory lists every object under a prefix
func (p *Proxy) ScanDirectory(ctx context.Context, tok proxy.Token, loc task.Location) ([]proxy.ScanItem, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemObjectStore)
	if err != nil {
		return nil, err
	}

	prefix := dirPrefix(objectKey(loc.Path))
	objects, err := p.list(ctx, t.client, loc.ContainerID, prefix, false)
	if err != nil {
		return nil, classify(err, "list objects")
	}

	items := make([]proxy.ScanItem, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		items = append(items, proxy.ScanItem{
			RelativePath: strings.TrimPrefix(obj.Key, prefix),
			Size:         obj.Size,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RelativePath < items[j].RelativePath })
	return items, nil
}

// GenerateUploadURL returns a pre-signed PUT URL
func (p *Proxy) GenerateUploadURL(ctx context.Context, tok proxy.Token, loc task.Location, expiry time.Duration) (string, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemObjectStore)
	if err != nil {
		return "", err
	}
	u, err := t.client.PresignedPutObject(ctx, loc.ContainerID, objectKey(loc.Path), expiry)
	if err != nil {
		return "", classify(err, "presign")
	}
	return u, nil
}

// list drains a listing, stopping after the first object when firstOnly is set
func (p *Proxy) list(ctx context.Context, client Client, bucket, prefix string, firstOnly bool) ([]ObjectInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objCh, errCh := client.ListObjects(ctx, bucket, prefix)

	var objects []ObjectInfo
	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				// the producer may have reported an error before closing
				if errCh != nil {
					if err, ok := <-errCh; ok && err != nil {
						return nil, err
					}
				}
				return objects, nil
			}
			objects = append(objects, obj)
			if firstOnly {
				return objects, nil
			}

		case err, ok := <-errCh:
			if ok && err != nil {
				return nil, fmt.Errorf("error listing objects: %w", err)
			}
			if !ok {
				errCh = nil
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// progressSink counts bytes minio reports through PutObjectOptions.Progress
type progressSink struct {
	reporter *progress.Reporter
}

func (s *progressSink) Read(b []byte) (int, error) {
	s.reporter.Add(int64(len(b)))
	return len(b), nil
}

func objectKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func dirPrefix(key string) string {
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if xerrors.CodeOf(err) != xerrors.CodeInternal {
		return err
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return xerrors.Wrap(xerrors.CodeNotFound, err, op).WithSystem(xerrors.SystemObjectStore)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return xerrors.Authentication(xerrors.SystemObjectStore, err)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return xerrors.Transient(xerrors.SystemObjectStore, err, op+" failed")
	}
	switch {
	case resp.StatusCode == 404:
		return xerrors.Wrap(xerrors.CodeNotFound, err, op).WithSystem(xerrors.SystemObjectStore)
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return xerrors.Authentication(xerrors.SystemObjectStore, err)
	case resp.StatusCode >= 500 || xerrors.IsRetryable(err):
		return xerrors.Transient(xerrors.SystemObjectStore, err, op+" failed")
	}
	return xerrors.Wrap(xerrors.CodeInternal, err, op).WithSystem(xerrors.SystemObjectStore)
}
