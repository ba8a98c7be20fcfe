// Package posix implements the POSIX bridge backend: containers map to
// directories on a locally mounted filesystem.
package posix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/progress"
	"transferd/internal/proxy"
	"transferd/internal/task"
)

// Config maps container ids to mounted directories
type Config struct {
	Roots map[string]string `yaml:"roots"`
}

// Proxy is the POSIX bridge backend
type Proxy struct {
	roots     map[string]string
	threshold int64
	tracker   *progress.Tracker
	logger    *zap.Logger
}

type token struct{}

func (token) Protocol() task.Protocol { return task.ProtocolPosixBridge }

// New creates a POSIX bridge backend
func New(cfg Config, threshold int64, tracker *progress.Tracker, logger *zap.Logger) *Proxy {
	return &Proxy{
		roots:     cfg.Roots,
		threshold: threshold,
		tracker:   tracker,
		logger:    logger.With(zap.String("protocol", string(task.ProtocolPosixBridge))),
	}
}

// Authenticate checks that every configured root is reachable. The bridge
// relies on filesystem permissions, so credentials are not used.
func (p *Proxy) Authenticate(_ context.Context, _ credentials.Credentials) (proxy.Token, error) {
	for id, root := range p.roots {
		if _, err := os.Stat(root); err != nil {
			return nil, xerrors.Authentication(xerrors.SystemPosix, fmt.Errorf("root %s for container %s: %w", root, id, err))
		}
	}
	return token{}, nil
}

func (p *Proxy) resolve(loc task.Location) (string, error) {
	root, ok := p.roots[loc.ContainerID]
	if !ok {
		return "", xerrors.Validation("unknown container %q", loc.ContainerID)
	}
	path, err := proxy.ResolveUnder(root, loc.Path)
	if err != nil {
		return "", xerrors.Validation("%v", err)
	}
	return path, nil
}

// GetPathAttributes stats a path
func (p *Proxy) GetPathAttributes(_ context.Context, tok proxy.Token, loc task.Location, wantSize bool) (proxy.PathAttributes, error) {
	if _, err := proxy.TokenAs[token](tok, xerrors.SystemPosix); err != nil {
		return proxy.PathAttributes{}, err
	}
	path, err := p.resolve(loc)
	if err != nil {
		return proxy.PathAttributes{}, err
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return proxy.PathAttributes{Accessible: true}, nil
	case errors.Is(err, fs.ErrPermission):
		return proxy.PathAttributes{Exists: true}, nil
	case err != nil:
		return proxy.PathAttributes{}, xerrors.Transient(xerrors.SystemPosix, err, "stat failed")
	}

	attrs := proxy.PathAttributes{
		Exists:      true,
		Accessible:  true,
		IsDirectory: info.IsDir(),
		IsFile:      info.Mode().IsRegular(),
	}
	if wantSize {
		if attrs.IsFile {
			attrs.Size = info.Size()
		} else if attrs.IsDirectory {
			attrs.Size, err = dirSize(path)
			if err != nil {
				return proxy.PathAttributes{}, xerrors.Transient(xerrors.SystemPosix, err, "size walk failed")
			}
		}
	}
	return attrs, nil
}

// GenerateDownloadStream opens a file for reading
func (p *Proxy) GenerateDownloadStream(_ context.Context, tok proxy.Token, loc task.Location) (io.ReadCloser, error) {
	if _, err := proxy.TokenAs[token](tok, xerrors.SystemPosix); err != nil {
		return nil, err
	}
	path, err := p.resolve(loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(err, "open")
	}
	return f, nil
}

// DownloadToDestination copies between the archive and a bridged directory
// on a background goroutine.
func (p *Proxy) DownloadToDestination(ctx context.Context, tok proxy.Token, req proxy.Request, baseArchive string, listener progress.Listener, _ bool) (proxy.Handle, error) {
	if _, err := proxy.TokenAs[token](tok, xerrors.SystemPosix); err != nil {
		return nil, err
	}

	var src, dst string
	var err error
	if req.Direction == proxy.ToBackend {
		if src, err = proxy.ArchivePath(baseArchive, req.Source); err == nil {
			dst, err = p.resolve(req.Destination)
		}
	} else {
		if src, err = p.resolve(req.Source); err == nil {
			dst, err = proxy.ArchivePath(baseArchive, req.Destination)
		}
	}
	if err != nil {
		return nil, xerrors.Validation("%v", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return nil, classify(err, "open source")
	}
	out, removePart, err := proxy.PartFile(dst)
	if err != nil {
		in.Close()
		return nil, xerrors.Transient(xerrors.SystemPosix, err, "prepare destination")
	}

	reporter := progress.NewReporter(listener,
		progress.WithThreshold(p.threshold),
		progress.WithTracker(p.tracker),
		progress.WithLogger(p.logger.With(zap.String("task_id", req.TaskID))))
	if info, err := in.Stat(); err == nil {
		reporter.Update(info.Size())
	}

	go func() {
		defer in.Close()
		defer removePart()

		_, err := io.Copy(out, progress.NewReader(in, reporter))
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err == nil {
			err = os.Rename(out.Name(), dst)
		}
		if err != nil {
			p.logger.Warn("Copy failed", zap.String("task_id", req.TaskID), zap.Error(err))
			reporter.Fail(err)
			return
		}
		reporter.Complete()
	}()

	return proxy.NewCleanupHandle(req.TaskID, removePart), nil
}

// ScanDirectory walks a directory and lists its files
func (p *Proxy) ScanDirectory(_ context.Context, tok proxy.Token, loc task.Location) ([]proxy.ScanItem, error) {
	if _, err := proxy.TokenAs[token](tok, xerrors.SystemPosix); err != nil {
		return nil, err
	}
	root, err := p.resolve(loc)
	if err != nil {
		return nil, err
	}

	var items []proxy.ScanItem
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		items = append(items, proxy.ScanItem{RelativePath: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, classify(err, "scan")
	}

	sort.Slice(items, func(i, j int) bool { return items[i].RelativePath < items[j].RelativePath })
	return items, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func classify(err error, op string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return xerrors.Wrap(xerrors.CodeNotFound, err, op).WithSystem(xerrors.SystemPosix)
	case errors.Is(err, fs.ErrPermission):
		return xerrors.Authentication(xerrors.SystemPosix, err)
	}
	return xerrors.Transient(xerrors.SystemPosix, err, op+" failed")
}
