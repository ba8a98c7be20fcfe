// Package proxy defines the uniform contract every transfer backend
// implements and the registry that selects a backend by protocol.
package proxy

import (
	"context"
	"io"
	"time"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/progress"
	"transferd/internal/task"
)

// Token is an authenticated session for one backend account. Its content is
// opaque to callers.
type Token interface {
	Protocol() task.Protocol
}

// PathAttributes describes a path in a backend.
type PathAttributes struct {
	Exists      bool
	IsDirectory bool
	IsFile      bool
	// Accessible is false when the backend refused the credentials for this
	// path (HTTP 401/403 and equivalents).
	Accessible bool
	Size       int64
}

// Direction selects which side of a transfer is the archive.
type Direction int

const (
	// ToBackend moves data out of the archive into the backend (download).
	ToBackend Direction = iota
	// FromBackend moves data from the backend into the archive (upload,
	// registration, migration).
	FromBackend
)

func (d Direction) String() string {
	if d == FromBackend {
		return "from-backend"
	}
	return "to-backend"
}

// Request describes one transfer.
type Request struct {
	TaskID      string
	Direction   Direction
	Source      task.Location
	Destination task.Location
	Size        int64
}

// Handle identifies a submitted transfer. Cleanup removes staged temporary
// resources and is safe to call more than once.
type Handle interface {
	ID() string
	Cleanup() error
}

// ScanItem is one file found by ScanDirectory.
type ScanItem struct {
	RelativePath string
	Size         int64
}

// Proxy is the contract every transfer backend implements. Implementations
// never retry; the scheduler decides what to do with failures.
type Proxy interface {
	Authenticate(ctx context.Context, creds credentials.Credentials) (Token, error)
	GetPathAttributes(ctx context.Context, token Token, loc task.Location, wantSize bool) (PathAttributes, error)
	GenerateDownloadStream(ctx context.Context, token Token, loc task.Location) (io.ReadCloser, error)
	// DownloadToDestination starts the transfer and returns immediately.
	// Completion and failure are reported only through listener.
	DownloadToDestination(ctx context.Context, token Token, req Request, baseArchive string, listener progress.Listener, encrypted bool) (Handle, error)
	ScanDirectory(ctx context.Context, token Token, loc task.Location) ([]ScanItem, error)
}

// URLGenerator is implemented by backends that can hand out a pre-signed URL
// the remote party uploads to directly.
type URLGenerator interface {
	GenerateUploadURL(ctx context.Context, token Token, loc task.Location, expiry time.Duration) (string, error)
}

// Registry maps protocols to backends.
type Registry struct {
	proxies map[task.Protocol]Proxy
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{proxies: make(map[task.Protocol]Proxy)}
}

// Register installs p for protocol
func (r *Registry) Register(protocol task.Protocol, p Proxy) {
	r.proxies[protocol] = p
}

// Get returns the backend for protocol or an UNSUPPORTED_OPERATION error.
func (r *Registry) Get(protocol task.Protocol) (Proxy, error) {
	p, ok := r.proxies[protocol]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeUnsupported, "no backend configured for protocol %s", protocol)
	}
	return p, nil
}

// Protocols lists the registered protocols
func (r *Registry) Protocols() []task.Protocol {
	out := make([]task.Protocol, 0, len(r.proxies))
	for _, p := range task.Protocols {
		if _, ok := r.proxies[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// NopHandle is a Handle with nothing to clean up.
type NopHandle string

func (h NopHandle) ID() string     { return string(h) }
func (h NopHandle) Cleanup() error { return nil }

// CleanupFunc adapts a cleanup function into an idempotent Handle.
type CleanupFunc struct {
	id   string
	once onceErr
}

// NewCleanupHandle returns a Handle that runs fn on the first Cleanup call.
func NewCleanupHandle(id string, fn func() error) *CleanupFunc {
	return &CleanupFunc{id: id, once: onceErr{fn: fn}}
}

func (h *CleanupFunc) ID() string     { return h.id }
func (h *CleanupFunc) Cleanup() error { return h.once.do() }
