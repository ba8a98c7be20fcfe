package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	xerrors "transferd/internal/errors"
	"transferd/internal/proxy"
	"transferd/internal/queue"
	"transferd/internal/task"
	"transferd/internal/worker"
)

var protocolSystems = map[task.Protocol]xerrors.IntegratedSystem{
	task.ProtocolObjectStore:     xerrors.SystemObjectStore,
	task.ProtocolManagedEndpoint: xerrors.SystemManagedEndpoint,
	task.ProtocolAcceleratedUDP:  xerrors.SystemAccelerated,
	task.ProtocolConsumerDrive:   xerrors.SystemDrive,
	task.ProtocolPosixBridge:     xerrors.SystemPosix,
}

// directionOf returns which way the bytes of a kind move. Downloads leave
// the archive; everything else lands in it.
func directionOf(kind task.Kind) proxy.Direction {
	if kind == task.KindDownload || kind == task.KindCollectionDownload {
		return proxy.ToBackend
	}
	return proxy.FromBackend
}

func generatedURLUpload(t *task.Task) bool {
	return t.Kind == task.KindUpload && t.Source.ContainerID == task.GeneratedURLContainer
}

func validate(t *task.Task) error {
	if !t.Kind.Valid() {
		return xerrors.Validation("unknown task kind %q", t.Kind)
	}
	if !t.Protocol.Valid() {
		return xerrors.Validation("unknown protocol %q", t.Protocol)
	}
	if err := t.Source.Validate(); err != nil {
		return xerrors.Validation("invalid source: %v", err)
	}
	if err := t.Destination.Validate(); err != nil {
		return xerrors.Validation("invalid destination: %v", err)
	}
	return nil
}

// escalated keeps the errors operators are notified about: failures of an
// integrated system rather than of the request.
func escalated(err error) error {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodeNotFound, xerrors.CodeUnsupported, xerrors.CodeStallTimeout, xerrors.CodeBusy:
		return nil
	}
	return err
}

// ProcessReceived advances this server's RECEIVED tasks of one kind, oldest
// first.
func (e *Engine) ProcessReceived(ctx context.Context, kind task.Kind) error {
	tasks, err := e.store.FindByAssignedServer(ctx, e.config.ServerID, task.StateReceived)
	if err != nil {
		return err
	}

	var errs error
	for _, t := range tasks {
		if t.Kind != kind {
			continue
		}
		errs = multierr.Append(errs, e.advanceReceived(ctx, t))
	}
	return errs
}

// HandleReceived handles a message from the received queue
func (e *Engine) HandleReceived(ctx context.Context, msg task.Message) error {
	t, err := e.store.Get(ctx, msg.TaskID)
	if xerrors.CodeOf(err) == xerrors.CodeNotFound {
		e.logger.Debug("Dispatched task no longer exists", zap.String("task_id", msg.TaskID))
		return nil
	}
	if err != nil {
		return err
	}
	if t.State != task.StateReceived || !e.owned(t) {
		return nil
	}
	return e.advanceReceived(ctx, t)
}

func (e *Engine) advanceReceived(ctx context.Context, t *task.Task) error {
	if t.RetryCount > 0 && e.now().Before(t.LastUpdatedAt.Add(e.backoff(t.RetryCount))) {
		return nil
	}
	if !e.handles.reserve(t.ID) {
		return nil
	}
	handedOff := false
	defer func() {
		if !handedOff {
			e.handles.unreserve(t.ID)
		}
	}()

	if err := validate(t); err != nil {
		return e.settle(ctx, t, err)
	}

	switch {
	case t.Kind.IsBulk():
		return e.expand(ctx, t)
	case generatedURLUpload(t):
		return e.startGeneratedURL(ctx, t)
	}

	var err error
	handedOff, err = e.submit(ctx, t)
	return err
}

// settle applies a processing error to a task. Retryable errors are charged
// against the retry budget, permanent ones fail the task. It returns the
// part of err that should reach operators.
func (e *Engine) settle(ctx context.Context, t *task.Task, err error) error {
	logger := e.logger.With(zap.String("task_id", t.ID))

	switch {
	case xerrors.CodeOf(err) == xerrors.CodeBusy:
		logger.Debug("Backend busy, task left for the next firing", zap.Error(err))
		return nil

	case xerrors.IsRetryable(err):
		updated, cerr := e.chargeRetry(ctx, t.ID, err)
		if cerr != nil {
			return multierr.Append(err, cerr)
		}
		logger.Warn("Transient failure",
			zap.Int("retry_count", updated.RetryCount),
			zap.String("state", string(updated.State)),
			zap.Error(err))
		if updated.State == task.StateReceived {
			e.enqueue(ctx, updated, queue.Received, e.backoff(updated.RetryCount))
		}
		return err

	case xerrors.IsPermanent(err):
		if _, ferr := e.fail(ctx, t.ID, err.Error()); ferr != nil {
			return multierr.Append(escalated(err), ferr)
		}
		return escalated(err)
	}
	return err
}

// connect resolves the task's credentials and opens a backend session
func (e *Engine) connect(ctx context.Context, t *task.Task) (proxy.Proxy, proxy.Token, error) {
	p, err := e.proxies.Get(t.Protocol)
	if err != nil {
		return nil, nil, err
	}
	creds, err := e.creds.Resolve(ctx, t.AccountRef)
	if err != nil {
		return nil, nil, err
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	token, err := p.Authenticate(callCtx, creds)
	if err != nil {
		return nil, nil, err
	}
	return p, token, nil
}

// attributes fetches path attributes. ok is false when the backend cannot
// report them, in which case the check is skipped.
func (e *Engine) attributes(ctx context.Context, p proxy.Proxy, token proxy.Token, loc task.Location, wantSize bool) (proxy.PathAttributes, bool, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	attrs, err := p.GetPathAttributes(callCtx, token, loc, wantSize)
	if xerrors.CodeOf(err) == xerrors.CodeUnsupported {
		return proxy.PathAttributes{}, false, nil
	}
	if err != nil {
		return proxy.PathAttributes{}, false, err
	}
	return attrs, true, nil
}

// checkBackendSource verifies a backend path the transfer reads from. A
// non-empty reason means the task cannot succeed.
func (e *Engine) checkBackendSource(ctx context.Context, p proxy.Proxy, token proxy.Token, loc task.Location, wantDir bool) (int64, string, error) {
	attrs, ok, err := e.attributes(ctx, p, token, loc, true)
	if err != nil || !ok {
		return 0, "", err
	}
	switch {
	case !attrs.Accessible:
		return 0, fmt.Sprintf("not authorized to read %s", loc), nil
	case !attrs.Exists:
		return 0, fmt.Sprintf("source %s does not exist", loc), nil
	case wantDir && !attrs.IsDirectory:
		return 0, fmt.Sprintf("source %s is not a directory", loc), nil
	case !wantDir && attrs.IsDirectory:
		return 0, fmt.Sprintf("source %s is a directory, expected a file", loc), nil
	}
	return attrs.Size, "", nil
}

// prepare builds the transfer request and runs the pre-submission checks
func (e *Engine) prepare(ctx context.Context, p proxy.Proxy, token proxy.Token, t *task.Task) (proxy.Request, string, error) {
	req := proxy.Request{
		TaskID:      t.ID,
		Direction:   directionOf(t.Kind),
		Source:      t.Source,
		Destination: t.Destination,
		Size:        t.TotalSize,
	}

	if req.Direction == proxy.FromBackend {
		size, reason, err := e.checkBackendSource(ctx, p, token, t.Source, false)
		if size > 0 {
			req.Size = size
		}
		return req, reason, err
	}

	path, err := proxy.ArchivePath(e.config.ArchiveBase, t.Source)
	if err != nil {
		return req, "", xerrors.Validation("%v", err)
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return req, fmt.Sprintf("archive source %s does not exist", t.Source), nil
	case err != nil:
		return req, "", fmt.Errorf("failed to stat archive source: %w", err)
	case info.IsDir():
		return req, fmt.Sprintf("archive source %s is a directory, expected a file", t.Source), nil
	}
	req.Size = info.Size()

	attrs, ok, err := e.attributes(ctx, p, token, t.Destination, false)
	if err != nil {
		return req, "", err
	}
	if ok && !attrs.Accessible {
		return req, fmt.Sprintf("not authorized to write %s", t.Destination), nil
	}
	return req, "", nil
}

// submit hands a single-item transfer to its protocol's worker pool. It
// reports whether the pool accepted the job.
func (e *Engine) submit(ctx context.Context, t *task.Task) (bool, error) {
	p, token, err := e.connect(ctx, t)
	if err != nil {
		return false, e.settle(ctx, t, err)
	}
	req, reason, err := e.prepare(ctx, p, token, t)
	if err != nil {
		return false, e.settle(ctx, t, err)
	}
	if reason != "" {
		_, err := e.fail(ctx, t.ID, reason)
		return false, err
	}

	job := worker.Job{
		TaskID:   t.ID,
		Protocol: t.Protocol,
		Run:      e.transferJob(p, token, t, req),
	}
	if err := e.pools.Submit(job); err != nil {
		return false, e.settle(ctx, t, err)
	}
	return true, nil
}

func (e *Engine) transferJob(p proxy.Proxy, token proxy.Token, t *task.Task, req proxy.Request) func(ctx context.Context, slot *worker.Slot) error {
	return func(ctx context.Context, slot *worker.Slot) error {
		run := func(ctx context.Context) error {
			return e.start(ctx, p, token, t, req, slot)
		}
		if e.wrapper == nil {
			return run(ctx)
		}
		e.wrapper.Wrap("transfer-"+t.Kind.Slug(), run)(ctx)
		return nil
	}
}

// start runs on a pool worker. It submits the transfer to the backend and
// moves the task to IN_PROGRESS, or abandons the transfer if the task
// changed while the job was waiting. A started transfer keeps its pool slot
// until its handle is released.
func (e *Engine) start(ctx context.Context, p proxy.Proxy, token proxy.Token, t *task.Task, req proxy.Request, slot *worker.Slot) error {
	logger := e.logger.With(zap.String("task_id", t.ID), zap.String("protocol", string(t.Protocol)))
	attached := false
	defer func() {
		if !attached {
			e.handles.unreserve(t.ID)
		}
	}()

	current, err := e.store.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if current.State != task.StateReceived || !e.owned(current) {
		logger.Info("Task changed before its transfer started", zap.String("state", string(current.State)))
		return nil
	}

	l := e.newListener(current)
	callCtx, cancel := e.callContext(ctx)
	h, err := p.DownloadToDestination(callCtx, token, req, e.config.ArchiveBase, l, current.Encrypted)
	cancel()
	if err != nil {
		l.settle(true)
		return e.settle(ctx, current, err)
	}

	updated, changed, err := e.mutate(ctx, t.ID, func(cur *task.Task) (bool, error) {
		if cur.State != task.StateReceived || !e.owned(cur) {
			return false, nil
		}
		cur.RemoteTaskID = h.ID()
		if req.Size > 0 {
			cur.TotalSize = req.Size
		}
		return true, cur.Transition(task.StateInProgress, "", e.now())
	})
	if err != nil || !changed {
		l.settle(true)
		if cerr := h.Cleanup(); cerr != nil {
			logger.Warn("Failed to clean up abandoned transfer", zap.Error(cerr))
		}
		if err == nil {
			logger.Info("Task changed while its transfer was starting, transfer abandoned")
		}
		return err
	}

	slot.Keep()
	e.handles.attach(t.ID, t.Kind, h, slot)
	attached = true
	logger.Info("Transfer submitted",
		zap.String("remote_task_id", h.ID()),
		zap.Int64("total_size", updated.TotalSize))
	l.settle(false)

	e.enqueue(ctx, updated, queue.InProgress, e.config.RecheckDelay)
	return nil
}

// startGeneratedURL hands the remote party a pre-signed URL for the
// destination instead of moving the bytes here.
func (e *Engine) startGeneratedURL(ctx context.Context, t *task.Task) error {
	p, token, err := e.connect(ctx, t)
	if err != nil {
		return e.settle(ctx, t, err)
	}
	gen, ok := p.(proxy.URLGenerator)
	if !ok {
		return e.settle(ctx, t, xerrors.Unsupported(protocolSystems[t.Protocol], "GenerateUploadURL"))
	}

	callCtx, cancel := e.callContext(ctx)
	url, err := gen.GenerateUploadURL(callCtx, token, t.Destination, e.config.URLExpiry)
	cancel()
	if err != nil {
		return e.settle(ctx, t, err)
	}

	updated, changed, err := e.mutate(ctx, t.ID, func(cur *task.Task) (bool, error) {
		if cur.State != task.StateReceived || !e.owned(cur) {
			return false, nil
		}
		cur.RemoteTaskID = url
		return true, cur.Transition(task.StateInProgressWithGeneratedURL, "", e.now())
	})
	if err != nil || !changed {
		return err
	}
	e.logger.Info("Upload URL generated",
		zap.String("task_id", t.ID),
		zap.Duration("expiry", e.config.URLExpiry))
	e.enqueue(ctx, updated, queue.InProgress, e.config.RecheckDelay)
	return nil
}
