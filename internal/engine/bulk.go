package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	xerrors "transferd/internal/errors"
	"transferd/internal/proxy"
	"transferd/internal/task"
)

// childID derives a stable id so re-expanding a parent never duplicates items
func childID(parentID, rel string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(parentID+"/"+rel)).String()
}

// scanArchive lists the files of an archive directory
func scanArchive(baseArchive string, loc task.Location) ([]proxy.ScanItem, string, error) {
	root, err := proxy.ArchivePath(baseArchive, loc)
	if err != nil {
		return nil, "", xerrors.Validation("%v", err)
	}

	var items []proxy.ScanItem
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root && !d.IsDir() {
			return fs.ErrInvalid
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
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Sprintf("archive source %s does not exist", loc), nil
	case errors.Is(err, fs.ErrInvalid):
		return nil, fmt.Sprintf("archive source %s is not a directory", loc), nil
	case err != nil:
		return nil, "", fmt.Errorf("failed to scan archive: %w", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].RelativePath < items[j].RelativePath })
	return items, "", nil
}

// expand scans the source of a bulk task and inserts one child per file.
// Children start unassigned so any server may pick them up.
func (e *Engine) expand(ctx context.Context, parent *task.Task) error {
	logger := e.logger.With(zap.String("task_id", parent.ID), zap.String("kind", string(parent.Kind)))

	p, token, err := e.connect(ctx, parent)
	if err != nil {
		return e.settle(ctx, parent, err)
	}

	var (
		items  []proxy.ScanItem
		reason string
	)
	if directionOf(parent.Kind) == proxy.ToBackend {
		items, reason, err = scanArchive(e.config.ArchiveBase, parent.Source)
	} else {
		_, reason, err = e.checkBackendSource(ctx, p, token, parent.Source, true)
		if err == nil && reason == "" {
			callCtx, cancel := e.callContext(ctx)
			items, err = p.ScanDirectory(callCtx, token, parent.Source)
			cancel()
		}
	}
	if err != nil {
		return e.settle(ctx, parent, err)
	}
	if reason != "" {
		_, err := e.fail(ctx, parent.ID, reason)
		return err
	}

	existing, err := e.store.FindChildren(ctx, parent.ID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[c.ID] = true
	}

	now := e.now()
	var (
		total    int64
		inserted int
		errs     error
	)
	for i, item := range items {
		total += item.Size
		id := childID(parent.ID, item.RelativePath)
		if known[id] {
			continue
		}
		created := now.Add(time.Duration(i))
		child := &task.Task{
			ID:            id,
			Kind:          parent.Kind.ChildKind(),
			Protocol:      parent.Protocol,
			State:         task.StateReceived,
			Source:        parent.Source.Join(item.RelativePath),
			Destination:   parent.Destination.Join(item.RelativePath),
			AccountRef:    parent.AccountRef,
			ParentID:      parent.ID,
			Encrypted:     parent.Encrypted,
			TotalSize:     item.Size,
			CreatedAt:     created,
			LastUpdatedAt: created,
		}
		if err := e.store.Insert(ctx, child); err != nil && xerrors.CodeOf(err) != xerrors.CodeConflict {
			errs = multierr.Append(errs, err)
			continue
		}
		inserted++
	}
	if errs != nil {
		// the next firing re-expands and skips what was inserted
		return errs
	}

	_, _, err = e.mutate(ctx, parent.ID, func(cur *task.Task) (bool, error) {
		if cur.State != task.StateReceived || !e.owned(cur) {
			return false, nil
		}
		cur.ItemsTotal = len(items)
		cur.TotalSize = total
		return true, cur.Transition(task.StateInProgress, "", e.now())
	})
	if err != nil {
		return err
	}
	logger.Info("Bulk task expanded",
		zap.Int("items", len(items)),
		zap.Int("inserted", inserted),
		zap.Int64("total_size", total))
	return nil
}

// CompleteBulk settles this server's bulk tasks of one kind whose children
// have all reached a terminal state.
func (e *Engine) CompleteBulk(ctx context.Context, kind task.Kind) error {
	parents, err := e.store.FindByAssignedServer(ctx, e.config.ServerID, task.StateInProgress)
	if err != nil {
		return err
	}

	var errs error
	for _, parent := range parents {
		if parent.Kind != kind {
			continue
		}
		errs = multierr.Append(errs, e.completeParent(ctx, parent))
	}
	return errs
}

func (e *Engine) completeParent(ctx context.Context, parent *task.Task) error {
	children, err := e.store.FindChildren(ctx, parent.ID)
	if err != nil {
		return err
	}

	var (
		bytes  int64
		failed int
	)
	for _, c := range children {
		if !c.State.Terminal() {
			return nil
		}
		bytes += c.BytesTransferred
		if c.State != task.StateCompleted {
			failed++
		}
	}

	_, _, err = e.mutate(ctx, parent.ID, func(cur *task.Task) (bool, error) {
		if cur.State != task.StateInProgress {
			return false, nil
		}
		cur.ItemsTotal = len(children)
		cur.ItemsFailed = failed
		if bytes > cur.BytesTransferred {
			cur.BytesTransferred = bytes
		}

		allFailed := len(children) > 0 && failed == len(children)
		if (cur.Kind.AllOrNothing() && failed > 0) || allFailed {
			return true, cur.Transition(task.StateFailed,
				fmt.Sprintf("%d of %d items failed", failed, len(children)), e.now())
		}
		return true, cur.Transition(task.StateCompleted, "", e.now())
	})
	return err
}
