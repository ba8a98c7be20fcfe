package engine

import (
	"sync"

	"transferd/internal/proxy"
	"transferd/internal/task"
	"transferd/internal/worker"
)

type handleEntry struct {
	handle proxy.Handle
	kind   task.Kind
	slot   *worker.Slot
}

// handleRegistry tracks the transfers submitted by this process. A task is
// pending between pool submission and the proxy returning its handle.
// Handles are lost on restart, which is why recovery resubmits.
type handleRegistry struct {
	mu      sync.Mutex
	pending map[string]struct{}
	live    map[string]handleEntry
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{
		pending: make(map[string]struct{}),
		live:    make(map[string]handleEntry),
	}
}

// reserve marks a task as being submitted. It fails if the task is already
// pending or running here.
func (r *handleRegistry) reserve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; ok {
		return false
	}
	if _, ok := r.live[id]; ok {
		return false
	}
	r.pending[id] = struct{}{}
	return true
}

// unreserve drops a reservation whose submission did not happen
func (r *handleRegistry) unreserve(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// attach turns a reservation into a live handle holding a pool slot
func (r *handleRegistry) attach(id string, kind task.Kind, h proxy.Handle, slot *worker.Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	r.live[id] = handleEntry{handle: h, kind: kind, slot: slot}
}

// busy reports whether a submission or transfer is in flight for id
func (r *handleRegistry) busy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, pending := r.pending[id]
	_, live := r.live[id]
	return pending || live
}

// release removes the handle, cleans up its staged resources and gives its
// pool slot back
func (r *handleRegistry) release(id string) error {
	r.mu.Lock()
	entry, ok := r.live[id]
	delete(r.live, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	defer entry.slot.Release()
	return entry.handle.Cleanup()
}

// ofKind returns the ids of live handles for a kind
func (r *handleRegistry) ofKind(kind task.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, entry := range r.live {
		if entry.kind == kind {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *handleRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
