package task

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the type of work a task performs.
type Kind string

const (
	KindUpload              Kind = "UPLOAD"
	KindDownload            Kind = "DOWNLOAD"
	KindCollectionDownload  Kind = "COLLECTION_DOWNLOAD"
	KindBulkRegistration    Kind = "BULK_REGISTRATION"
	KindMetadataMigration   Kind = "METADATA_MIGRATION"
	KindCollectionMigration Kind = "COLLECTION_MIGRATION"
)

// Kinds lists every task kind in a stable order.
var Kinds = []Kind{
	KindUpload,
	KindDownload,
	KindCollectionDownload,
	KindBulkRegistration,
	KindMetadataMigration,
	KindCollectionMigration,
}

// IsBulk reports whether the kind expands into per-item child tasks.
func (k Kind) IsBulk() bool {
	switch k {
	case KindCollectionDownload, KindBulkRegistration, KindCollectionMigration:
		return true
	}
	return false
}

// ChildKind returns the kind of the per-item children of a bulk kind.
func (k Kind) ChildKind() Kind {
	switch k {
	case KindCollectionDownload:
		return KindDownload
	case KindBulkRegistration:
		return KindUpload
	case KindCollectionMigration:
		return KindMetadataMigration
	}
	return k
}

// AllOrNothing reports whether a single failed child fails the whole parent.
func (k Kind) AllOrNothing() bool {
	return k == KindBulkRegistration || k == KindCollectionMigration
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Slug is the lower-case, dash separated form used in job names.
func (k Kind) Slug() string {
	return strings.ReplaceAll(strings.ToLower(string(k)), "_", "-")
}

// Protocol selects the transfer backend.
type Protocol string

const (
	ProtocolObjectStore     Protocol = "OBJECT_STORE"
	ProtocolManagedEndpoint Protocol = "MANAGED_ENDPOINT"
	ProtocolAcceleratedUDP  Protocol = "ACCELERATED_UDP"
	ProtocolConsumerDrive   Protocol = "CONSUMER_DRIVE"
	ProtocolPosixBridge     Protocol = "POSIX_BRIDGE"
)

// Protocols lists every protocol in a stable order.
var Protocols = []Protocol{
	ProtocolObjectStore,
	ProtocolManagedEndpoint,
	ProtocolAcceleratedUDP,
	ProtocolConsumerDrive,
	ProtocolPosixBridge,
}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	for _, known := range Protocols {
		if p == known {
			return true
		}
	}
	return false
}

// Location addresses a path within a backend container (bucket, endpoint id,
// drive id or filesystem root).
type Location struct {
	ContainerID string `json:"container_id" yaml:"container_id"`
	Path        string `json:"path" yaml:"path"`
}

// GeneratedURLContainer marks an upload source that the remote party pushes to
// through a pre-signed URL instead of this system moving the bytes.
const GeneratedURLContainer = "generated-url"

// Validate checks that the location is well formed.
func (l Location) Validate() error {
	if strings.TrimSpace(l.ContainerID) == "" {
		return fmt.Errorf("container id is required")
	}
	if strings.TrimSpace(l.Path) == "" {
		return fmt.Errorf("path is required")
	}
	if strings.Contains(l.Path, "\x00") {
		return fmt.Errorf("path contains a NUL byte")
	}
	for _, part := range strings.Split(l.Path, "/") {
		if part == ".." {
			return fmt.Errorf("path %q escapes its container", l.Path)
		}
	}
	return nil
}

// Join returns the location of a relative path under l.
func (l Location) Join(rel string) Location {
	return Location{
		ContainerID: l.ContainerID,
		Path:        strings.TrimSuffix(l.Path, "/") + "/" + strings.TrimPrefix(rel, "/"),
	}
}

func (l Location) String() string {
	return l.ContainerID + ":" + l.Path
}

// Task is a unit of data movement tracked through the state machine.
type Task struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	Protocol         Protocol  `json:"protocol"`
	State            State     `json:"state"`
	Source           Location  `json:"source"`
	Destination      Location  `json:"destination"`
	AccountRef       string    `json:"account_ref,omitempty"`
	AssignedServerID string    `json:"assigned_server_id,omitempty"`
	ParentID         string    `json:"parent_id,omitempty"`
	RetryOf          string    `json:"retry_of,omitempty"`
	RemoteTaskID     string    `json:"remote_task_id,omitempty"`
	Encrypted        bool      `json:"encrypted"`
	BytesTransferred int64     `json:"bytes_transferred"`
	TotalSize        int64     `json:"total_size"`
	ItemsTotal       int       `json:"items_total,omitempty"`
	ItemsFailed      int       `json:"items_failed,omitempty"`
	RetryCount       int       `json:"retry_count"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
	LastProgressAt   time.Time `json:"last_progress_at"`
}

// Clone returns a copy safe to mutate independently.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// Transition moves the task to a new state, enforcing the state machine.
// The error message is recorded only when the target state is FAILED.
func (t *Task) Transition(to State, errorMessage string, now time.Time) error {
	if !CanTransition(t.State, to) {
		return &TransitionError{From: t.State, To: to}
	}
	t.State = to
	if to == StateFailed {
		if errorMessage == "" {
			errorMessage = "transfer failed"
		}
		t.ErrorMessage = errorMessage
	}
	if to == StateInProgress || to == StateInProgressWithGeneratedURL {
		t.LastProgressAt = now
	}
	t.LastUpdatedAt = now
	return nil
}

// Recover resets an orphaned IN_PROGRESS task back to RECEIVED so it can be
// resubmitted. This is the only backward edge in the state machine.
func (t *Task) Recover(now time.Time) error {
	if t.State != StateInProgress {
		return &TransitionError{From: t.State, To: StateReceived}
	}
	t.State = StateReceived
	t.AssignedServerID = ""
	t.RemoteTaskID = ""
	t.BytesTransferred = 0
	t.LastUpdatedAt = now
	return nil
}

// RecordProgress applies a byte count observed while the transfer is running.
// Counts never decrease and never exceed a known total size.
func (t *Task) RecordProgress(bytes int64, now time.Time) bool {
	if t.State != StateInProgress && t.State != StateInProgressWithGeneratedURL {
		return false
	}
	if t.TotalSize > 0 && bytes > t.TotalSize {
		bytes = t.TotalSize
	}
	if bytes <= t.BytesTransferred {
		return false
	}
	t.BytesTransferred = bytes
	t.LastProgressAt = now
	t.LastUpdatedAt = now
	return true
}

// Stalled reports whether the task has not progressed within threshold.
func (t *Task) Stalled(threshold time.Duration, now time.Time) bool {
	if threshold <= 0 || !t.State.Active() {
		return false
	}
	since := t.LastProgressAt
	if since.IsZero() {
		since = t.LastUpdatedAt
	}
	return now.Sub(since) > threshold
}

// Message is the ephemeral dispatch envelope handed to the dispatch queue.
type Message struct {
	TaskID  string `json:"task_id"`
	Kind    Kind   `json:"kind"`
	Delayed bool   `json:"delayed"`
}
