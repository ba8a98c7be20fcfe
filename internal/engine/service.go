package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	xerrors "transferd/internal/errors"
	"transferd/internal/metrics"
	"transferd/internal/repository"
	"transferd/internal/task"
)

// CreateRequest describes a new transfer task
type CreateRequest struct {
	Kind        task.Kind     `json:"kind"`
	Protocol    task.Protocol `json:"protocol"`
	Source      task.Location `json:"source"`
	Destination task.Location `json:"destination"`
	AccountRef  string        `json:"account_ref,omitempty"`
	Encrypted   bool          `json:"encrypted,omitempty"`
	// RetryOf names a FAILED or CANCELLED task this one replaces.
	RetryOf string `json:"retry_of,omitempty"`
}

// Service is the request-facing side of the engine
type Service struct {
	store   repository.Store
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a service over store. metricsCollector may be nil.
func NewService(store repository.Store, metricsCollector *metrics.Collector, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		metrics: metricsCollector,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateTask validates the request and stores a RECEIVED task. It returns
// the new task id.
func (s *Service) CreateTask(ctx context.Context, req CreateRequest) (string, error) {
	now := s.now()
	t := &task.Task{
		ID:            uuid.NewString(),
		Kind:          req.Kind,
		Protocol:      req.Protocol,
		State:         task.StateReceived,
		Source:        req.Source,
		Destination:   req.Destination,
		AccountRef:    req.AccountRef,
		Encrypted:     req.Encrypted,
		RetryOf:       req.RetryOf,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := validate(t); err != nil {
		return "", err
	}

	if req.RetryOf != "" {
		previous, err := s.store.Get(ctx, req.RetryOf)
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return "", xerrors.Validation("retried task %s does not exist", req.RetryOf)
		}
		if err != nil {
			return "", err
		}
		if previous.State != task.StateFailed && previous.State != task.StateCancelled {
			return "", xerrors.Validation("task %s is %s, only failed or cancelled tasks can be retried", previous.ID, previous.State)
		}
	}

	if err := s.store.Insert(ctx, t); err != nil {
		return "", err
	}
	s.logger.Info("Task created",
		zap.String("task_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("protocol", string(t.Protocol)),
		zap.String("source", t.Source.String()),
		zap.String("destination", t.Destination.String()))
	if s.metrics != nil {
		s.metrics.IncTransition(string(t.Kind), string(t.State))
	}
	return t.ID, nil
}

// GetTaskStatus returns a task or a NOT_FOUND error
func (s *Service) GetTaskStatus(ctx context.Context, id string) (*task.Task, error) {
	return s.store.Get(ctx, id)
}

// CancelTask cancels a task that has not settled yet. Cancelling a bulk task
// cancels its unsettled children too. Running transfers are not
// interrupted; their resources are released by the next in-progress check.
func (s *Service) CancelTask(ctx context.Context, id string) error {
	t, err := s.cancel(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return xerrors.Conflict("task %s is already %s", id, current.State)
	}
	if !t.Kind.IsBulk() {
		return nil
	}

	children, err := s.store.FindChildren(ctx, id)
	if err != nil {
		return err
	}
	var errs error
	for _, c := range children {
		if c.State.Terminal() {
			continue
		}
		_, err := s.cancel(ctx, c.ID)
		errs = multierr.Append(errs, err)
	}
	return errs
}

// cancel returns the cancelled task, or nil when it had already settled
func (s *Service) cancel(ctx context.Context, id string) (*task.Task, error) {
	_, after, err := mutate(ctx, s.store, id, func(t *task.Task) (bool, error) {
		if t.State.Terminal() {
			return false, nil
		}
		return true, t.Transition(task.StateCancelled, "", s.now())
	})
	if err != nil || after == nil {
		return nil, err
	}
	logTransition(s.logger, s.metrics, after)
	return after, nil
}
