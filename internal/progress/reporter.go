package progress

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// DefaultThreshold is the minimum number of bytes between two in-progress
// notifications.
const DefaultThreshold int64 = 100 * 1024 * 1024

// Listener receives the outcome of an asynchronous transfer.
type Listener interface {
	TransferProgressed(bytesTransferred int64)
	TransferCompleted(bytesTransferred int64)
	TransferFailed(reason string)
}

// Reporter turns the native progress callbacks of a backend library into
// rate-limited Listener events. Terminal events are delivered exactly once.
type Reporter struct {
	listener  Listener
	threshold int64
	tracker   *Tracker
	logger    *zap.Logger

	mu           sync.Mutex
	total        int64
	transferred  int64
	lastReported int64
	done         bool
}

// Option configures a Reporter
type Option func(*Reporter)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(bytes int64) Option {
	return func(r *Reporter) {
		if bytes > 0 {
			r.threshold = bytes
		}
	}
}

// WithTracker feeds byte deltas and outcomes into a server-wide tracker.
func WithTracker(t *Tracker) Option {
	return func(r *Reporter) {
		r.tracker = t
	}
}

// WithLogger logs every reported increment at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reporter) {
		r.logger = logger
	}
}

// NewReporter creates a reporter delivering to listener
func NewReporter(listener Listener, opts ...Option) *Reporter {
	r := &Reporter{
		listener:  listener,
		threshold: DefaultThreshold,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracker != nil {
		r.tracker.TransferStarted()
	}
	return r
}

// Update sets the total size once the backend knows it.
func (r *Reporter) Update(total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if total > 0 {
		r.total = total
	}
}

// Set records an absolute byte count reported by the backend. Counts that go
// backwards are ignored.
func (r *Reporter) Set(transferred int64) {
	r.advance(func() int64 { return transferred - r.transferred })
}

// Add records n more bytes and notifies the listener when the threshold has
// been crossed since the last notification.
func (r *Reporter) Add(n int64) {
	r.advance(func() int64 { return n })
}

// advance applies the delta computed under the same lock that guards the
// byte count, so concurrent callers never count a range twice.
func (r *Reporter) advance(delta func() int64) {
	r.mu.Lock()
	n := delta()
	if r.done || n <= 0 {
		r.mu.Unlock()
		return
	}
	before := r.transferred
	r.transferred += n
	if r.total > 0 && r.transferred > r.total {
		r.transferred = r.total
	}
	transferred := r.transferred
	added := transferred - before
	report := transferred-r.lastReported >= r.threshold
	if report {
		r.lastReported = transferred
	}
	r.mu.Unlock()

	if r.tracker != nil && added > 0 {
		r.tracker.AddBytes(added)
	}
	if report {
		r.logger.Debug("Transfer progressed",
			zap.Int64("bytes", transferred),
			zap.Float64("mb", float64(transferred)/(1024*1024)))
		r.listener.TransferProgressed(transferred)
	}
}

// Complete delivers the completion event. Only the first terminal call wins.
func (r *Reporter) Complete() {
	transferred, ok := r.finish()
	if !ok {
		return
	}
	if r.tracker != nil {
		r.tracker.TransferCompleted()
	}
	r.listener.TransferCompleted(transferred)
}

// Fail delivers the failure event. Only the first terminal call wins.
func (r *Reporter) Fail(err error) {
	if _, ok := r.finish(); !ok {
		return
	}
	reason := "transfer failed"
	if err != nil {
		reason = err.Error()
	}
	if r.tracker != nil {
		r.tracker.TransferFailed()
	}
	r.listener.TransferFailed(reason)
}

func (r *Reporter) finish() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return 0, false
	}
	r.done = true
	return r.transferred, true
}

// Transferred returns the bytes counted so far
func (r *Reporter) Transferred() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transferred
}

// Done reports whether a terminal event has been delivered
func (r *Reporter) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Reader counts bytes read through it into a Reporter.
type Reader struct {
	r        io.Reader
	reporter *Reporter
}

// NewReader wraps r
func NewReader(r io.Reader, reporter *Reporter) *Reader {
	return &Reader{r: r, reporter: reporter}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.reporter.Add(int64(n))
	}
	return n, err
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnProgress func(int64)
	OnComplete func(int64)
	OnFail     func(string)
}

func (f ListenerFuncs) TransferProgressed(n int64) {
	if f.OnProgress != nil {
		f.OnProgress(n)
	}
}

func (f ListenerFuncs) TransferCompleted(n int64) {
	if f.OnComplete != nil {
		f.OnComplete(n)
	}
}

func (f ListenerFuncs) TransferFailed(reason string) {
	if f.OnFail != nil {
		f.OnFail(reason)
	}
}
