package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status is a snapshot of server-wide transfer throughput
type Status struct {
	ActiveTransfers    int64
	CompletedTransfers int64
	FailedTransfers    int64
	BytesTransferred   int64
	StartTime          time.Time
	LastUpdateTime     time.Time
	CurrentSpeed       float64 // bytes/second over the recent window
	AverageSpeed       float64 // bytes/second since start
}

// Tracker aggregates progress from every running transfer on this server
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []speedSample
	maxSamples   int
	window       time.Duration
	now          func() time.Time
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker creates a new throughput tracker
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		status: Status{
			StartTime:      start,
			LastUpdateTime: start,
		},
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
		window:       5 * time.Second,
		now:          now,
	}
}

// TransferStarted counts a newly submitted transfer
func (t *Tracker) TransferStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.ActiveTransfers++
}

// TransferCompleted moves a transfer from active to completed
func (t *Tracker) TransferCompleted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.CompletedTransfers++
	t.decActive()
}

// TransferFailed moves a transfer from active to failed
func (t *Tracker) TransferFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.FailedTransfers++
	t.decActive()
}

func (t *Tracker) decActive() {
	if t.status.ActiveTransfers > 0 {
		t.status.ActiveTransfers--
	}
}

// AddBytes records bytes moved by any transfer
func (t *Tracker) AddBytes(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.BytesTransferred += bytes
	t.updateSpeed(bytes)
}

// updateSpeed updates the speed calculation (must be called with lock held)
func (t *Tracker) updateSpeed(bytes int64) {
	now := t.now()

	t.speedSamples = append(t.speedSamples, speedSample{
		timestamp: now,
		bytes:     bytes,
	})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)

	t.status.LastUpdateTime = now
}

// calculateCurrentSpeed uses the samples inside the recent window
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-t.window)
	var recentBytes int64
	var firstSample *speedSample

	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentBytes += sample.bytes
		firstSample = sample
	}

	if firstSample != nil {
		if d := now.Sub(firstSample.timestamp); d > 0 {
			t.status.CurrentSpeed = float64(recentBytes) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageSpeed(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.BytesTransferred) / elapsed.Seconds()
	}
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// FormatSpeed formats speed in human readable format
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 1024 {
		return fmt.Sprintf("%.1f B/s", bytesPerSecond)
	} else if bytesPerSecond < 1024*1024 {
		return fmt.Sprintf("%.1f KB/s", bytesPerSecond/1024)
	} else if bytesPerSecond < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB/s", bytesPerSecond/(1024*1024))
	}
	return fmt.Sprintf("%.1f GB/s", bytesPerSecond/(1024*1024*1024))
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	} else if bytes < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	} else if bytes < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	}
	return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
}
