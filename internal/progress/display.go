package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Display periodically logs the tracker's throughput snapshot
type Display struct {
	tracker  *Tracker
	logger   *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewDisplay creates a new throughput display
func NewDisplay(tracker *Tracker, logger *zap.Logger, interval time.Duration) *Display {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Display{
		tracker:  tracker,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the display loop
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the loop and logs a final summary
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.done
	})
}

func (d *Display) displayLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var lastBytes int64
	for {
		select {
		case <-ticker.C:
			status := d.tracker.GetStatus()
			if status.ActiveTransfers == 0 && status.BytesTransferred == lastBytes {
				continue
			}
			lastBytes = status.BytesTransferred
			d.logger.Info("Transfer throughput", statusFields(status)...)
		case <-d.stopCh:
			d.logger.Info("Transfer summary", statusFields(d.tracker.GetStatus())...)
			return
		}
	}
}

func statusFields(status Status) []zap.Field {
	return []zap.Field{
		zap.Int64("active", status.ActiveTransfers),
		zap.Int64("completed", status.CompletedTransfers),
		zap.Int64("failed", status.FailedTransfers),
		zap.String("transferred", FormatBytes(status.BytesTransferred)),
		zap.String("current_speed", FormatSpeed(status.CurrentSpeed)),
		zap.String("average_speed", FormatSpeed(status.AverageSpeed)),
		zap.Duration("uptime", time.Since(status.StartTime).Round(time.Second)),
	}
}
