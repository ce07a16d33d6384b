package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultPollInterval = 30 * time.Second

// Monitor calls tick on a fixed interval until stopped. There is no
// backoff: a tick that fails is counted and the next one runs on schedule.
type Monitor struct {
	interval time.Duration
	tick     func(context.Context) error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// stats (atomic)
	ticks  uint64
	failed uint64
}

func NewMonitor(interval time.Duration, tick func(context.Context) error) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{interval: interval, tick: tick, done: make(chan struct{})}
}

// Start runs the loop in its own goroutine.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.Run(ctx)
}

// Run blocks until ctx is cancelled. A tick in progress is not interrupted
// by the cancellation; it sees a context that is never cancelled.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// select picks at random when both are ready
			if ctx.Err() != nil {
				return
			}
			atomic.AddUint64(&m.ticks, 1)
			if err := m.tick(context.WithoutCancel(ctx)); err != nil {
				atomic.AddUint64(&m.failed, 1)
			}
		}
	}
}

// Stop prevents future ticks and returns without waiting for a running one.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
}

// Done is closed once the loop has exited.
func (m *Monitor) Done() <-chan struct{} { return m.done }

func (m *Monitor) Stats() (ticks uint64, failed uint64) {
	return atomic.LoadUint64(&m.ticks), atomic.LoadUint64(&m.failed)
}
