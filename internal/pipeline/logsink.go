package pipeline

import (
	"sync"
	"time"

	"github.com/cskr/pubsub"
)

// LogSink receives human-readable progress lines. Lines are appended only.
type LogSink interface {
	Push(line string)
}

// LogTopic is the pubsub topic log lines are published on.
const LogTopic = "logs"

const DefaultTailSize = 500

// Broadcaster fans log lines out to subscribers and keeps the most
// recent ones for late readers.
type Broadcaster struct {
	ps  *pubsub.PubSub
	now func() time.Time

	mu     sync.Mutex
	tail   []string
	max    int
	closed bool
}

func NewBroadcaster(tailSize int) *Broadcaster {
	if tailSize <= 0 {
		tailSize = DefaultTailSize
	}
	return &Broadcaster{ps: pubsub.New(64), now: time.Now, max: tailSize}
}

// Push stamps line with the local time, stores it and publishes it.
// Slow subscribers miss lines rather than block the pipeline.
func (b *Broadcaster) Push(line string) {
	line = "[" + b.now().Format("15:04:05") + "] " + line

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.tail = append(b.tail, line)
	if len(b.tail) > b.max {
		b.tail = append(b.tail[:0:0], b.tail[len(b.tail)-b.max:]...)
	}
	b.ps.TryPub(line, LogTopic)
}

// Tail returns up to n of the most recent lines, oldest first. n <= 0 returns all kept lines.
func (b *Broadcaster) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if n > 0 && n < len(b.tail) {
		start = len(b.tail) - n
	}
	out := make([]string, len(b.tail)-start)
	copy(out, b.tail[start:])
	return out
}

// Subscribe returns a channel of future lines. Release it with Unsubscribe.
func (b *Broadcaster) Subscribe() chan interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan interface{})
		close(ch)
		return ch
	}
	return b.ps.Sub(LogTopic)
}

func (b *Broadcaster) Unsubscribe(ch chan interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ps.Unsub(ch, LogTopic)
}

// Close shuts the broadcaster down and closes every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}
