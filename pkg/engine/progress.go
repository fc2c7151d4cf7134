package engine

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultProgressCapacity = 256
	DefaultProgressLinger   = time.Minute

	// TruncatedMarker replaces lines dropped because the consumer fell behind.
	TruncatedMarker = "progress truncated"
)

// Reporter multiplexes status lines from many producers to one consumer.
// Publish never blocks: when the buffer is full the oldest line is dropped
// and a single truncation marker is emitted in its place.
type Reporter struct {
	mu       sync.Mutex
	queue    []string
	capacity int
	dropped  int
	closed   bool

	wake     chan struct{}
	out      chan string
	detached chan struct{}
	detach   sync.Once
	linger   time.Duration
}

// NewReporter starts a reporter. After Close the consumer has linger to drain
// what is left before remaining lines are discarded.
func NewReporter(capacity int, linger time.Duration) *Reporter {
	if capacity <= 0 {
		capacity = DefaultProgressCapacity
	}
	if linger <= 0 {
		linger = DefaultProgressLinger
	}
	r := &Reporter{
		queue:    make([]string, 0, capacity),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		out:      make(chan string),
		detached: make(chan struct{}),
		linger:   linger,
	}
	go r.pump()
	return r
}

// Lines is the consumer side. It is closed once the reporter is closed and
// drained, or detached.
func (r *Reporter) Lines() <-chan string {
	return r.out
}

// Publish enqueues a line.
func (r *Reporter) Publish(line string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if len(r.queue) >= r.capacity {
		r.queue = r.queue[1:]
		r.dropped++
	}
	r.queue = append(r.queue, line)
	r.mu.Unlock()
	r.signal()
}

// Publishf formats and enqueues a line.
func (r *Reporter) Publishf(format string, args ...interface{}) {
	r.Publish(fmt.Sprintf(format, args...))
}

// Errorf enqueues an ERROR-prefixed line.
func (r *Reporter) Errorf(format string, args ...interface{}) {
	r.Publish("ERROR " + fmt.Sprintf(format, args...))
}

// Close stops accepting lines. Buffered lines are still delivered.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.signal()

	go func() {
		t := time.NewTimer(r.linger)
		defer t.Stop()
		select {
		case <-t.C:
			r.Detach()
		case <-r.detached:
		}
	}()
}

// Detach abandons the consumer side: buffered lines are discarded and Lines
// is closed.
func (r *Reporter) Detach() {
	r.detach.Do(func() { close(r.detached) })
}

func (r *Reporter) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// next pops the next line. done is true once closed and empty.
func (r *Reporter) next() (line string, ok, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped > 0 {
		r.dropped = 0
		return TruncatedMarker, true, false
	}
	if len(r.queue) > 0 {
		line = r.queue[0]
		r.queue[0] = ""
		r.queue = r.queue[1:]
		return line, true, false
	}
	return "", false, r.closed
}

func (r *Reporter) pump() {
	defer close(r.out)
	defer r.Detach()
	for {
		line, ok, done := r.next()
		if done {
			return
		}
		if !ok {
			select {
			case <-r.wake:
				continue
			case <-r.detached:
				return
			}
		}
		select {
		case r.out <- line:
		case <-r.detached:
			return
		}
	}
}
