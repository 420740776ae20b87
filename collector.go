package spanz

import (
	"sync"
	"sync/atomic"
	"time"
)

// collectorDrainTimeout bounds how long Close waits for the buffer goroutine.
const collectorDrainTimeout = 100 * time.Millisecond

// Collector buffers finished transaction events for batch export.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	events       []TransactionEvent
	eventsCh     chan TransactionEvent
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	name         string
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool
	syncMode     atomic.Bool // Bypass channel for synchronous collection.
}

// NewCollector creates a new collector with the specified name and buffer size.
func NewCollector(name string, bufferSize int) *Collector {
	c := &Collector{
		name:     name,
		events:   make([]TransactionEvent, 0, 8),
		eventsCh: make(chan TransactionEvent, bufferSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.start()
	return c
}

// Name returns the collector name.
func (c *Collector) Name() string {
	return c.name
}

// start receives events from the channel until Close.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining events before shutdown.
			for {
				select {
				case event := <-c.eventsCh:
					c.buffer(event)
				default:
					return
				}
			}
		case event := <-c.eventsCh:
			c.buffer(event)
		}
	}
}

// Close stops the buffer goroutine after draining what is queued.
// Events collected afterwards are dropped.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
	})
	select {
	case <-c.done:
	case <-time.After(collectorDrainTimeout):
	}
}

// Collect queues a copy of event. It returns false when the event was
// dropped because the collector is closed or its channel is full.
// In sync mode events are buffered directly for deterministic testing.
func (c *Collector) Collect(event *TransactionEvent) bool {
	if event == nil || c.closed.Load() {
		c.droppedCount.Add(1)
		return false
	}

	// Events are not mutated after capture; maps are shared read-only.
	eventCopy := *event

	if c.syncMode.Load() {
		c.buffer(eventCopy)
		return true
	}

	select {
	case c.eventsCh <- eventCopy:
		return true
	default:
		// Channel full - drop event to prevent blocking.
		c.droppedCount.Add(1)
		return false
	}
}

func (c *Collector) buffer(event TransactionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) >= cap(c.events) {
		currentCap := cap(c.events)
		var newCap int
		if currentCap < 1024 {
			newCap = currentCap * 2
		} else {
			// Grow by 50% for large buffers to avoid excessive memory usage.
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		grown := make([]TransactionEvent, len(c.events), newCap)
		copy(grown, c.events)
		c.events = grown
	}
	c.events = append(c.events, event)
}

// Export returns all buffered events and clears the buffer.
func (c *Collector) Export() []TransactionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) == 0 {
		return nil
	}

	result := make([]TransactionEvent, len(c.events))
	copy(result, c.events)

	// Only shrink if buffer is very oversized to avoid allocation churn.
	if cap(c.events) > 256 && len(c.events) < cap(c.events)/8 {
		newCap := cap(c.events) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.events = make([]TransactionEvent, 0, newCap)
	} else {
		clear(c.events)
		c.events = c.events[:0]
	}

	return result
}

// Count returns the current number of buffered events.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// DroppedCount returns the total number of events dropped.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode.Store(sync)
}

// Reset clears all buffered events and resets the drop counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.events)
	c.events = c.events[:0]
	c.droppedCount.Store(0)
}
