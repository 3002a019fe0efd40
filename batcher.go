package webrun

import (
	"sync"
	"time"
)

// BatchConfig tunes a LogBatcher.
type BatchConfig struct {
	Enabled bool
	// Interval is the debounce window, reset by every new entry.
	Interval time.Duration
	// Size flushes a batch as soon as it holds this many entries.
	Size    int
	Metrics *Metrics
}

type logBatch struct {
	entries []LogEntry
	timer   *time.Timer
	gen     uint64
}

// LogBatcher coalesces low-severity log entries per task into a single
// task_log event. Urgent entries (success, warning, error) are delivered at
// once, after any batch pending for the same task so order is preserved.
type LogBatcher struct {
	mu      sync.Mutex
	out     Broadcaster
	cfg     BatchConfig
	batches map[string]*logBatch
	closed  bool
	// gen stamps every debounce timer; it only grows, so a timer left over
	// from a flushed batch never matches a newer one.
	gen uint64
}

// NewLogBatcher delivers flushed batches to out.
func NewLogBatcher(out Broadcaster, cfg BatchConfig) *LogBatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	return &LogBatcher{out: out, cfg: cfg, batches: make(map[string]*logBatch)}
}

// Add queues or delivers one entry.
func (b *LogBatcher) Add(entry LogEntry) {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Enabled || b.closed || entry.Level.Urgent() {
		b.flushLocked(entry.TaskID)
		b.out.Broadcast(NewEvent(EventLog, entry.TaskID, entry))
		return
	}

	lb := b.batches[entry.TaskID]
	if lb == nil {
		lb = &logBatch{}
		b.batches[entry.TaskID] = lb
	}
	lb.entries = append(lb.entries, entry)
	if len(lb.entries) >= b.cfg.Size {
		b.flushLocked(entry.TaskID)
		return
	}
	if lb.timer != nil {
		lb.timer.Stop()
	}
	b.gen++
	lb.gen = b.gen
	gen, taskID := lb.gen, entry.TaskID
	lb.timer = time.AfterFunc(b.cfg.Interval, func() { b.expire(taskID, gen) })
}

// expire flushes a batch whose debounce window elapsed, unless a newer
// entry restarted the window in the meantime.
func (b *LogBatcher) expire(taskID string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lb := b.batches[taskID]; lb != nil && lb.gen == gen {
		b.flushLocked(taskID)
	}
}

// FlushTask delivers the pending batch for one task. An empty batch is a no-op.
func (b *LogBatcher) FlushTask(taskID string) {
	b.mu.Lock()
	b.flushLocked(taskID)
	b.mu.Unlock()
}

// FlushAll delivers every pending batch.
func (b *LogBatcher) FlushAll() {
	b.mu.Lock()
	for id := range b.batches {
		b.flushLocked(id)
	}
	b.mu.Unlock()
}

// Close flushes everything; later entries are delivered unbatched.
func (b *LogBatcher) Close() {
	b.mu.Lock()
	for id := range b.batches {
		b.flushLocked(id)
	}
	b.closed = true
	b.mu.Unlock()
}

// Pending returns the number of buffered entries for a task.
func (b *LogBatcher) Pending(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lb := b.batches[taskID]; lb != nil {
		return len(lb.entries)
	}
	return 0
}

func (b *LogBatcher) flushLocked(taskID string) {
	lb := b.batches[taskID]
	if lb == nil {
		return
	}
	delete(b.batches, taskID)
	if lb.timer != nil {
		lb.timer.Stop()
	}
	if len(lb.entries) == 0 {
		return
	}
	b.cfg.Metrics.batchFlushed(len(lb.entries))
	b.out.Broadcast(NewEvent(EventLog, taskID, LogBatchPayload{TaskID: taskID, Logs: lb.entries}))
}
