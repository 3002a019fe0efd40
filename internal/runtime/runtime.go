package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrStopped is returned by Submit when the runtime is not running.
	ErrStopped = errors.New("runtime: not running")
	// ErrFull is returned by Submit when every slot and queue position is taken.
	ErrFull = errors.New("runtime: pool full")
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

type Config struct {
	// Concurrency is the number of jobs that may execute at once.
	Concurrency int
	// SweepEvery is the maintenance period; zero means one second.
	SweepEvery time.Duration
	// Sweep runs on every maintenance tick.
	Sweep func(now time.Time)
	// Rdb and ExpiryIndexes enable the Redis cleaner: members of each ZSET
	// whose score (unix ms) has passed are removed.
	Rdb           redis.UniversalClient
	ExpiryIndexes []string
	Logger        Logger
}

// Job is one unit of work. ctx is cancelled when the runtime stops.
type Job func(ctx context.Context)

type Runtime struct {
	cfg     Config
	jobs    chan Job
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	active  atomic.Int64
	done    atomic.Int64
	log     Logger
}

// New creates a runtime with cfg.Concurrency workers and maintenance routines.
func New(cfg Config) *Runtime {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Second
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:    cfg,
		jobs:   make(chan Job, cfg.Concurrency),
		ctx:    ctx,
		cancel: cancel,
		log:    lg,
	}
}

// Start launches workers and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	if rt.ctx.Err() != nil {
		rt.ctx, rt.cancel = context.WithCancel(context.Background())
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: concurrency=%d", rt.cfg.Concurrency)

	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.workerLoop()
		}()
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ticker := time.NewTicker(rt.cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-rt.ctx.Done():
				return
			case now := <-ticker.C:
				if rt.cfg.Sweep != nil {
					rt.cfg.Sweep(now)
				}
				rt.cleanExpired(now)
			}
		}
	}()
}

// Stop cancels the internal context and waits for all goroutines to exit.
// Jobs still queued are dropped.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
	for {
		select {
		case <-rt.jobs:
		default:
			return
		}
	}
}

// Submit queues a job without blocking.
func (rt *Runtime) Submit(job Job) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.started {
		return ErrStopped
	}
	select {
	case rt.jobs <- job:
		return nil
	default:
		return ErrFull
	}
}

func (rt *Runtime) workerLoop() {
	for {
		select {
		case <-rt.ctx.Done():
			return
		case job := <-rt.jobs:
			rt.run(job)
		}
	}
}

func (rt *Runtime) run(job Job) {
	rt.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			rt.log.Errorf("job panicked: %v", r)
		}
		rt.active.Add(-1)
		rt.done.Add(1)
	}()
	job(rt.ctx)
}

func (rt *Runtime) cleanExpired(now time.Time) {
	if rt.cfg.Rdb == nil {
		return
	}
	max := strconv.FormatInt(now.UnixMilli(), 10)
	for _, key := range rt.cfg.ExpiryIndexes {
		if err := rt.cfg.Rdb.ZRemRangeByScore(rt.ctx, key, "0", max).Err(); err != nil && rt.ctx.Err() == nil {
			rt.log.Warnf("cleaner: sweep failed key=%s err=%v", key, err)
		}
	}
}

// Active returns the number of jobs currently executing.
func (rt *Runtime) Active() int { return int(rt.active.Load()) }

// Completed returns the number of jobs that have returned (including panics).
func (rt *Runtime) Completed() int64 { return rt.done.Load() }

// Capacity returns the configured concurrency.
func (rt *Runtime) Capacity() int { return rt.cfg.Concurrency }

// String is used in log lines.
func (rt *Runtime) String() string {
	return fmt.Sprintf("runtime(active=%d/%d)", rt.Active(), rt.cfg.Concurrency)
}
