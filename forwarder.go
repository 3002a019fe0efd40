package webrun

import (
	"context"
	"sync"
	"time"

	ikeys "github.com/UniQw/webrun/internal/keys"
	"github.com/redis/go-redis/v9"
)

type forwardItem struct {
	taskID string
	data   []byte
}

// RedisForwarder publishes every event to Redis pub/sub so other processes
// can observe runs. Each event goes to its task channel and to the global
// channel. Publishing happens on a background goroutine; when its queue is
// full events are dropped.
type RedisForwarder struct {
	rdb     redis.UniversalClient
	queue   chan forwardItem
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	log     Logger
	metrics *Metrics
	timeout time.Duration
}

// NewRedisForwarder starts the publishing goroutine. Call Close to stop it.
func NewRedisForwarder(rdb redis.UniversalClient, queueSize int, log Logger, metrics *Metrics) *RedisForwarder {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = noopLogger{}
	}
	f := &RedisForwarder{
		rdb:     rdb,
		queue:   make(chan forwardItem, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
		metrics: metrics,
		timeout: 2 * time.Second,
	}
	go f.loop()
	return f
}

func (f *RedisForwarder) Forward(ev Event, data []byte) {
	select {
	case <-f.stop:
		return
	default:
	}
	select {
	case f.queue <- forwardItem{taskID: ev.TaskID, data: data}:
	default:
		f.metrics.forwardDrop()
	}
}

func (f *RedisForwarder) loop() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			// drain what is already queued
			for {
				select {
				case it := <-f.queue:
					f.publish(it)
				default:
					return
				}
			}
		case it := <-f.queue:
			f.publish(it)
		}
	}
}

func (f *RedisForwarder) publish(it forwardItem) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	_, err := f.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		if it.taskID != "" {
			p.Publish(ctx, ikeys.Events(it.taskID), it.data)
		}
		p.Publish(ctx, ikeys.Events(""), it.data)
		return nil
	})
	if err != nil {
		f.log.Warnf("forward event failed: task=%s err=%v", it.taskID, err)
	}
}

// Close publishes what is queued and stops the goroutine.
func (f *RedisForwarder) Close() error {
	f.once.Do(func() { close(f.stop) })
	<-f.done
	return nil
}

// EventChannel returns the pub/sub channel a RedisForwarder publishes
// taskID's events to; an empty id names the global channel.
func EventChannel(taskID string) string { return ikeys.Events(taskID) }
