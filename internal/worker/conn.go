package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
)

var (
	// ErrBusy is returned when a command is sent while another is still awaiting its response.
	ErrBusy = errors.New("worker: command already in flight")
	// ErrBroken is returned once the channel has lost request/response alignment.
	ErrBroken = errors.New("worker: channel desynchronized")
	// ErrClosed is returned when the worker's output stream has ended.
	ErrClosed = errors.New("worker: channel closed")
)

// Conn is a strictly pipelined line-delimited JSON channel. Each request is
// one JSON object on its own line and must be answered by exactly one line
// before the next request is written. There is no request id: correlation
// relies entirely on ordering, so any timeout or unsolicited line breaks the
// channel for good.
type Conn struct {
	w      io.Writer
	wmu    sync.Mutex
	lines  chan []byte
	done   chan struct{}
	stop   chan struct{}
	once   sync.Once
	rerr   error
	busy   atomic.Bool
	broken atomic.Bool
	sent   atomic.Int64
}

// NewConn starts a reader goroutine over r and returns a channel that writes to w.
func NewConn(w io.Writer, r io.Reader) *Conn {
	c := &Conn{
		w:     w,
		lines: make(chan []byte, 1),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

// readLoop runs off the caller's goroutine because pipe reads block.
func (c *Conn) readLoop(r *bufio.Reader) {
	defer close(c.done)
	for {
		b, err := r.ReadBytes('\n')
		if trimmed := trimLine(b); len(trimmed) > 0 {
			select {
			case c.lines <- trimmed:
			case <-c.stop:
				c.rerr = ErrClosed
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			c.rerr = err
			return
		}
	}
}

// Do writes req as one line and decodes the single response line into resp.
// The context bounds the wait; on expiry the channel is marked broken because
// a late reply would otherwise be read as the answer to the next command.
func (c *Conn) Do(ctx context.Context, req, resp any) error {
	if c.broken.Load() {
		return ErrBroken
	}
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.busy.Store(false)

	// Anything already buffered arrived without a request.
	select {
	case b := <-c.lines:
		c.broken.Store(true)
		return fmt.Errorf("%w: unsolicited line %q", ErrBroken, truncate(b, 80))
	case <-c.done:
		c.broken.Store(true)
		return c.rerr
	default:
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	data = append(data, '\n')
	c.wmu.Lock()
	_, err = c.w.Write(data)
	c.wmu.Unlock()
	if err != nil {
		c.broken.Store(true)
		return fmt.Errorf("write command: %w", err)
	}
	c.sent.Add(1)

	var b []byte
	select {
	case b = <-c.lines:
	case <-c.done:
		// The reader may have queued the reply right before the stream ended.
		select {
		case b = <-c.lines:
		default:
			c.broken.Store(true)
			return c.rerr
		}
	case <-ctx.Done():
		c.broken.Store(true)
		return fmt.Errorf("await response: %w", ctx.Err())
	}
	if resp == nil {
		return nil
	}
	if err := sonic.Unmarshal(b, resp); err != nil {
		c.broken.Store(true)
		return fmt.Errorf("%w: malformed response: %v", ErrBroken, err)
	}
	return nil
}

// Close stops the reader from delivering further lines. It does not close
// the underlying streams.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.broken.Store(true)
		close(c.stop)
	})
}

// Broken reports whether the channel can no longer be trusted.
func (c *Conn) Broken() bool { return c.broken.Load() }

// Sent returns the number of commands written so far.
func (c *Conn) Sent() int64 { return c.sent.Load() }

// Done is closed once the reader has observed the end of the output stream.
func (c *Conn) Done() <-chan struct{} { return c.done }

func trimLine(b []byte) []byte {
	for len(b) > 0 {
		last := b[len(b)-1]
		if last != '\n' && last != '\r' && last != ' ' && last != '\t' {
			break
		}
		b = b[:len(b)-1]
	}
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
