package webrun

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniClient(t *testing.T) (*redis.Client, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, s
}

// fakeSession answers commands with reply and records what it was sent.
type fakeSession struct {
	mu     sync.Mutex
	cmds   []Command
	reply  func(ctx context.Context, cmd Command) (Response, error)
	closes atomic.Int32
}

func newFakeSession(reply func(ctx context.Context, cmd Command) (Response, error)) *fakeSession {
	if reply == nil {
		reply = func(context.Context, Command) (Response, error) { return Response{Success: true}, nil }
	}
	return &fakeSession{reply: reply}
}

func (s *fakeSession) Do(ctx context.Context, cmd Command) (Response, error) {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	return s.reply(ctx, cmd)
}

func (s *fakeSession) Close(context.Context) error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSession) sent(cmd string) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Command
	for _, c := range s.cmds {
		if c.Cmd == cmd {
			out = append(out, c)
		}
	}
	return out
}

// scriptedBrowser succeeds unless the action's selector is in missing.
func scriptedBrowser(missing ...string) func(ctx context.Context, cmd Command) (Response, error) {
	bad := make(map[string]bool, len(missing))
	for _, m := range missing {
		bad[m] = true
	}
	return func(_ context.Context, cmd Command) (Response, error) {
		switch cmd.Cmd {
		case CmdScreenshot:
			return Response{Success: true, Screenshot: "ZnJhbWU="}, nil
		case CmdAction:
			if bad[cmd.Action.Selector] {
				return Response{Success: false, Error: "element not found: " + cmd.Action.Selector}, nil
			}
		}
		return Response{Success: true}, nil
	}
}

// recorder is a Broadcaster that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Broadcast(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) byType(typ EventType) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) statuses() []Status {
	var out []Status
	for _, ev := range r.byType(EventStatus) {
		out = append(out, ev.Payload.(StatusPayload).Status)
	}
	return out
}

// logLevels flattens single and batched log events.
func (r *recorder) logEntries() []LogEntry {
	var out []LogEntry
	for _, ev := range r.byType(EventLog) {
		switch p := ev.Payload.(type) {
		case LogEntry:
			out = append(out, p)
		case LogBatchPayload:
			out = append(out, p.Logs...)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
