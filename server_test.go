package webrun

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.Launcher == nil {
		cfg.Launcher = LauncherFunc(func(context.Context, string) (Session, error) {
			return newFakeSession(scriptedBrowser("#missing")), nil
		})
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	cfg.DispatchEvery = 10 * time.Millisecond
	cfg.Engine.DisableScreenshots = true
	s := NewServer(cfg)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func waitStatus(t *testing.T, s *Server, id string, want Status) *Task {
	t.Helper()
	var got *Task
	waitFor(t, func() bool {
		tk, err := s.Task(context.Background(), id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status == want
	})
	return got
}

func TestServer_StartStopIdempotent(t *testing.T) {
	s := NewServer(ServerConfig{Logger: noopLogger{}, Launcher: LauncherFunc(func(context.Context, string) (Session, error) {
		return newFakeSession(nil), nil
	})})
	s.Stop()
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()

	_, err := s.Submit("https://example.com", nil)
	require.ErrorIs(t, err, ErrSchedulerStopped)
}

func TestServer_SubmitValidation(t *testing.T) {
	s := newTestServer(t, ServerConfig{})

	_, err := s.Submit("", nil)
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = s.Submit("https://example.com", []Action{{Type: "teleport"}})
	require.ErrorIs(t, err, ErrUnknownAction)

	_, err = s.Submit("https://example.com", []Action{{Type: ActionClick}})
	require.ErrorIs(t, err, ErrInvalidAction)

	_, err = s.Submit("https://example.com", nil, WithPriority(Priority(9)))
	require.ErrorIs(t, err, ErrUnknownPriority)

	task, err := s.Submit("https://example.com", nil, TaskID("fixed"), MaxRetry(3), Metadata(map[string]any{"k": "v"}))
	require.NoError(t, err)
	require.Equal(t, "fixed", task.ID)
	require.Equal(t, 3, task.MaxRetry)
	require.Equal(t, "v", task.Metadata["k"])

	_, err = s.Submit("https://example.com", nil, TaskID("fixed"))
	require.ErrorIs(t, err, ErrDuplicateTask)

	generated, err := s.Submit("https://example.com", nil)
	require.NoError(t, err)
	require.Len(t, generated.ID, 36)
	require.Contains(t, s.Actions(), ActionGoto)
}

func TestServer_EndToEndEvents(t *testing.T) {
	s := newTestServer(t, ServerConfig{MaxConcurrent: 2})
	sub := &fakeSub{}
	_, err := s.Hub().Subscribe("", sub)
	require.NoError(t, err)

	task := scenarioTask()
	_, err = s.Submit(task.URL, task.Actions, TaskID("e2e"), MaxRetry(0))
	require.NoError(t, err)

	got := waitStatus(t, s, "e2e", StatusFailed)
	require.Equal(t, CodeActionFailed, got.Error.Code)
	require.Equal(t, 1, s.Stats().Failed)

	waitFor(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		for _, m := range sub.msgs {
			if strings.Contains(string(m), `"status":"failed"`) {
				return true
			}
		}
		return false
	})
	sub.mu.Lock()
	first := string(sub.msgs[0])
	var errs int
	for _, m := range sub.msgs {
		if strings.Contains(string(m), `"type":"task_error"`) {
			errs++
		}
	}
	sub.mu.Unlock()
	require.Contains(t, first, `"status":"pending"`)
	require.Equal(t, 1, errs)
}

func TestServer_CancelAndRetryErrors(t *testing.T) {
	s := newTestServer(t, ServerConfig{})

	require.ErrorIs(t, s.Cancel("nope"), ErrTaskNotFound)
	require.ErrorIs(t, s.Retry(context.Background(), "nope"), ErrTaskNotFound)
	_, err := s.Task(context.Background(), "nope")
	require.ErrorIs(t, err, ErrTaskNotFound)

	_, err = s.Submit("https://example.com", []Action{{Type: ActionClick, Selector: "#a"}}, TaskID("ok"))
	require.NoError(t, err)
	waitStatus(t, s, "ok", StatusCompleted)
	require.ErrorIs(t, s.Cancel("ok"), ErrNotCancellable)
	require.ErrorIs(t, s.Retry(context.Background(), "ok"), ErrNotRetryable)

	_, err = s.Submit("https://example.com", []Action{{Type: ActionClick, Selector: "#missing"}}, TaskID("bad"), MaxRetry(0))
	require.NoError(t, err)
	waitStatus(t, s, "bad", StatusFailed)
	require.NoError(t, s.Retry(context.Background(), "bad"))
	waitStatus(t, s, "bad", StatusFailed)

	tasks, err := s.Tasks(context.Background(), StatusCompleted, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestServer_CancelRunning(t *testing.T) {
	started := make(chan struct{})
	s := newTestServer(t, ServerConfig{Launcher: LauncherFunc(func(context.Context, string) (Session, error) {
		return newFakeSession(func(ctx context.Context, cmd Command) (Response, error) {
			if cmd.Cmd == CmdAction && cmd.Action.Type == ActionWait {
				close(started)
				time.Sleep(30 * time.Millisecond)
			}
			return Response{Success: true}, nil
		}), nil
	})})

	_, err := s.Submit("https://example.com", []Action{{Type: ActionWait}, {Type: ActionClick, Selector: "#a"}}, TaskID("long"))
	require.NoError(t, err)
	<-started
	require.NoError(t, s.Cancel("long"))
	waitStatus(t, s, "long", StatusCancelled)
}

func TestServer_ArchiveFallback(t *testing.T) {
	rdb, _ := newMiniClient(t)
	s := newTestServer(t, ServerConfig{Redis: rdb, ArchiveRetention: time.Hour, HistoryRetention: time.Minute})

	_, err := s.Submit("https://example.com", []Action{{Type: ActionClick, Selector: "#missing"}}, TaskID("arch"), MaxRetry(0))
	require.NoError(t, err)
	waitStatus(t, s, "arch", StatusFailed)
	waitFor(t, func() bool {
		_, err := s.archive.Get(context.Background(), "arch")
		return err == nil
	})

	s.Scheduler().Sweep(time.Now().Add(time.Hour))
	_, ok := s.Scheduler().Get("arch")
	require.False(t, ok, "pruned from memory")

	got, err := s.Task(context.Background(), "arch")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	listed, err := s.Tasks(context.Background(), StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, s.Retry(context.Background(), "arch"))
	_, ok = s.Scheduler().Get("arch")
	require.True(t, ok, "restored into the scheduler")
}

// statusTrail decodes the status and error events a subscriber received.
func statusTrail(t *testing.T, sub *fakeSub) (statuses []Status, errs int) {
	t.Helper()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, m := range sub.msgs {
		var ev struct {
			Type    EventType `json:"type"`
			Payload struct {
				Status Status `json:"status"`
			} `json:"payload"`
		}
		require.NoError(t, defaultEncoder.Decode(m, &ev))
		switch ev.Type {
		case EventStatus:
			statuses = append(statuses, ev.Payload.Status)
		case EventError:
			errs++
		}
	}
	return statuses, errs
}

func TestServer_CancelWhileActionFails(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	s := newTestServer(t, ServerConfig{Launcher: LauncherFunc(func(context.Context, string) (Session, error) {
		return newFakeSession(func(_ context.Context, cmd Command) (Response, error) {
			if cmd.Cmd == CmdAction {
				close(inFlight)
				<-release
				return Response{Success: false, Error: "element not found"}, nil
			}
			return Response{Success: true}, nil
		}), nil
	})})
	sub := &fakeSub{}
	_, err := s.Hub().Subscribe("c1", sub)
	require.NoError(t, err)

	_, err = s.Submit("https://example.com", []Action{
		{Type: ActionClick, Selector: "#a"},
		{Type: ActionClick, Selector: "#b"},
	}, TaskID("c1"), MaxRetry(2))
	require.NoError(t, err)
	<-inFlight
	require.NoError(t, s.Cancel("c1"))
	close(release)

	got := waitStatus(t, s, "c1", StatusCancelled)
	require.Equal(t, CodeTaskCancelled, got.Error.Code)
	require.Zero(t, got.Retry)

	waitFor(t, func() bool {
		st, _ := statusTrail(t, sub)
		return len(st) > 0 && st[len(st)-1] == StatusCancelled
	})
	statuses, errs := statusTrail(t, sub)
	require.Equal(t, []Status{StatusPending, StatusStarting, StatusRunning, StatusCancelled}, statuses)
	require.Zero(t, errs)
}

func TestServer_AutoRetryPublishesOneTerminalStatus(t *testing.T) {
	s := newTestServer(t, ServerConfig{})
	sub := &fakeSub{}
	_, err := s.Hub().Subscribe("r1", sub)
	require.NoError(t, err)

	_, err = s.Submit("https://example.com", []Action{{Type: ActionClick, Selector: "#missing"}}, TaskID("r1"), MaxRetry(1))
	require.NoError(t, err)
	waitStatus(t, s, "r1", StatusFailed)

	waitFor(t, func() bool {
		st, _ := statusTrail(t, sub)
		return len(st) > 0 && st[len(st)-1] == StatusFailed
	})
	statuses, errs := statusTrail(t, sub)
	var failed int
	for _, st := range statuses {
		if st == StatusFailed {
			failed++
		}
	}
	require.Equal(t, 1, failed)
	require.Equal(t, 1, errs)
	require.Equal(t, StatusPending, statuses[0])
}
