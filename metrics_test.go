package webrun

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.taskSubmitted()
	m.taskFinished(StatusCompleted, 0)
	m.action(ActionClick, nil, 0)
	m.queueSizes(1, 1)
	m.event(EventLog)
	m.subscriberDropped()
	m.forwardDrop()
	m.batchFlushed(3)
	m.workerLaunched(nil)
}

func TestMetrics_Middleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("mw", reg)

	mux := NewMux()
	mux.Use(m.Middleware())
	mux.Handle("ok", func(context.Context, Session, Action) (Outcome, error) { return Outcome{}, nil }, nil)
	mux.Handle("bad", func(context.Context, Session, Action) (Outcome, error) { return Outcome{}, errors.New("x") }, nil)

	_, _ = mux.Dispatch(context.Background(), nil, Action{Type: "ok"})
	_, _ = mux.Dispatch(context.Background(), nil, Action{Type: "ok"})
	_, _ = mux.Dispatch(context.Background(), nil, Action{Type: "bad"})

	require.Equal(t, 2.0, testutil.ToFloat64(m.actionsTotal.WithLabelValues("ok", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.actionsTotal.WithLabelValues("bad", "failure")))
}

func TestMetrics_RecordedByComponents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("comp", reg)

	r := &recorder{}
	b := NewLogBatcher(r, BatchConfig{Enabled: true, Size: 2, Metrics: m})
	b.Add(LogEntry{TaskID: "a", Level: LevelInfo})
	b.Add(LogEntry{TaskID: "a", Level: LevelInfo})
	require.Equal(t, 1.0, testutil.ToFloat64(m.batchesFlushed))
	require.Equal(t, 2.0, testutil.ToFloat64(m.entriesBatched))

	h := NewHub(HubConfig{Metrics: m})
	h.Broadcast(NewEvent(EventProgress, "a", nil))
	require.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues(string(EventProgress))))
	require.NoError(t, h.Close(context.Background()))

	s := NewScheduler(SchedulerConfig{Metrics: m}, instant(StatusCompleted))
	require.True(t, s.Submit(&Task{ID: "a"}))
	require.Equal(t, 1.0, testutil.ToFloat64(m.tasksSubmitted))
	require.Equal(t, 1.0, testutil.ToFloat64(m.pending))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Positive(t, n)
}
