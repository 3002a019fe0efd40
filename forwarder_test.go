package webrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedisForwarder_PublishesToTaskAndGlobal(t *testing.T) {
	rdb, _ := newMiniClient(t)
	ctx := context.Background()

	ps := rdb.Subscribe(ctx, EventChannel("t1"), EventChannel(""))
	defer func() { _ = ps.Close() }()
	_, err := ps.Receive(ctx) // subscription confirmation
	require.NoError(t, err)
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	f := NewRedisForwarder(rdb, 0, nil, nil)
	h := NewHub(HubConfig{})
	h.AddForwarder(f)
	h.Broadcast(NewEvent(EventStatus, "t1", StatusPayload{TaskID: "t1", Status: StatusRunning}))

	got := map[string]string{}
	ch := ps.Channel()
	for len(got) < 2 {
		select {
		case m := <-ch:
			got[m.Channel] = m.Payload
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	require.Contains(t, got[EventChannel("t1")], `"status":"running"`)
	require.Equal(t, got[EventChannel("t1")], got[EventChannel("")])

	require.NoError(t, h.Close(ctx))
	// forwarding after close is a no-op
	f.Forward(NewEvent(EventLog, "t1", nil), []byte("x"))
}

func TestRedisForwarder_DropsWhenFull(t *testing.T) {
	rdb, s := newMiniClient(t)
	s.Close() // every publish fails; the queue still bounds memory

	m := NewMetrics("fwdtest", nil)
	f := NewRedisForwarder(rdb, 1, nil, m)
	for i := 0; i < 50; i++ {
		f.Forward(NewEvent(EventLog, "t", nil), []byte("x"))
	}
	require.NoError(t, f.Close())
}
