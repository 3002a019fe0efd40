package webrun

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHelperWorker is not a real test. It is re-executed as a browser worker
// by the launcher tests: every selector except #missing is found.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("WEBRUN_HELPER_WORKER") != "1" {
		return
	}
	sc := bufio.NewScanner(os.Stdin)
	out := bufio.NewWriter(os.Stdout)
	reply := func(v any) {
		b, _ := json.Marshal(v)
		out.Write(append(b, '\n'))
		out.Flush()
	}
	for sc.Scan() {
		var cmd Command
		if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
			os.Exit(2)
		}
		switch cmd.Cmd {
		case CmdStart:
			if cmd.Port == 0 || os.Getenv("WEBRUN_TASK_ID") == "" {
				reply(map[string]any{"success": false, "error": "missing port or task id"})
				continue
			}
			reply(map[string]any{"success": true})
		case CmdScreenshot:
			reply(map[string]any{"success": true, "screenshot": "ZnJhbWU="})
		case CmdAction:
			if cmd.Action.Selector == "#missing" {
				reply(map[string]any{"success": false, "error": "element not found: #missing"})
				continue
			}
			if cmd.Action.Type == ActionExtract {
				reply(map[string]any{"success": true, "data": map[string]string{"title": "Example Domain"}})
				continue
			}
			reply(map[string]any{"success": true})
		case CmdClose:
			reply(map[string]any{"success": true})
			os.Exit(0)
		default:
			reply(map[string]any{"success": false, "error": fmt.Sprintf("unknown command %q", cmd.Cmd)})
		}
	}
	os.Exit(0)
}

func helperLauncher(t *testing.T, m *Metrics) *ProcessLauncher {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return NewProcessLauncher(ProcessConfig{
		Path:      exe,
		Args:      []string{"-test.run=TestHelperWorker"},
		Env:       []string{"WEBRUN_HELPER_WORKER=1"},
		PortMin:   40100,
		PortMax:   40199,
		KillGrace: time.Second,
	}, m)
}

func TestProcessLauncher_RunsTaskAgainstWorkerProcess(t *testing.T) {
	r := &recorder{}
	e := NewEngine(helperLauncher(t, nil), nil, r, nil, EngineConfig{})
	res := e.Execute(context.Background(), &Task{
		ID:  "proc-1",
		URL: "https://example.com",
		Actions: []Action{
			{Type: ActionGoto, URL: "https://example.com"},
			{Type: ActionExtract, Selectors: []ExtractField{{Name: "title", Selector: "h1"}}},
		},
	})
	require.Equal(t, StatusCompleted, res.Status, "%v", res.Error)
	require.Contains(t, string(res.Result), "Example Domain")
	require.Len(t, r.byType(EventScreenshot), 3)
}

func TestProcessLauncher_FailFastAgainstWorkerProcess(t *testing.T) {
	r := &recorder{}
	e := NewEngine(helperLauncher(t, nil), nil, r, nil, EngineConfig{DisableScreenshots: true})
	res := e.Execute(context.Background(), scenarioTask())
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, CodeActionFailed, res.Error.Code)
	require.Contains(t, res.Error.Reason, "#missing")
	require.Len(t, r.byType(EventProgress), 2)
}

func TestProcessLauncher_LaunchFailure(t *testing.T) {
	m := NewMetrics("launchtest", nil)
	l := NewProcessLauncher(ProcessConfig{Path: "/nonexistent/webrun-worker"}, m)
	_, err := l.Launch(context.Background(), "t")
	require.Error(t, err)
}

func TestProcessSession_CloseIsIdempotent(t *testing.T) {
	sess, err := helperLauncher(t, nil).Launch(context.Background(), "t")
	require.NoError(t, err)
	resp, err := sess.Do(context.Background(), Command{Cmd: CmdStart, URL: "https://example.com"})
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)

	require.NoError(t, sess.Close(context.Background()))
	require.NoError(t, sess.Close(context.Background()))
	_, err = sess.Do(context.Background(), Command{Cmd: CmdPing})
	require.Error(t, err)
}

func TestProcessLauncher_ConcurrentWorkersOwnTheirPorts(t *testing.T) {
	l := helperLauncher(t, nil)
	a, err := l.Launch(context.Background(), "a")
	require.NoError(t, err)
	b, err := l.Launch(context.Background(), "b")
	require.NoError(t, err)

	pa, pb := a.(*processSession).p.Port(), b.(*processSession).p.Port()
	require.NotEqual(t, pa, pb)
	require.Equal(t, 2, l.ports.Leased())

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))
	require.Zero(t, l.ports.Leased())
}

func TestProcessLauncher_FailFastMidSequence(t *testing.T) {
	r := &recorder{}
	e := NewEngine(helperLauncher(t, nil), nil, r, nil, EngineConfig{DisableScreenshots: true})
	res := e.Execute(context.Background(), &Task{ID: "mid", URL: "https://example.com", Actions: []Action{
		{Type: ActionClick, Selector: "#a"},
		{Type: ActionClick, Selector: "#missing"},
		{Type: ActionClick, Selector: "#b"},
	}})
	require.Equal(t, StatusFailed, res.Status)
	require.Equal(t, 2, res.Attempted)
	require.Len(t, r.byType(EventProgress), 1)
}
