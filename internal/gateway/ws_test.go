package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flemzord/agentgate/internal/executor"
	"github.com/flemzord/agentgate/internal/gate"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/security"
)

// runSocket dials /ws/run, sends req and collects frames until the server
// closes the connection.
func runSocket(t *testing.T, url string, req any) ([]Frame, websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws/run"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	var frames []Frame
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return frames, websocket.CloseStatus(err)
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		frames = append(frames, f)
	}
}

func frameTypes(frames []Frame) []FrameType {
	out := make([]FrameType, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func TestRunSocket_StreamsOutputThenResult(t *testing.T) {
	t.Parallel()

	redactor := security.NewRedactor()
	redactor.AddLiteral("s3cret-value")

	invs := make(chan gate.Invocation, 1)
	p := &fakePipeline{run: func(_ context.Context, inv gate.Invocation) (gate.Outcome, error) {
		invs <- inv
		_, _ = inv.Exec.StdoutSink.Write([]byte("token=s3cret-value\n"))
		_, _ = inv.Exec.StderrSink.Write([]byte("warning\n"))
		d := policy.Decision{ID: "d-1", Allowed: true}
		return gate.Outcome{
			Decision: &d,
			Result:   &executor.Result{Command: inv.Argv(), Duration: 20 * time.Millisecond},
		}, nil
	}}
	g, srv := newTestServer(t, Deps{Pipeline: p, Redactor: redactor})

	frames, status := runSocket(t, srv.URL, RunRequest{
		Path:    "/usr/bin/tool",
		Command: []string{"sync"},
		Args:    []string{"--fast"},
		Timeout: "3s",
		Stdin:   "input",
	})
	if status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", status)
	}
	want := []FrameType{FrameStdout, FrameStderr, FrameResult}
	got := frameTypes(frames)
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if strings.Contains(frames[0].Data, "s3cret-value") || !strings.Contains(frames[0].Data, security.RedactPlaceholder) {
		t.Errorf("stdout frame not redacted: %q", frames[0].Data)
	}
	if frames[2].Outcome == nil || frames[2].Outcome.Decision == nil || frames[2].Outcome.Decision.ID != "d-1" {
		t.Errorf("result frame = %+v", frames[2])
	}

	gotInv := <-invs
	if gotInv.Exec.Timeout != 3*time.Second || gotInv.Exec.Stdin == nil {
		t.Errorf("exec options = %+v", gotInv.Exec)
	}
	if strings.Join(gotInv.Argv(), " ") != "/usr/bin/tool sync --fast" {
		t.Errorf("argv = %v", gotInv.Argv())
	}
	if snap := g.Metrics().Snapshot(); snap.Runs != 1 {
		t.Errorf("runs = %d, want 1", snap.Runs)
	}
}

func TestRunSocket_SecretSplitAcrossWrites(t *testing.T) {
	t.Parallel()

	redactor := security.NewRedactor()
	redactor.AddLiteral("s3cret-value")

	p := &fakePipeline{run: func(_ context.Context, inv gate.Invocation) (gate.Outcome, error) {
		for _, chunk := range []string{"token=s3cr", "et-val", "ue\npartial s3cret-", "value"} {
			_, _ = inv.Exec.StdoutSink.Write([]byte(chunk))
		}
		d := policy.Decision{ID: "d-1", Allowed: true}
		return gate.Outcome{Decision: &d, Result: &executor.Result{}}, nil
	}}
	_, srv := newTestServer(t, Deps{Pipeline: p, Redactor: redactor})

	frames, _ := runSocket(t, srv.URL, RunRequest{Path: "/usr/bin/tool"})
	var stdout []string
	for _, f := range frames {
		if f.Type == FrameStdout {
			stdout = append(stdout, f.Data)
		}
	}
	want := []string{"token=" + security.RedactPlaceholder + "\n", "partial " + security.RedactPlaceholder}
	if len(stdout) != len(want) {
		t.Fatalf("stdout frames = %q, want %q", stdout, want)
	}
	for i := range want {
		if stdout[i] != want[i] {
			t.Errorf("stdout[%d] = %q, want %q", i, stdout[i], want[i])
		}
	}
	if frames[len(frames)-1].Type != FrameResult {
		t.Errorf("last frame = %s, want result", frames[len(frames)-1].Type)
	}
}

func TestLineBuffer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		writes []string
		max    int
		want   []string
		rest   string
	}{
		{name: "whole lines pass through", writes: []string{"a\nb\n"}, want: []string{"a\nb\n"}},
		{name: "partial line held", writes: []string{"a\nb"}, want: []string{"a\n"}, rest: "b"},
		{name: "line joined across writes", writes: []string{"ab", "c\nd", "e\n"}, want: []string{"abc\n", "de\n"}},
		{name: "long line released at the limit", writes: []string{"abc", "def"}, max: 4, want: []string{"abcdef"}},
		{name: "nothing written", writes: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := lineBuffer{max: tt.max}
			var got []string
			for _, w := range tt.writes {
				if out, ok := b.push([]byte(w)); ok {
					got = append(got, out)
				}
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("emitted %q, want %q", got, tt.want)
			}
			rest, _ := b.drain()
			if rest != tt.rest {
				t.Errorf("rest = %q, want %q", rest, tt.rest)
			}
		})
	}
}

func TestRunSocket_Blocked(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{run: func(context.Context, gate.Invocation) (gate.Outcome, error) {
		d := policy.Decision{
			ID:         "d-2",
			Violations: []policy.Violation{{Kind: policy.KindNetwork, Reason: "command uses the network"}},
		}
		return gate.Outcome{Decision: &d}, d.Err()
	}}
	g, srv := newTestServer(t, Deps{Pipeline: p})

	frames, _ := runSocket(t, srv.URL, RunRequest{Path: "/usr/bin/curl"})
	if len(frames) != 1 || frames[0].Type != FrameBlocked {
		t.Fatalf("frames = %v, want [blocked]", frameTypes(frames))
	}
	if !strings.Contains(frames[0].Error, "command uses the network") {
		t.Errorf("error = %q", frames[0].Error)
	}
	if snap := g.Metrics().Snapshot(); snap.Blocked != 1 || snap.Runs != 0 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestRunSocket_PipelineError(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{run: func(context.Context, gate.Invocation) (gate.Outcome, error) {
		return gate.Outcome{}, errors.New("discovery failed")
	}}
	_, srv := newTestServer(t, Deps{Pipeline: p})

	frames, _ := runSocket(t, srv.URL, RunRequest{Path: "/usr/bin/tool"})
	if len(frames) != 1 || frames[0].Type != FrameError || frames[0].Error != "discovery failed" {
		t.Errorf("frames = %+v", frames)
	}
}

func TestRunSocket_InvalidRequest(t *testing.T) {
	t.Parallel()

	var called atomic.Bool
	p := &fakePipeline{run: func(context.Context, gate.Invocation) (gate.Outcome, error) {
		called.Store(true)
		return gate.Outcome{}, nil
	}}
	_, srv := newTestServer(t, Deps{Pipeline: p})

	tests := []struct {
		name string
		req  any
	}{
		{"bad timeout", RunRequest{Path: "/usr/bin/tool", Timeout: "soon"}},
		{"restricted path", RunRequest{Path: "/proc/self/status"}},
		{"not an object", []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, status := runSocket(t, srv.URL, tt.req)
			if len(frames) != 1 || frames[0].Type != FrameError {
				t.Errorf("frames = %+v", frames)
			}
			if status != websocket.StatusPolicyViolation {
				t.Errorf("close status = %v, want policy violation", status)
			}
		})
	}
	if called.Load() {
		t.Error("pipeline ran for an invalid request")
	}
}

func TestRunSocket_RequiresAuth(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Deps{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/run"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v, want 401", resp)
	}
}
