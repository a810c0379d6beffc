package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/signatory/internal/xerrors"
)

var errSentinel = errors.New("sentinel kind")

func newJSON(t *testing.T, opts Options) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts.Writer = &buf
	opts.JsonFormat = true
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("decode %q: %v", lines[len(lines)-1], err)
	}
	return m
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		" Warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestBaseAttributes(t *testing.T) {
	l, buf := newJSON(t, Options{App: "signatoryd", Version: "1.2.3", Commit: "abc"})
	l.Info(context.Background(), "started", "port", 8080)

	m := lastRecord(t, buf)
	if m["app"] != "signatoryd" || m["version"] != "1.2.3" || m["commit"] != "abc" {
		t.Fatalf("base attrs = %v", m)
	}
	if m["port"] != float64(8080) {
		t.Fatalf("port = %v", m["port"])
	}
	src, _ := m["source"].(map[string]any)
	if file, _ := src["file"].(string); !strings.HasSuffix(file, "log_test.go") {
		t.Fatalf("source = %v, want the calling test file", m["source"])
	}
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newJSON(t, Options{Level: slog.LevelWarn})
	l.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf)
	}
	l.Warn(context.Background(), "shown")
	if lastRecord(t, buf)["msg"] != "shown" {
		t.Fatal("warn not written")
	}
}

func TestWith_DoesNotLeakIntoParent(t *testing.T) {
	l, buf := newJSON(t, Options{})
	child := l.With("label", "primary", 42, "dropped")
	child.Info(context.Background(), "child")
	if m := lastRecord(t, buf); m["label"] != "primary" {
		t.Fatalf("child record = %v", m)
	}
	l.Info(context.Background(), "parent")
	if _, ok := lastRecord(t, buf)["label"]; ok {
		t.Fatal("parent picked up child attribute")
	}
}

func TestTraceIDs(t *testing.T) {
	l, buf := newJSON(t, Options{})
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	l.Info(ctx, "traced")

	m := lastRecord(t, buf)
	if m["trace_id"] != sc.TraceID().String() || m["span_id"] != sc.SpanID().String() {
		t.Fatalf("trace attrs = %v / %v", m["trace_id"], m["span_id"])
	}
}

func TestError_KindChainAndStack(t *testing.T) {
	l, buf := newJSON(t, Options{IncludeErrorLinks: true})
	base := xerrors.WithKind(xerrors.New("key file truncated"), errSentinel)
	err := xerrors.Wrap(base, "load primary")
	l.Error(context.Background(), err, "import failed")

	m := lastRecord(t, buf)
	if m["error_kind"] != errSentinel.Error() {
		t.Fatalf("error_kind = %v", m["error_kind"])
	}
	chain, _ := m["error_chain"].([]any)
	if len(chain) < 2 || !strings.Contains(fmt.Sprint(chain[len(chain)-1]), "key file truncated") {
		t.Fatalf("error_chain = %v", m["error_chain"])
	}
	stack, _ := m["stack"].(string)
	if !strings.Contains(stack, "TestError_KindChainAndStack") {
		t.Fatalf("stack does not start at the error site:\n%s", stack)
	}
	if links, _ := m["error_links"].([]any); len(links) == 0 {
		t.Fatal("error_links missing")
	}
}

func TestError_Joined(t *testing.T) {
	l, buf := newJSON(t, Options{})
	l.Error(context.Background(), errors.Join(errors.New("a failed"), errors.New("b failed")), "sync")

	chain, _ := lastRecord(t, buf)["error_chain"].([]any)
	if len(chain) != 3 || chain[1] != "a failed" || chain[2] != "b failed" {
		t.Fatalf("error_chain = %v", chain)
	}
}

func TestError_StackWithoutCapturedTrace(t *testing.T) {
	l, buf := newJSON(t, Options{})
	l.Error(context.Background(), errors.New("plain"), "boom")
	if s, _ := lastRecord(t, buf)["stack"].(string); !strings.Contains(s, "TestError_StackWithoutCapturedTrace") {
		t.Fatalf("stack = %q", s)
	}
}

func TestStackLevel(t *testing.T) {
	l, buf := newJSON(t, Options{StacktraceLevel: slog.LevelWarn})
	l.Info(context.Background(), "no stack")
	if _, ok := lastRecord(t, buf)["stack"]; ok {
		t.Fatal("stack on info record")
	}
	l.Warn(context.Background(), "stack")
	if _, ok := lastRecord(t, buf)["stack"]; !ok {
		t.Fatal("no stack on warn record")
	}
}

func TestClassifyTypes(t *testing.T) {
	root := &customErr{}
	err := fmt.Errorf("outer: %w", xerrors.Wrap(root, "mid"))
	surface, cause := classifyTypes(err)
	if surface != "*log.customErr" || cause != "*log.customErr" {
		t.Fatalf("classifyTypes = %q, %q", surface, cause)
	}
}

type customErr struct{}

func (*customErr) Error() string { return "custom" }

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()).(nopLogger); !ok {
		t.Fatal("empty context should yield Nop")
	}
	l, _ := newJSON(t, Options{})
	if FromContext(WithContext(context.Background(), l)) != l {
		t.Fatal("FromContext did not return stored logger")
	}
}

func TestNop(t *testing.T) {
	n := Nop()
	n.Error(context.Background(), errors.New("x"), "ignored")
	if n.With("k", "v") != n || n.Sync() != nil {
		t.Fatal("nop logger misbehaves")
	}
}
