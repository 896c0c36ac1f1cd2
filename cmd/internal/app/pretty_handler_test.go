package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_RemapsAndQuotes(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("store", "memory").Info("http.request",
		"method", "get",
		"status_class", "2xx",
		"duration_ms", int64(12),
		"user_agent", "curl 8.0",
	)
	log.WithGroup("req").Info("grouped", "id", "7")

	out := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=http.request",
		"store=memory",
		"method=GET",
		"class=2xx",
		"duration=12ms",
		`user_agent="curl 8.0"`,
		"req.id=7",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but output has escapes: %q", out)
	}
}

func TestPrettyHandler_ColorsLevels(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))

	log.Debug("hidden")
	log.Error("store.close.fail", "status", 503)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug should be filtered at default level: %q", out)
	}
	if !strings.Contains(out, ansiRed+"[ERROR]"+ansiReset) {
		t.Fatalf("expected red error tag: %q", out)
	}
	if !strings.Contains(out, ansiRed+"503"+ansiReset) {
		t.Fatalf("expected colored status: %q", out)
	}
}

func TestPrettyHandler_GroupsApplyAfterBinding(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))

	log.With("store", "memory").WithGroup("req").Info("x", "id", "7", slog.Group("peer", "ip", "10.0.0.1"))

	out := buf.String()
	if !strings.Contains(out, " store=memory") || strings.Contains(out, "req.store") {
		t.Fatalf("bound attr should keep its original group: %q", out)
	}
	if !strings.Contains(out, "req.id=7") || !strings.Contains(out, "req.peer.ip=10.0.0.1") {
		t.Fatalf("record attrs should carry the group prefix: %q", out)
	}
}

func TestPrettyHandler_ColorsDecisions(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))

	log.Info("arbiter.decision", "status", "revoked", "resolution", "resolved")

	out := buf.String()
	if !strings.Contains(out, "status="+ansiRed+"revoked"+ansiReset) {
		t.Fatalf("expected red revoked status: %q", out)
	}
	if !strings.Contains(out, "resolution="+ansiGreen+"resolved"+ansiReset) {
		t.Fatalf("expected green resolution: %q", out)
	}
}

func TestValueToInt64(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   slog.Value
		want int64
		ok   bool
	}{
		{in: slog.Int64Value(7), want: 7, ok: true},
		{in: slog.Uint64Value(8), want: 8, ok: true},
		{in: slog.StringValue(" 9 "), want: 9, ok: true},
		{in: slog.StringValue("x"), ok: false},
		{in: slog.BoolValue(true), ok: false},
	}
	for _, tc := range cases {
		got, ok := valueToInt64(tc.in)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("valueToInt64(%v)=(%d,%v) want (%d,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
