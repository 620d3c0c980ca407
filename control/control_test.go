package control_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/momentics/pollws/api"
	"github.com/momentics/pollws/control"
)

func TestMetricsCounters(t *testing.T) {
	m := control.NewMetrics()
	if !m.Updated().IsZero() {
		t.Error("fresh registry reports an update time")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Add("messages.in", 1)
			}
		}()
	}
	wg.Wait()

	if got := m.Get("messages.in"); got != 800 {
		t.Errorf("messages.in = %d, want 800", got)
	}
	m.Set("connections.active", 3)
	m.Set("connections.active", 2)
	snap := m.Snapshot()
	if snap["connections.active"] != 2 || len(snap) != 2 {
		t.Errorf("snapshot = %v", snap)
	}
	snap["messages.in"] = 0
	if m.Get("messages.in") != 800 {
		t.Error("snapshot aliases registry state")
	}
	if m.Updated().IsZero() {
		t.Error("Updated not tracked")
	}
}

func TestProbes(t *testing.T) {
	p := control.NewProbes()
	control.RegisterPlatformProbes(p)
	p.Register("server.state", func() any { return "listening" })

	dump := p.Dump()
	if dump["server.state"] != "listening" {
		t.Errorf("server.state = %v", dump["server.state"])
	}
	if n, ok := dump["platform.cpus"].(int); !ok || n < 1 {
		t.Errorf("platform.cpus = %v", dump["platform.cpus"])
	}

	p.Unregister("server.state")
	for _, name := range p.Names() {
		if name == "server.state" {
			t.Error("probe still registered")
		}
	}
	names := p.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Errorf("names not sorted: %v", names)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := control.ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := control.ParseLevel("loud"); !errors.Is(err, api.ErrInvalidInput) {
		t.Errorf("bad level err = %v", err)
	}
}

func TestNewLoggerFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := control.NewLogger("warn", &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	log.Warn("shown", "conn", 7)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") || !strings.Contains(out, "conn=7") {
		t.Errorf("log output = %q", out)
	}
}
