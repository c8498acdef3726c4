package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/markus-barta/routedeck/internal/auth"
	"github.com/markus-barta/routedeck/internal/history"
	"github.com/markus-barta/routedeck/internal/protocol"
	"github.com/markus-barta/routedeck/internal/routes"
	"github.com/markus-barta/routedeck/internal/telemetry"
	"github.com/markus-barta/routedeck/internal/telemetry/telemetrytest"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestWatcher(socket *telemetrytest.Server, out *syncBuffer, count int) *watcher {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	return &watcher{
		stats: telemetry.NewClient(telemetry.Config{
			SocketURL: socket.URL(),
			Tokens:    auth.StaticToken("test-token"),
		}, zerolog.Nop()),
		route: &routes.Route{
			ID: "r1", Name: "Main",
			Destinations: []routes.Destination{
				{ID: "d2", Name: "Backup"},
				{ID: "d1", Name: "Primary"},
			},
		},
		buf:     history.New(5, nil),
		out:     out,
		count:   count,
		backoff: b,
	}
}

func statsPayload(bytesIn float64) map[string]any {
	return map[string]any{
		"source": map[string]any{"bytes_in_per_sec": bytesIn, "bytes_in_total": 2048},
		"destinations": []any{
			map[string]any{"id": "d1", "bytes_out_per_sec": 10, "bytes_out_total": 1024},
		},
		"connected-callers": 2,
	}
}

// pushUntil keeps pushing payload until cond holds. A push can race the join
// reply and be dropped, so a single push is not enough.
func pushUntil(t *testing.T, socket *telemetrytest.Server, payload any, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		_ = socket.PushStats("r1", payload)
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatcher_StopsAfterCount(t *testing.T) {
	socket := telemetrytest.NewServer("test-token")
	defer socket.Close()

	out := &syncBuffer{}
	w := newTestWatcher(socket, out, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()

	if err := socket.WaitForJoin(ctx, protocol.StatsTopic("r1")); err != nil {
		t.Fatalf("join: %v", err)
	}

	finished := false
	var runErr error
	pushUntil(t, socket, statsPayload(1000), func() bool {
		select {
		case runErr = <-done:
			finished = true
		default:
		}
		return finished
	})
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}

	got := out.String()
	for _, want := range []string{
		"source 8,000 bps",
		"worst 80 bps",
		"callers 2",
		"in 2.00 KB",
		"[1/5]",
		"[2/5]",
		"Primary",
		"80 bps  out 1.00 KB",
		"Backup",
		"N/A  out N/A",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "[3/5]") {
		t.Errorf("printed more than count snapshots:\n%s", got)
	}
	if strings.Index(got, "Backup") > strings.Index(got, "Primary") {
		t.Errorf("destinations not sorted by name:\n%s", got)
	}
}

func TestWatcher_ResubscribesAfterDisconnect(t *testing.T) {
	socket := telemetrytest.NewServer("test-token")
	defer socket.Close()

	out := &syncBuffer{}
	w := newTestWatcher(socket, out, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()

	if err := socket.WaitForJoin(ctx, protocol.StatsTopic("r1")); err != nil {
		t.Fatalf("join: %v", err)
	}
	pushUntil(t, socket, statsPayload(1000), func() bool {
		return strings.Contains(out.String(), "8,000 bps")
	})

	socket.Disconnect("r1")
	pushUntil(t, socket, statsPayload(2000), func() bool {
		return strings.Contains(out.String(), "16,000 bps")
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}

	if joins := len(socket.FramesOf(protocol.EventJoin)); joins < 2 {
		t.Errorf("joins = %d, want a resubscribe", joins)
	}
	if !strings.Contains(out.String(), "! live updates closed, retrying in") {
		t.Errorf("no retry notice:\n%s", out.String())
	}
}

func TestTotalIn(t *testing.T) {
	total := func(v float64) *protocol.Snapshot {
		return &protocol.Snapshot{Source: protocol.SourceStats{BytesInTotal: &v}}
	}
	tests := []struct {
		name string
		snap *protocol.Snapshot
		want string
	}{
		{"absent", &protocol.Snapshot{}, "N/A"},
		{"zero", total(0), "0 B"},
		{"binary kilobytes", total(5000), "4.88 KB"},
		{"megabytes", total(1536 * 1024), "1.50 MB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := totalIn(tt.snap); got != tt.want {
				t.Errorf("totalIn = %q, want %q", got, tt.want)
			}
		})
	}
}
