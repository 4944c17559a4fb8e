package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"memberbot/pkg/logx"
)

func nopJob(ctx context.Context) error { return nil }

func TestRegisterUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	if err := s.RegisterPeriodic("drain", time.Minute, 0, nopJob); err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}
	if err := s.RegisterDaily("drain", "09:30", 0, nopJob); err != nil {
		t.Fatalf("RegisterDaily: %v", err)
	}

	if len(s.defs) != 1 {
		t.Fatalf("defs = %d, want 1 (re-registration upserts)", len(s.defs))
	}
	if got := s.defs[0].spec; got != "30 9 * * *" {
		t.Fatalf("spec = %q, want the daily spec to win", got)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	if err := s.RegisterPeriodic("", time.Minute, 0, nopJob); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.RegisterPeriodic("neg", -time.Second, 0, nopJob); err == nil {
		t.Fatal("non-positive interval accepted")
	}
	if err := s.RegisterCron("bad", "99 99 * * *", 0, nopJob); err == nil {
		t.Fatal("invalid cron spec accepted")
	}
	if err := s.RegisterCron("seconds", "*/5 * * * * *", 0, nopJob); err != nil {
		t.Fatalf("six-field spec rejected: %v", err)
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		h, m    int
		wantErr bool
	}{
		{raw: "00:00", h: 0, m: 0},
		{raw: "9:05", h: 9, m: 5},
		{raw: "23:59", h: 23, m: 59},
		{raw: " 10:00 ", h: 10, m: 0},
		{raw: "24:00", wantErr: true},
		{raw: "12:60", wantErr: true},
		{raw: "noon", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			h, m, err := parseHHMM(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseHHMM(%q) accepted", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseHHMM(%q): %v", tt.raw, err)
			}
			if h != tt.h || m != tt.m {
				t.Fatalf("parseHHMM(%q) = %d:%d, want %d:%d", tt.raw, h, m, tt.h, tt.m)
			}
		})
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.RegisterPeriodic("gone", time.Minute, 0, nopJob); err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}
	if !s.Remove("gone") {
		t.Fatal("Remove returned false for a registered schedule")
	}
	if s.Remove("gone") {
		t.Fatal("Remove returned true for an already removed schedule")
	}
	if len(s.defs) != 0 {
		t.Fatalf("defs = %d, want 0", len(s.defs))
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}

func TestStartHonorsEnabledFlag(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop())

	var runs atomic.Int32
	if err := s.RegisterPeriodic("gated", 20*time.Millisecond, 0, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("disabled scheduler ran %d tasks, want 0", got)
	}

	// Flipping the flag takes effect on the next Start.
	s.Apply(Config{Enabled: true, Workers: 1})
	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(sctx)
	if runs.Load() == 0 {
		t.Fatal("enabled scheduler never ran the task")
	}
}

func TestQueuedTickHoldsSingleFlightSlot(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop())

	var runs atomic.Int32
	if err := s.RegisterPeriodic("claimed", time.Hour, 0, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}

	s.Start(context.Background())
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(sctx)
	}()

	// Park the only worker so subsequent ticks pile up behind it.
	block := make(chan struct{})
	picked := make(chan struct{})
	s.enqueue(task{name: "blocker", run: func(ctx context.Context) error {
		close(picked)
		<-block
		return nil
	}})
	select {
	case <-picked:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never picked up the blocking task")
	}

	s.mu.Lock()
	d := &s.defs[0]
	s.mu.Unlock()

	// Two ticks while the worker is busy: the first claims the slot and sits
	// in the queue, the second must be skipped, not duplicated.
	s.tick(d)
	s.tick(d)
	close(block)

	waitForRuns := func(want int32) {
		deadline := time.Now().Add(2 * time.Second)
		for runs.Load() < want && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitForRuns(1)
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 (queued tick must hold the slot)", got)
	}

	// The completed run released the slot; a fresh tick goes through.
	s.tick(d)
	waitForRuns(2)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs after release = %d, want 2", got)
	}
}

func TestPeriodicRunsAreSingleFlight(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 4}, logx.Nop())

	var cur, peak, runs atomic.Int32
	err := s.RegisterPeriodic("overlap.guard", 20*time.Millisecond, 0, func(ctx context.Context) error {
		c := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		runs.Add(1)
		// Longer than several tick intervals so overlapping ticks would show.
		time.Sleep(120 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(500 * time.Millisecond)
	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(sctx)

	if got := runs.Load(); got < 2 {
		t.Fatalf("runs = %d, want at least 2", got)
	}
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrency = %d, want 1 (ticks must not overlap)", got)
	}
}

func TestTaskTimeoutCancelsContext(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop())

	got := make(chan error, 1)
	err := s.RegisterPeriodic("timeout.sentinel", 20*time.Millisecond, 40*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			select {
			case got <- ctx.Err():
			default:
			}
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	if err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}

	s.Start(context.Background())
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(sctx)
	}()

	select {
	case err := <-got:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("task ctx err = %v, want DeadlineExceeded", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task context never expired")
	}
}

func TestPanicInTaskDoesNotKillWorkers(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop())

	var after atomic.Int32
	panicked := make(chan struct{}, 1)
	if err := s.RegisterPeriodic("panic.recovery", 20*time.Millisecond, 0, func(ctx context.Context) error {
		select {
		case panicked <- struct{}{}:
			panic("boom")
		default:
		}
		after.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("RegisterPeriodic: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(300 * time.Millisecond)
	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(sctx)

	if after.Load() == 0 {
		t.Fatal("no runs after the panicking tick; worker died")
	}
}
