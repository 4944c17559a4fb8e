package app

import (
	"testing"
	"time"

	"memberbot/internal/config"
)

func TestMapTelegramConfigDefaultsTimeouts(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Telegram.Token = "12345:TEST"

	got, err := mapTelegramConfig(cfg)
	if err != nil {
		t.Fatalf("mapTelegramConfig: %v", err)
	}
	if got.PollTimeout != 10*time.Second || got.CallTimeout != 15*time.Second {
		t.Fatalf("timeouts = %v/%v, want defaults 10s/15s", got.PollTimeout, got.CallTimeout)
	}

	cfg.Telegram.PollTimeout = "not a duration"
	if _, err := mapTelegramConfig(cfg); err == nil {
		t.Fatal("bad poll_timeout accepted")
	}
}

func TestMapReconcileConfigParsesJoinOffsets(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Reminders.JoinOffsets = []string{"24h", "48h"}
	cfg.Reminders.JoinMaxAttempts = 5
	cfg.Reminders.PaymentRetryDelay = "12h"

	got, err := mapReconcileConfig(cfg)
	if err != nil {
		t.Fatalf("mapReconcileConfig: %v", err)
	}
	if len(got.JoinNudgeOffsets) != 2 || got.JoinNudgeOffsets[0] != 24*time.Hour || got.JoinNudgeOffsets[1] != 48*time.Hour {
		t.Fatalf("offsets = %v, want [24h 48h]", got.JoinNudgeOffsets)
	}
	if got.JoinMaxAttempts != 5 || got.PaymentRetryDelay != 12*time.Hour {
		t.Fatalf("attempts=%d delay=%v", got.JoinMaxAttempts, got.PaymentRetryDelay)
	}

	cfg.Reminders.JoinOffsets = []string{"24h", "soon"}
	_, err = mapReconcileConfig(cfg)
	if err == nil {
		t.Fatal("bad join offset accepted")
	}
}

func TestMapBroadcastConfigRejectsBadDurations(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Broadcast.RatePerSec = 25
	cfg.Broadcast.BlockDelay = "200ms"

	got, err := mapBroadcastConfig(cfg)
	if err != nil {
		t.Fatalf("mapBroadcastConfig: %v", err)
	}
	if got.RatePerSec != 25 || got.BlockDelay != 200*time.Millisecond {
		t.Fatalf("mapped = %+v", got)
	}

	cfg.Broadcast.StaleAfter = "-1h"
	if _, err := mapBroadcastConfig(cfg); err == nil {
		t.Fatal("negative stale_after accepted")
	}
}
