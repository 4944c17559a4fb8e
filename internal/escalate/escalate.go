// Package escalate delivers operator-facing anomaly reports to the admin chat.
//
// Engines call Notify when bounded retries exhaust or housekeeping finds
// something wrong. A token bucket guards the admin channel: when a burst of
// anomalies exceeds the budget, excess reports are dropped and counted rather
// than blocking the calling engine.
package escalate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"memberbot/internal/gateway"
	"memberbot/pkg/logx"
)

type Config struct {
	AdminChatID int64
	RatePerMin  int
}

type Notifier struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	dropped int64

	gw  gateway.Gateway
	log logx.Logger
}

func New(cfg Config, gw gateway.Gateway, log logx.Logger) *Notifier {
	n := &Notifier{gw: gw, log: log}
	n.applyLocked(cfg)
	return n
}

func (n *Notifier) Apply(cfg Config) {
	n.mu.Lock()
	n.applyLocked(cfg)
	n.mu.Unlock()
}

func (n *Notifier) applyLocked(cfg Config) {
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 20
	}
	n.cfg = cfg
	n.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin)
}

// Notify sends one escalation message. It never blocks on the rate limit:
// over-budget messages are dropped (the full text still lands in the log).
func (n *Notifier) Notify(ctx context.Context, text string) {
	n.mu.Lock()
	lim := n.limiter
	chatID := n.cfg.AdminChatID
	n.mu.Unlock()

	n.log.Warn("escalation", logx.String("text", text))

	if chatID == 0 {
		return
	}
	if !lim.Allow() {
		n.mu.Lock()
		n.dropped++
		d := n.dropped
		n.mu.Unlock()
		n.log.Warn("escalation dropped (admin channel rate limit)", logx.Int64("dropped_total", d))
		return
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := n.gw.Send(sctx, chatID, gateway.Block{Text: text}); err != nil {
		n.log.Error("escalation delivery failed", logx.Err(err))
	}
}

// Dropped reports how many escalations were shed by the rate limit.
func (n *Notifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}
