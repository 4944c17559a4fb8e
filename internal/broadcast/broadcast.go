// Package broadcast sends one-time bulk messages to an audience snapshot.
//
// The audience is resolved exactly once at creation and materialized as queue
// rows; the job's recipient total never changes afterwards, no matter how the
// live audience moves. Draining is FIFO across jobs, paced by a token bucket,
// and isolates per-recipient failures.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"memberbot/internal/escalate"
	"memberbot/internal/gateway"
	"memberbot/internal/store"
	"memberbot/pkg/logx"
)

type Config struct {
	RatePerSec int
	BlockDelay time.Duration
	StaleAfter time.Duration
	Retention  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.BlockDelay <= 0 {
		c.BlockDelay = 150 * time.Millisecond
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	db  *store.DB
	gw  gateway.Gateway
	esc *escalate.Notifier
	log logx.Logger

	now func() time.Time
}

func New(cfg Config, db *store.DB, gw gateway.Gateway, esc *escalate.Notifier, log logx.Logger) *Service {
	s := &Service{db: db, gw: gw, esc: esc, log: log, now: time.Now}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Burst 1 keeps the inter-send spacing strict: no catching up in bursts
	// above the configured ceiling.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
}

func (s *Service) config() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Create resolves the audience selector once, snapshots it into queue rows
// and leaves the job pending for the next drain tick.
func (s *Service) Create(ctx context.Context, title string, sel store.AudienceSelector, blocks []gateway.Block) (store.BroadcastJob, error) {
	if len(blocks) == 0 {
		return store.BroadcastJob{}, fmt.Errorf("broadcast: no content blocks")
	}
	recipients, err := s.db.SelectAudience(ctx, sel)
	if err != nil {
		return store.BroadcastJob{}, err
	}
	blocksJSON, err := json.Marshal(blocks)
	if err != nil {
		return store.BroadcastJob{}, err
	}
	job, err := s.db.CreateBroadcast(ctx, title, string(blocksJSON), recipients)
	if err != nil {
		return store.BroadcastJob{}, err
	}
	s.log.Info("broadcast created",
		logx.Int64("job", job.ID), logx.String("title", title),
		logx.String("audience", string(sel)), logx.Int("recipients", job.TotalRecipients))
	return job, nil
}

// DrainPending processes pending jobs in creation order, one job fully before
// the next.
func (s *Service) DrainPending(ctx context.Context) error {
	jobs, err := s.db.PendingBroadcasts(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.runJob(ctx, job); err != nil {
			// Context gone mid-job: the job stays processing and the stale
			// sweep resolves it. Anything else is logged and we move on.
			if ctx.Err() != nil {
				return err
			}
			s.log.Error("broadcast job failed", logx.Int64("job", job.ID), logx.Err(err))
			_ = s.db.FailBroadcast(ctx, job.ID, err.Error())
		}
	}
	return nil
}

func (s *Service) runJob(ctx context.Context, job store.BroadcastJob) error {
	cfg, limiter := s.config()
	start := s.now()

	var blocks []gateway.Block
	if err := json.Unmarshal([]byte(job.Blocks), &blocks); err != nil {
		return fmt.Errorf("decode blocks: %w", err)
	}

	if err := s.db.MarkBroadcastProcessing(ctx, job.ID, start); err != nil {
		return err
	}
	s.log.Info("broadcast job started",
		logx.Int64("job", job.ID), logx.String("title", job.Title), logx.Int("total", job.TotalRecipients))

	items, err := s.db.PendingQueueItems(ctx, job.ID)
	if err != nil {
		return err
	}

	var (
		sent, failed int
		lines        []string
	)
	for _, it := range items {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.sendBlocks(ctx, it.TelegramID, blocks, cfg.BlockDelay); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			if merr := s.db.MarkQueueItemFailed(ctx, it.ID, err.Error()); merr != nil {
				return merr
			}
			lines = append(lines, fmt.Sprintf("✗ recipient %d — failed: %v", it.TelegramID, err))
			s.log.Warn("broadcast send failed",
				logx.Int64("job", job.ID), logx.Int64("telegram_id", it.TelegramID), logx.Err(err))
			continue
		}
		sent++
		if merr := s.db.MarkQueueItemSent(ctx, it.ID, s.now()); merr != nil {
			return merr
		}
		lines = append(lines, fmt.Sprintf("✓ recipient %d — sent", it.TelegramID))
	}

	done := s.now()
	runLog := buildRunLog(job, start, done, sent, failed, lines)
	if err := s.db.CompleteBroadcast(ctx, job.ID, sent, failed, runLog, done); err != nil {
		return err
	}

	fields := []logx.Field{
		logx.Int64("job", job.ID), logx.Int("total", job.TotalRecipients),
		logx.Int("sent", sent), logx.Int("failed", failed),
		logx.Duration("took", done.Sub(start)),
	}
	if failed > 0 {
		s.log.Warn("broadcast job finished with failures", fields...)
	} else {
		s.log.Info("broadcast job finished", fields...)
	}
	return nil
}

// sendBlocks delivers one recipient's ordered block burst. The intra-recipient
// delay is independent of the inter-recipient rate limit.
func (s *Service) sendBlocks(ctx context.Context, telegramID int64, blocks []gateway.Block, delay time.Duration) error {
	for i, b := range blocks {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := s.gw.Send(ctx, telegramID, b); err != nil {
			return err
		}
	}
	return nil
}

func buildRunLog(job store.BroadcastJob, start, done time.Time, sent, failed int, lines []string) string {
	var b strings.Builder
	title := job.Title
	if title == "" {
		title = "untitled"
	}
	fmt.Fprintf(&b, "Broadcast #%d — %s\n", job.ID, title)
	fmt.Fprintf(&b, "Started: %s\n", start.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Completed: %s\n", done.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Total: %d, Sent: %d, Failed: %d\n", job.TotalRecipients, sent, failed)
	b.WriteString(strings.Repeat("=", 60))
	b.WriteString("\n")
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

// SweepStale resolves jobs stuck in processing past the timeout (crash
// mid-drain). They are marked failed and never auto-resumed; remaining queue
// items stay pending for forensic inspection.
func (s *Service) SweepStale(ctx context.Context) error {
	cfg, _ := s.config()
	cutoff := s.now().Add(-cfg.StaleAfter)
	stale, err := s.db.StaleProcessingBroadcasts(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, job := range stale {
		note := fmt.Sprintf("stale: processing since %s, marked failed by sweep", job.StartedAt.UTC().Format(time.RFC3339))
		if err := s.db.FailBroadcast(ctx, job.ID, note); err != nil {
			return err
		}
		s.log.Error("stale broadcast job failed by sweep", logx.Int64("job", job.ID))
		s.esc.Notify(ctx, fmt.Sprintf(
			"⚠️ Broadcast #%d (%s) was stuck in processing and has been marked failed. Unsent recipients remain queued; re-trigger manually if needed.",
			job.ID, job.Title))
	}
	return nil
}

// PruneOld removes completed jobs past the retention window.
func (s *Service) PruneOld(ctx context.Context) error {
	cfg, _ := s.config()
	n, err := s.db.DeleteBroadcastsBefore(ctx, s.now().Add(-cfg.Retention))
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("old broadcasts pruned", logx.Int64("jobs", n))
	}
	return nil
}
