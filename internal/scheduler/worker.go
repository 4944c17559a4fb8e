package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"memberbot/pkg/logx"
)

// enqueue reports whether the task actually made it into the queue.
func (s *Service) enqueue(t task) bool {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running; dropping task", logx.String("task", t.name))
		return false
	}
	select {
	case q <- t:
		return true
	default:
		s.log.Warn("scheduler queue full; dropping tick",
			logx.String("task", t.name), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return false
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()

	// The tick already claimed the single-flight slot; release it when done.
	if t.state != nil {
		defer func() {
			t.state.mu.Lock()
			t.state.running = false
			t.state.mu.Unlock()
		}()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	err := func() (err error) {
		// One task's panic must never take a worker (or a sibling task) down.
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in task",
					logx.String("task", t.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return t.run(runCtx)
	}()

	took := time.Since(start)
	if err != nil {
		s.log.Error("task failed", logx.String("task", t.name), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Debug("task finished", logx.String("task", t.name), logx.Duration("took", took))
}
