package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"memberbot/pkg/logx"
)

// RegisterPeriodic registers a task that runs every `every`.
func (s *Service) RegisterPeriodic(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("scheduler: interval must be positive for %q", name)
	}
	return s.register(name, fmt.Sprintf("@every %s", every.String()), timeout, job)
}

// RegisterCron registers a task on a cron spec ("0 10 * * *", "@daily", ...).
func (s *Service) RegisterCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler: bad cron spec %q for %q: %w", spec, name, err)
	}
	return s.register(name, spec, timeout, job)
}

// RegisterDaily registers a task at HH:MM in the scheduler timezone.
func (s *Service) RegisterDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.register(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

func (s *Service) register(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return errors.New("scheduler: name required")
	}
	// Upsert by name so repeated registration (config reload) never duplicates.
	s.removeLocked(name)
	d := scheduleDef{
		name:    name,
		spec:    spec,
		timeout: s.resolveTimeout(timeout),
		job:     job,
		state:   &runState{},
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.addCronLocked(&s.defs[len(s.defs)-1])
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

// Remove unschedules a task by name. Returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) {
	eid, err := s.c.AddFunc(d.spec, func() { s.tick(d) })
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec))
		return
	}
	d.entryID = eid
}

// tick claims the single-flight slot and hands the task to the worker pool.
// The claim happens here, not at dequeue, so a tick that fires while the
// previous one is still waiting in the queue cannot enqueue a duplicate.
func (s *Service) tick(d *scheduleDef) {
	d.state.mu.Lock()
	if d.state.running {
		d.state.mu.Unlock()
		s.log.Warn("tick skipped (previous run still in flight)", logx.String("task", d.name), logx.String("spec", d.spec))
		return
	}
	d.state.running = true
	d.state.mu.Unlock()

	if !s.enqueue(task{name: d.name, timeout: d.timeout, run: d.job, state: d.state}) {
		// Dropped tick: release the slot for the next one.
		d.state.mu.Lock()
		d.state.running = false
		d.state.mu.Unlock()
	}
}

func parseHHMM(raw string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("scheduler: bad HH:MM %q: %w", raw, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("scheduler: bad HH:MM %q", raw)
	}
	return h, m, nil
}
