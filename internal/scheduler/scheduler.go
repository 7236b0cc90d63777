package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs tickFn on a cron schedule, once immediately on Start and
// then at every fire time. Ticks never overlap within one scheduler.
type Scheduler struct {
	tickFn func(context.Context)

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	reset  chan struct{}

	// schedMu guards the schedule; the loop takes it while Stop holds mu.
	schedMu  sync.Mutex
	spec     string
	schedule cron.Schedule
	next     time.Time
}

// New parses spec as a standard five-field cron expression or a descriptor
// such as "@hourly" or "@every 30s".
func New(spec string, tickFn func(context.Context)) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return NewWithSchedule(spec, schedule, tickFn)
}

func NewWithSchedule(spec string, schedule cron.Schedule, tickFn func(context.Context)) (*Scheduler, error) {
	if schedule == nil {
		return nil, errors.New("schedule must not be nil")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		tickFn:   tickFn,
		spec:     spec,
		schedule: schedule,
		done:     make(chan struct{}),
		reset:    make(chan struct{}, 1),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		slog.Info("scheduler started", "schedule", s.Spec())

		s.safeTick(ctx)

		for {
			timer := time.NewTimer(time.Until(s.advance(time.Now())))
			select {
			case <-ctx.Done():
				timer.Stop()
				slog.Info("scheduler stopping")
				return
			case <-s.reset:
				timer.Stop()
			case <-timer.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.schedMu.Lock()
	s.next = time.Time{}
	s.schedMu.Unlock()

	slog.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Reschedule swaps the cron expression. A running loop re-arms its timer
// from now without firing an extra tick.
func (s *Scheduler) Reschedule(spec string) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	s.schedMu.Lock()
	if spec == s.spec {
		s.schedMu.Unlock()
		return nil
	}
	s.spec = spec
	s.schedule = schedule
	s.schedMu.Unlock()

	select {
	case s.reset <- struct{}{}:
	default:
	}
	slog.Info("scheduler rescheduled", "schedule", spec)
	return nil
}

func (s *Scheduler) Spec() string {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return s.spec
}

// NextRun is the next fire time, zero when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	return s.next
}

func (s *Scheduler) advance(now time.Time) time.Time {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	s.next = s.schedule.Next(now)
	return s.next
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	slog.Info("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}
