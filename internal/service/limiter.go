package service

import (
	"context"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

// DailyLimiter enforces the daily cap. Calendar days are taken in loc.
type DailyLimiter struct {
	counters repo.CounterRepository
	loc      *time.Location
}

func NewDailyLimiter(counters repo.CounterRepository, loc *time.Location) *DailyLimiter {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyLimiter{counters: counters, loc: loc}
}

func (l *DailyLimiter) Day(now time.Time) string {
	return model.DayKey(now, l.loc)
}

// Open returns the counter for day, creating it with limit when absent.
func (l *DailyLimiter) Open(ctx context.Context, day string, limit int) (model.DailyCounter, error) {
	return l.counters.EnsureDay(ctx, day, limit)
}

// TryReserve holds an in-flight slot for one send.
func (l *DailyLimiter) TryReserve(ctx context.Context, day string) (bool, error) {
	return l.counters.TryReserve(ctx, day)
}

// Commit is the only way the daily count grows.
func (l *DailyLimiter) Commit(ctx context.Context, day string) error {
	return l.counters.Commit(ctx, day)
}

func (l *DailyLimiter) Release(ctx context.Context, day string) error {
	return l.counters.Release(ctx, day)
}

// GetRemaining is for reporting only; it never gates a send.
func (l *DailyLimiter) GetRemaining(ctx context.Context, day string, defaultLimit int) (int, error) {
	c, err := l.Snapshot(ctx, day, defaultLimit)
	if err != nil {
		return 0, err
	}
	return c.Remaining(), nil
}

// Snapshot reads the counter for day without creating it. A missing day
// reports zero sent against defaultLimit.
func (l *DailyLimiter) Snapshot(ctx context.Context, day string, defaultLimit int) (model.DailyCounter, error) {
	c, ok, err := l.counters.GetDay(ctx, day)
	if err != nil {
		return c, err
	}
	if !ok {
		return model.DailyCounter{Date: day, Limit: defaultLimit}, nil
	}
	return c, nil
}
