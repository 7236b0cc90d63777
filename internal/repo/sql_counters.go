package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// EnsureDay creates the counter row for day if it does not exist yet and sets
// its limit to limit, so a limit change applies from the next tick.
func (s *Store) EnsureDay(ctx context.Context, day string, limit int) (model.DailyCounter, error) {
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO daily_counters (day, sent_count, in_flight, day_limit)
		VALUES (?, 0, 0, ?)
		ON CONFLICT (day) DO UPDATE SET day_limit = excluded.day_limit
	`), day, limit); err != nil {
		return model.DailyCounter{}, fmt.Errorf("ensure counter %s: %w", day, err)
	}

	c, ok, err := s.GetDay(ctx, day)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, fmt.Errorf("counter %s vanished after insert", day)
	}
	return c, nil
}

func (s *Store) GetDay(ctx context.Context, day string) (model.DailyCounter, bool, error) {
	c := model.DailyCounter{Date: day}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT sent_count, in_flight, day_limit FROM daily_counters WHERE day = ?
	`), day).Scan(&c.Count, &c.InFlight, &c.Limit)
	if errors.Is(err, sql.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("get counter %s: %w", day, err)
	}
	return c, true, nil
}

// TryReserve holds one in-flight slot for day if delivered plus in-flight is
// still below the limit. Check and increment are one statement, so concurrent
// callers cannot overshoot.
func (s *Store) TryReserve(ctx context.Context, day string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE daily_counters
		SET in_flight = in_flight + 1
		WHERE day = ? AND sent_count + in_flight < day_limit
	`), day)
	if err != nil {
		return false, fmt.Errorf("reserve slot %s: %w", day, err)
	}
	return affectedOne(res)
}

// Commit turns one in-flight slot into a delivery.
func (s *Store) Commit(ctx context.Context, day string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE daily_counters
		SET sent_count = sent_count + 1,
		    in_flight = CASE WHEN in_flight > 0 THEN in_flight - 1 ELSE 0 END
		WHERE day = ?
	`), day)
	if err != nil {
		return fmt.Errorf("commit slot %s: %w", day, err)
	}
	return nil
}

// Release gives an in-flight slot back without counting a delivery.
func (s *Store) Release(ctx context.Context, day string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE daily_counters SET in_flight = in_flight - 1 WHERE day = ? AND in_flight > 0
	`), day)
	if err != nil {
		return fmt.Errorf("release slot %s: %w", day, err)
	}
	return nil
}
