package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// GetSettings returns the settings row, creating it with defaults on first use.
func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	def := model.DefaultSettings()
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO dispatch_settings (id, daily_limit, dispatch_interval, enabled, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), def.DailyLimit, def.DispatchInterval, def.Enabled, toMillis(time.Now())); err != nil {
		return def, fmt.Errorf("init settings: %w", err)
	}

	var (
		out       model.Settings
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT daily_limit, dispatch_interval, enabled, updated_at
		FROM dispatch_settings WHERE id = 1
	`).Scan(&out.DailyLimit, &out.DispatchInterval, &out.Enabled, &updatedAt)
	if err != nil {
		return def, fmt.Errorf("get settings: %w", err)
	}
	out.UpdatedAt = fromMillis(updatedAt)
	return out, nil
}

func (s *Store) SaveSettings(ctx context.Context, in model.Settings) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO dispatch_settings (id, daily_limit, dispatch_interval, enabled, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			daily_limit = excluded.daily_limit,
			dispatch_interval = excluded.dispatch_interval,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`), in.DailyLimit, in.DispatchInterval, in.Enabled, toMillis(in.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
