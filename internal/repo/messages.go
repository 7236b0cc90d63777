package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// QueueRepository persists message records. Every state change that can race
// with another tick or an API caller is a single conditional write; the bool
// result reports whether the condition still held.
type QueueRepository interface {
	Insert(ctx context.Context, m model.Message) error
	InsertBatch(ctx context.Context, msgs []model.Message) error
	Get(ctx context.Context, id string) (*model.Message, error)

	UpdateEditable(ctx context.Context, m model.Message, now time.Time) (bool, error)
	DeleteEditable(ctx context.Context, id string, now time.Time) (bool, error)

	SelectEligible(ctx context.Context, now time.Time, limit int) ([]model.Message, error)
	Claim(ctx context.Context, m model.Message, now time.Time) (*Claim, error)
	MarkReserved(ctx context.Context, c *Claim, day string) (bool, error)
	Finish(ctx context.Context, c *Claim, o Outcome, now time.Time) (bool, error)
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]Claim, error)

	List(ctx context.Context, f ListFilter) ([]model.Message, int, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// CounterRepository holds the per-day dispatch counter. A send first holds an
// in-flight slot with TryReserve, then either Commit turns it into a delivery
// or Release gives it back. count + in_flight never exceeds the limit.
type CounterRepository interface {
	// EnsureDay creates the day's row if needed and sets its limit.
	EnsureDay(ctx context.Context, day string, limit int) (model.DailyCounter, error)
	GetDay(ctx context.Context, day string) (model.DailyCounter, bool, error)
	TryReserve(ctx context.Context, day string) (bool, error)
	Commit(ctx context.Context, day string) error
	Release(ctx context.Context, day string) error
}

// SettingsRepository holds the single dispatch settings row.
type SettingsRepository interface {
	GetSettings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
}

// Claim is exclusive ownership of a record in processing. Message is the
// snapshot taken before the claim, so Message.Status is the pre-claim status.
type Claim struct {
	Message   model.Message
	Token     string
	ClaimedAt time.Time
	// ReservedDay is the day whose in-flight slot this claim holds, if any.
	ReservedDay string
}

func (c *Claim) From() model.Status {
	return c.Message.Status
}

// Outcome is the state a claimed record leaves processing with.
type Outcome struct {
	Status          model.Status
	CountAttempt    bool
	Error           string
	RemoteMessageID string
}

type ListFilter struct {
	Status   *model.Status
	Priority *model.Priority
	Limit    int
	Offset   int
}

type QueueStats struct {
	ByStatus      map[model.Status]int
	NextScheduled *time.Time
}
