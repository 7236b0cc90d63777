package model

import "time"

const (
	DefaultDailyLimit       = 100
	DefaultDispatchInterval = "0 * * * *"
)

// Settings is the single mutable dispatch configuration row.
type Settings struct {
	DailyLimit       int       `json:"dailyLimit"`
	DispatchInterval string    `json:"dispatchInterval"`
	Enabled          bool      `json:"enabled"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func DefaultSettings() Settings {
	return Settings{
		DailyLimit:       DefaultDailyLimit,
		DispatchInterval: DefaultDispatchInterval,
		Enabled:          true,
	}
}

// DailyCounter tracks one calendar date. Count is messages delivered that day
// and never decreases. InFlight is slots held by sends still in progress.
type DailyCounter struct {
	Date     string `json:"date"`
	Count    int    `json:"count"`
	InFlight int    `json:"inFlight"`
	Limit    int    `json:"limit"`
}

// Remaining is the number of slots a new send may still reserve.
func (c DailyCounter) Remaining() int {
	if c.Count+c.InFlight >= c.Limit {
		return 0
	}
	return c.Limit - c.Count - c.InFlight
}

// DayKey formats the calendar date of t in loc, e.g. "2026-10-15".
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

// QueueStatus is the aggregate view returned by the status API.
type QueueStatus struct {
	QueueLength       int        `json:"queueLength"`
	Processing        int        `json:"processing"`
	CompletedCount    int        `json:"completedCount"`
	FailedCount       int        `json:"failedCount"`
	DailyCount        int        `json:"dailyCount"`
	DailyLimit        int        `json:"dailyLimit"`
	RemainingCapacity int        `json:"remainingCapacity"`
	NextSendTime      *time.Time `json:"nextSendTime,omitempty"`
	IsEnabled         bool       `json:"isEnabled"`
}
