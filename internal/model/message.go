package model

import (
	"fmt"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Scheduled  Status = "scheduled"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// transitions lists every legal status change. Anything absent is rejected.
var transitions = map[Status][]Status{
	Pending:    {Scheduled, Processing},
	Scheduled:  {Pending, Processing},
	Processing: {Completed, Failed, Pending, Scheduled},
	Completed:  nil,
	Failed:     nil,
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := transitions[s]; !ok {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
	}
	return s, nil
}

// Eligible reports whether a record in this status may be edited, deleted or claimed.
func (s Status) Eligible() bool {
	return s == Pending || s == Scheduled
}

func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CheckTransition returns an error describing an illegal status change.
func CheckTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return nil
}

type Priority string

const (
	PriorityNow      Priority = "now"
	PriorityHigh     Priority = "high"
	PriorityStandard Priority = "standard"
	PriorityLow      Priority = "low"
)

// Priorities is ordered from most to least urgent.
var Priorities = []Priority{PriorityNow, PriorityHigh, PriorityStandard, PriorityLow}

// ParsePriority accepts the four tiers. An empty value means standard.
func ParsePriority(raw string) (Priority, error) {
	if raw == "" {
		return PriorityStandard, nil
	}
	for _, p := range Priorities {
		if string(p) == raw {
			return p, nil
		}
	}
	return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", raw)}
}

// Rank orders tiers for dispatch; lower ranks go first.
func (p Priority) Rank() int {
	for i, q := range Priorities {
		if q == p {
			return i
		}
	}
	return len(Priorities)
}

type Message struct {
	ID            string `json:"id"`
	BatchID       string `json:"batchId,omitempty"`
	BatchPosition int    `json:"batchPosition,omitempty"`

	Recipient      string   `json:"to"`
	Sender         string   `json:"from,omitempty"`
	Subject        string   `json:"subject"`
	HTML           string   `json:"html"`
	BlacklistRules []string `json:"blacklistRules,omitempty"`

	ScheduledFor  *time.Time `json:"scheduledFor,omitempty"`
	EditableUntil time.Time  `json:"editableUntil"`

	Priority        Priority `json:"priority"`
	MaxAttempts     int      `json:"maxAttempts"`
	AttemptCount    int      `json:"attemptCount"`
	LastError       *string  `json:"lastError,omitempty"`
	RemoteMessageID *string  `json:"remoteMessageId,omitempty"`

	Status      Status     `json:"status"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// CheckEditable reports whether a caller may still edit or withdraw the record at now.
func (m *Message) CheckEditable(now time.Time) error {
	if !m.Status.Eligible() {
		return ErrAlreadyProcessed
	}
	if now.After(m.EditableUntil) {
		return ErrEditWindowExpired
	}
	return nil
}

// StatusFor derives the waiting status implied by scheduledFor at now.
func StatusFor(scheduledFor *time.Time, now time.Time) Status {
	if scheduledFor != nil && scheduledFor.After(now) {
		return Scheduled
	}
	return Pending
}

// Page is one slice of a reverse-chronological listing.
type Page struct {
	Items      []Message `json:"items"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	Total      int       `json:"total"`
	TotalPages int       `json:"totalPages"`
}
