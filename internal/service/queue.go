package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

const (
	DefaultMaxAttempts = 3
	DefaultEditWindow  = 15 * time.Minute
	DefaultPageSize    = 20
	MaxPageSize        = 100
)

// QueueRequest is one message to enqueue.
type QueueRequest struct {
	To             string     `json:"to"`
	From           string     `json:"from,omitempty"`
	Subject        string     `json:"subject"`
	HTML           string     `json:"html"`
	Priority       string     `json:"priority"`
	ScheduledFor   *time.Time `json:"scheduledFor,omitempty"`
	BlacklistRules []string   `json:"blacklistRules,omitempty"`
	EditableUntil  *time.Time `json:"editableUntil,omitempty"`
	MaxAttempts    *int       `json:"maxAttempts,omitempty"`
}

// BatchRequest enqueues the same message for every recipient.
type BatchRequest struct {
	Recipients     []string   `json:"recipients"`
	From           string     `json:"from,omitempty"`
	Subject        string     `json:"subject"`
	HTML           string     `json:"html"`
	Priority       string     `json:"priority"`
	ScheduledFor   *time.Time `json:"scheduledFor,omitempty"`
	BlacklistRules []string   `json:"blacklistRules,omitempty"`
	EditableUntil  *time.Time `json:"editableUntil,omitempty"`
	MaxAttempts    *int       `json:"maxAttempts,omitempty"`
}

type BatchResult struct {
	BatchID string   `json:"batchId"`
	IDs     []string `json:"ids"`
}

// Patch lists the fields an edit may change. Nil fields are left alone.
type Patch struct {
	To                *string    `json:"to,omitempty"`
	From              *string    `json:"from,omitempty"`
	Subject           *string    `json:"subject,omitempty"`
	HTML              *string    `json:"html,omitempty"`
	Priority          *string    `json:"priority,omitempty"`
	ScheduledFor      *time.Time `json:"scheduledFor,omitempty"`
	ClearScheduledFor bool       `json:"clearScheduledFor,omitempty"`
	BlacklistRules    *[]string  `json:"blacklistRules,omitempty"`
	MaxAttempts       *int       `json:"maxAttempts,omitempty"`
}

type SettingsInput struct {
	DailyLimit       int    `json:"dailyLimit"`
	DispatchInterval string `json:"dispatchInterval"`
	Enabled          bool   `json:"enabled"`
}

type ListQuery struct {
	Page     int
	PageSize int
	Status   string
	Priority string
}

// QueueService is the caller-facing API: ingestion, edit/withdraw, config and status.
type QueueService struct {
	queue    repo.QueueRepository
	settings repo.SettingsRepository
	limiter  *DailyLimiter
	receipts cache.MessageCache

	maxAttempts int
	editWindow  time.Duration
	now         func() time.Time
	log         *slog.Logger

	onSettings []func(model.Settings)
}

type QueueOption func(*QueueService)

func WithClock(now func() time.Time) QueueOption {
	return func(s *QueueService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithDefaults(maxAttempts int, editWindow time.Duration) QueueOption {
	return func(s *QueueService) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if editWindow > 0 {
			s.editWindow = editWindow
		}
	}
}

func WithReceipts(c cache.MessageCache) QueueOption {
	return func(s *QueueService) { s.receipts = c }
}

func WithLogger(log *slog.Logger) QueueOption {
	return func(s *QueueService) {
		if log != nil {
			s.log = log
		}
	}
}

func NewQueueService(q repo.QueueRepository, settings repo.SettingsRepository, limiter *DailyLimiter, opts ...QueueOption) *QueueService {
	s := &QueueService{
		queue:       q,
		settings:    settings,
		limiter:     limiter,
		maxAttempts: DefaultMaxAttempts,
		editWindow:  DefaultEditWindow,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnSettingsChange registers fn to run after every successful SetConfig.
func (s *QueueService) OnSettingsChange(fn func(model.Settings)) {
	s.onSettings = append(s.onSettings, fn)
}

func (s *QueueService) QueueOne(ctx context.Context, req QueueRequest) (string, error) {
	now := s.now().UTC()

	m, err := s.build(now, req.To, messageFields{
		from:          req.From,
		subject:       req.Subject,
		html:          req.HTML,
		priority:      req.Priority,
		scheduledFor:  req.ScheduledFor,
		rules:         req.BlacklistRules,
		editableUntil: req.EditableUntil,
		maxAttempts:   req.MaxAttempts,
	}, "to")
	if err != nil {
		return "", err
	}

	if err := s.queue.Insert(ctx, m); err != nil {
		return "", err
	}
	s.log.Info("message queued", "message_id", m.ID, "priority", m.Priority, "status", m.Status)
	return m.ID, nil
}

// QueueBatch stores one record per recipient in a single transaction.
func (s *QueueService) QueueBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	if len(req.Recipients) == 0 {
		return BatchResult{}, &model.ValidationError{Field: "recipients", Reason: "must not be empty"}
	}

	now := s.now().UTC()
	fields := messageFields{
		from:          req.From,
		subject:       req.Subject,
		html:          req.HTML,
		priority:      req.Priority,
		scheduledFor:  req.ScheduledFor,
		rules:         req.BlacklistRules,
		editableUntil: req.EditableUntil,
		maxAttempts:   req.MaxAttempts,
	}

	res := BatchResult{BatchID: uuid.NewString()}
	msgs := make([]model.Message, 0, len(req.Recipients))
	for i, to := range req.Recipients {
		m, err := s.build(now, to, fields, fmt.Sprintf("recipients[%d]", i))
		if err != nil {
			return BatchResult{}, err
		}
		m.BatchID = res.BatchID
		m.BatchPosition = i + 1
		msgs = append(msgs, m)
		res.IDs = append(res.IDs, m.ID)
	}

	if err := s.queue.InsertBatch(ctx, msgs); err != nil {
		return BatchResult{}, err
	}
	s.log.Info("batch queued", "batch_id", res.BatchID, "size", len(msgs))
	return res, nil
}

type messageFields struct {
	from          string
	subject       string
	html          string
	priority      string
	scheduledFor  *time.Time
	rules         []string
	editableUntil *time.Time
	maxAttempts   *int
}

func (s *QueueService) build(now time.Time, to string, f messageFields, toField string) (model.Message, error) {
	if strings.TrimSpace(to) == "" {
		return model.Message{}, &model.ValidationError{Field: toField, Reason: "recipient is required"}
	}
	if strings.TrimSpace(f.subject) == "" {
		return model.Message{}, &model.ValidationError{Field: "subject", Reason: "is required"}
	}
	if strings.TrimSpace(f.html) == "" {
		return model.Message{}, &model.ValidationError{Field: "html", Reason: "is required"}
	}
	priority, err := model.ParsePriority(f.priority)
	if err != nil {
		return model.Message{}, err
	}

	maxAttempts := s.maxAttempts
	if f.maxAttempts != nil {
		if *f.maxAttempts < 1 {
			return model.Message{}, &model.ValidationError{Field: "maxAttempts", Reason: "must be >= 1"}
		}
		maxAttempts = *f.maxAttempts
	}

	var scheduledFor *time.Time
	if f.scheduledFor != nil {
		if f.scheduledFor.IsZero() {
			return model.Message{}, &model.ValidationError{Field: "scheduledFor", Reason: "must be a valid timestamp"}
		}
		t := f.scheduledFor.UTC()
		scheduledFor = &t
	}

	status := model.StatusFor(scheduledFor, now)

	editableUntil := now.Add(s.editWindow)
	if status == model.Scheduled && scheduledFor.After(editableUntil) {
		editableUntil = *scheduledFor
	}
	if f.editableUntil != nil {
		if f.editableUntil.IsZero() {
			return model.Message{}, &model.ValidationError{Field: "editableUntil", Reason: "must be a valid timestamp"}
		}
		editableUntil = f.editableUntil.UTC()
	}

	return model.Message{
		ID:             uuid.NewString(),
		Recipient:      strings.TrimSpace(to),
		Sender:         strings.TrimSpace(f.from),
		Subject:        f.subject,
		HTML:           f.html,
		BlacklistRules: f.rules,
		ScheduledFor:   scheduledFor,
		EditableUntil:  editableUntil,
		Priority:       priority,
		MaxAttempts:    maxAttempts,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *QueueService) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.queue.Get(ctx, id)
}

// GetReceipt returns the delivery receipt, from the cache when possible.
func (s *QueueService) GetReceipt(ctx context.Context, id string) (cache.Receipt, error) {
	if s.receipts != nil {
		r, ok, err := s.receipts.GetSent(ctx, id)
		if err != nil {
			s.log.Warn("receipt cache read failed", "message_id", id, "err", err)
		} else if ok {
			return r, nil
		}
	}

	m, err := s.queue.Get(ctx, id)
	if err != nil {
		return cache.Receipt{}, err
	}
	if m.Status != model.Completed || m.RemoteMessageID == nil || m.ProcessedAt == nil {
		return cache.Receipt{}, model.ErrNotFound
	}
	return cache.Receipt{RemoteMessageID: *m.RemoteMessageID, SentAt: *m.ProcessedAt}, nil
}

func (s *QueueService) UpdateQueued(ctx context.Context, id string, p Patch) (*model.Message, error) {
	m, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := m.CheckEditable(now); err != nil {
		return nil, err
	}

	next, err := applyPatch(*m, p, now)
	if err != nil {
		return nil, err
	}
	if next.Status != m.Status {
		if err := model.CheckTransition(m.Status, next.Status); err != nil {
			return nil, err
		}
	}

	ok, err := s.queue.UpdateEditable(ctx, next, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.explainRejected(ctx, id, now)
	}
	s.log.Info("message updated", "message_id", id, "status", next.Status)
	return s.queue.Get(ctx, id)
}

func (s *QueueService) DeleteQueued(ctx context.Context, id string) error {
	m, err := s.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := m.CheckEditable(now); err != nil {
		return err
	}

	ok, err := s.queue.DeleteEditable(ctx, id, now)
	if err != nil {
		return err
	}
	if !ok {
		return s.explainRejected(ctx, id, now)
	}
	s.log.Info("message withdrawn", "message_id", id)
	return nil
}

// explainRejected reloads a record whose conditional write matched nothing,
// which means a tick claimed it or a caller removed it in between.
func (s *QueueService) explainRejected(ctx context.Context, id string, now time.Time) error {
	m, err := s.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.CheckEditable(now); err != nil {
		return err
	}
	return model.ErrAlreadyProcessed
}

func applyPatch(m model.Message, p Patch, now time.Time) (model.Message, error) {
	if p.To != nil {
		if strings.TrimSpace(*p.To) == "" {
			return m, &model.ValidationError{Field: "to", Reason: "recipient is required"}
		}
		m.Recipient = strings.TrimSpace(*p.To)
	}
	if p.From != nil {
		m.Sender = strings.TrimSpace(*p.From)
	}
	if p.Subject != nil {
		if strings.TrimSpace(*p.Subject) == "" {
			return m, &model.ValidationError{Field: "subject", Reason: "is required"}
		}
		m.Subject = *p.Subject
	}
	if p.HTML != nil {
		if strings.TrimSpace(*p.HTML) == "" {
			return m, &model.ValidationError{Field: "html", Reason: "is required"}
		}
		m.HTML = *p.HTML
	}
	if p.Priority != nil {
		pr, err := model.ParsePriority(*p.Priority)
		if err != nil {
			return m, err
		}
		m.Priority = pr
	}
	if p.BlacklistRules != nil {
		m.BlacklistRules = *p.BlacklistRules
	}
	if p.MaxAttempts != nil {
		if *p.MaxAttempts < 1 || *p.MaxAttempts <= m.AttemptCount {
			return m, &model.ValidationError{Field: "maxAttempts", Reason: fmt.Sprintf("must be >= 1 and > %d attempts already made", m.AttemptCount)}
		}
		m.MaxAttempts = *p.MaxAttempts
	}

	switch {
	case p.ClearScheduledFor && p.ScheduledFor != nil:
		return m, &model.ValidationError{Field: "scheduledFor", Reason: "cannot set and clear at once"}
	case p.ClearScheduledFor:
		m.ScheduledFor = nil
		m.Status = model.Pending
	case p.ScheduledFor != nil:
		if p.ScheduledFor.IsZero() {
			return m, &model.ValidationError{Field: "scheduledFor", Reason: "must be a valid timestamp"}
		}
		t := p.ScheduledFor.UTC()
		m.ScheduledFor = &t
		m.Status = model.StatusFor(m.ScheduledFor, now)
	}

	m.UpdatedAt = now
	return m, nil
}

func (s *QueueService) GetConfig(ctx context.Context) (model.Settings, error) {
	return s.settings.GetSettings(ctx)
}

// SetConfig replaces the settings row in a single write. The dispatcher
// copies the daily limit onto today's counter at the start of every tick.
func (s *QueueService) SetConfig(ctx context.Context, in SettingsInput) (model.Settings, error) {
	if in.DailyLimit < 0 {
		return model.Settings{}, &model.ValidationError{Field: "dailyLimit", Reason: "must be >= 0"}
	}
	interval := strings.TrimSpace(in.DispatchInterval)
	if interval == "" {
		interval = model.DefaultDispatchInterval
	}
	if _, err := cron.ParseStandard(interval); err != nil {
		return model.Settings{}, &model.ValidationError{Field: "dispatchInterval", Reason: err.Error()}
	}

	now := s.now().UTC()
	out := model.Settings{
		DailyLimit:       in.DailyLimit,
		DispatchInterval: interval,
		Enabled:          in.Enabled,
		UpdatedAt:        now,
	}
	if err := s.settings.SaveSettings(ctx, out); err != nil {
		return model.Settings{}, err
	}

	s.log.Info("dispatch settings updated",
		"daily_limit", out.DailyLimit,
		"dispatch_interval", out.DispatchInterval,
		"enabled", out.Enabled,
	)
	for _, fn := range s.onSettings {
		fn(out)
	}
	return out, nil
}

func (s *QueueService) GetStatus(ctx context.Context) (model.QueueStatus, error) {
	settings, err := s.settings.GetSettings(ctx)
	if err != nil {
		return model.QueueStatus{}, err
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return model.QueueStatus{}, err
	}
	counter, err := s.limiter.Snapshot(ctx, s.limiter.Day(s.now()), settings.DailyLimit)
	if err != nil {
		return model.QueueStatus{}, err
	}
	// The stored row picks up a changed limit on the next tick; report the
	// limit that tick will apply.
	counter.Limit = settings.DailyLimit

	return model.QueueStatus{
		QueueLength:       stats.ByStatus[model.Pending] + stats.ByStatus[model.Scheduled],
		Processing:        stats.ByStatus[model.Processing],
		CompletedCount:    stats.ByStatus[model.Completed],
		FailedCount:       stats.ByStatus[model.Failed],
		DailyCount:        counter.Count,
		DailyLimit:        counter.Limit,
		RemainingCapacity: counter.Remaining(),
		NextSendTime:      stats.NextScheduled,
		IsEnabled:         settings.Enabled,
	}, nil
}

func (s *QueueService) ListQueued(ctx context.Context, q ListQuery) (model.Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}

	f := repo.ListFilter{Limit: q.PageSize, Offset: (q.Page - 1) * q.PageSize}
	if q.Status != "" {
		st, err := model.ParseStatus(q.Status)
		if err != nil {
			return model.Page{}, err
		}
		f.Status = &st
	}
	if q.Priority != "" {
		pr, err := model.ParsePriority(q.Priority)
		if err != nil {
			return model.Page{}, err
		}
		f.Priority = &pr
	}

	items, total, err := s.queue.List(ctx, f)
	if err != nil {
		return model.Page{}, err
	}
	if items == nil {
		items = []model.Message{}
	}

	return model.Page{
		Items:      items,
		Page:       q.Page,
		PageSize:   q.PageSize,
		Total:      total,
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
	}, nil
}
