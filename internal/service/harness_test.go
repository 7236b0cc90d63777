package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

var base = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTransport records every send. fail, when set, decides the outcome.
type fakeTransport struct {
	mu   sync.Mutex
	sent []model.Message
	fail func(ctx context.Context, m model.Message) error
}

func (f *fakeTransport) Send(ctx context.Context, m model.Message) (string, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(ctx, m); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return "remote-" + m.ID, nil
}

func (f *fakeTransport) setFail(fn func(ctx context.Context, m model.Message) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

func (f *fakeTransport) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		ids = append(ids, m.ID)
	}
	return ids
}

func alwaysFail(context.Context, model.Message) error {
	return &model.TransportError{Err: errors.New("upstream returned 503")}
}

type harness struct {
	store      *repo.Store
	clock      *testClock
	transport  *fakeTransport
	limiter    *service.DailyLimiter
	queue      *service.QueueService
	dispatcher *service.Dispatcher
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	counters repo.CounterRepository
	queueOps []service.QueueOption
	dispOps  []service.DispatcherOption
}

func withCounters(c repo.CounterRepository) harnessOption {
	return func(h *harnessConfig) { h.counters = c }
}

func withDispatcherOptions(opts ...service.DispatcherOption) harnessOption {
	return func(h *harnessConfig) { h.dispOps = append(h.dispOps, opts...) }
}

func withQueueOptions(opts ...service.QueueOption) harnessOption {
	return func(h *harnessConfig) { h.queueOps = append(h.queueOps, opts...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	ctx := context.Background()
	st, err := repo.Open(ctx, repo.SQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	cfg := harnessConfig{counters: st}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := &testClock{now: base}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := service.NewDailyLimiter(cfg.counters, time.UTC)
	transport := &fakeTransport{}

	queueOps := append([]service.QueueOption{
		service.WithClock(clock.Now),
		service.WithLogger(log),
	}, cfg.queueOps...)
	dispOps := append([]service.DispatcherOption{
		service.WithDispatchClock(clock.Now),
		service.WithDispatchLogger(log),
	}, cfg.dispOps...)

	return &harness{
		store:      st,
		clock:      clock,
		transport:  transport,
		limiter:    limiter,
		queue:      service.NewQueueService(st, st, limiter, queueOps...),
		dispatcher: service.NewDispatcher(st, st, limiter, transport, dispOps...),
	}
}

func (h *harness) setLimit(t *testing.T, limit int) {
	t.Helper()
	_, err := h.queue.SetConfig(context.Background(), service.SettingsInput{
		DailyLimit:       limit,
		DispatchInterval: "*/5 * * * *",
		Enabled:          true,
	})
	if err != nil {
		t.Fatalf("SetConfig failed: %v", err)
	}
}

func (h *harness) enqueue(t *testing.T, req service.QueueRequest) string {
	t.Helper()
	if req.To == "" {
		req.To = "member@example.org"
	}
	if req.Subject == "" {
		req.Subject = "Hackathon check-in"
	}
	if req.HTML == "" {
		req.HTML = "<p>Doors open at 9</p>"
	}
	id, err := h.queue.QueueOne(context.Background(), req)
	if err != nil {
		t.Fatalf("QueueOne failed: %v", err)
	}
	return id
}

func (h *harness) tick(t *testing.T) service.TickReport {
	t.Helper()
	report, err := h.dispatcher.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	return report
}

func (h *harness) get(t *testing.T, id string) *model.Message {
	t.Helper()
	m, err := h.queue.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMessage(%s) failed: %v", id, err)
	}
	return m
}

func (h *harness) counter(t *testing.T) model.DailyCounter {
	t.Helper()
	c, err := h.limiter.Snapshot(context.Background(), h.limiter.Day(h.clock.Now()), 0)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	return c
}
