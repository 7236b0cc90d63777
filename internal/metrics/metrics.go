package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/LeventeLantos/message-dispatch/internal/service"
)

// Metrics keeps process-lifetime dispatch counters.
type Metrics struct {
	ticks      atomic.Int64
	tickErrors atomic.Int64
	sent       atomic.Int64
	retried    atomic.Int64
	failed     atomic.Int64
	suppressed atomic.Int64
	recovered  atomic.Int64
	capped     atomic.Int64
}

func New() *Metrics {
	return &Metrics{}
}

// Observe folds one tick's report into the counters.
func (m *Metrics) Observe(r service.TickReport, err error) {
	if r.Skipped {
		return
	}
	m.ticks.Add(1)
	if err != nil {
		m.tickErrors.Add(1)
	}
	m.sent.Add(int64(r.Sent))
	m.retried.Add(int64(r.Retried))
	m.failed.Add(int64(r.Failed))
	m.suppressed.Add(int64(r.Suppressed))
	m.recovered.Add(int64(r.Recovered))
	if r.CapacityReached {
		m.capped.Add(1)
	}
}

type Snapshot struct {
	Ticks       int64 `json:"ticks"`
	TickErrors  int64 `json:"tickErrors"`
	Sent        int64 `json:"sent"`
	Retried     int64 `json:"retried"`
	Failed      int64 `json:"failed"`
	Suppressed  int64 `json:"suppressed"`
	Recovered   int64 `json:"recovered"`
	CappedTicks int64 `json:"cappedTicks"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Ticks:       m.ticks.Load(),
		TickErrors:  m.tickErrors.Load(),
		Sent:        m.sent.Load(),
		Retried:     m.retried.Load(),
		Failed:      m.failed.Load(),
		Suppressed:  m.suppressed.Load(),
		Recovered:   m.recovered.Load(),
		CappedTicks: m.capped.Load(),
	}
}

func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
}
