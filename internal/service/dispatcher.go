package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

const (
	DefaultSendTimeout = 10 * time.Second
	DefaultClaimLease  = 15 * time.Minute

	staleBatch = 100
)

// Transport delivers one message and returns the remote message id.
type Transport interface {
	Send(ctx context.Context, m model.Message) (remoteMessageID string, err error)
}

// TickReport summarizes one dispatch tick.
type TickReport struct {
	Day        string `json:"day"`
	Selected   int    `json:"selected"`
	Claimed    int    `json:"claimed"`
	Sent       int    `json:"sent"`
	Retried    int    `json:"retried"`
	Failed     int    `json:"failed"`
	Suppressed int    `json:"suppressed"`
	Recovered  int    `json:"recovered"`
	// CapacityReached is set when the tick stopped on the daily cap.
	CapacityReached bool `json:"capacityReached"`
	Skipped         bool `json:"skipped"`
}

type Dispatcher struct {
	queue     repo.QueueRepository
	settings  repo.SettingsRepository
	limiter   *DailyLimiter
	transport Transport
	receipts  cache.MessageCache
	pacer     *rate.Limiter

	sendTimeout time.Duration
	claimLease  time.Duration
	now         func() time.Time
	log         *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) {
		if d > 0 {
			x.sendTimeout = d
		}
	}
}

func WithClaimLease(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) {
		if d > 0 {
			x.claimLease = d
		}
	}
}

// WithPacing spaces sends to at most perSec per second. The wait happens
// before a record is claimed, so it never eats into the send timeout.
// perSec <= 0 disables pacing.
func WithPacing(perSec float64) DispatcherOption {
	return func(x *Dispatcher) {
		if perSec <= 0 {
			x.pacer = nil
			return
		}
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		x.pacer = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

func WithReceiptCache(c cache.MessageCache) DispatcherOption {
	return func(x *Dispatcher) { x.receipts = c }
}

func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(x *Dispatcher) {
		if now != nil {
			x.now = now
		}
	}
}

func WithDispatchLogger(log *slog.Logger) DispatcherOption {
	return func(x *Dispatcher) {
		if log != nil {
			x.log = log
		}
	}
}

func NewDispatcher(q repo.QueueRepository, settings repo.SettingsRepository, limiter *DailyLimiter, t Transport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:       q,
		settings:    settings,
		limiter:     limiter,
		transport:   t,
		sendTimeout: DefaultSendTimeout,
		claimLease:  DefaultClaimLease,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tick loads the current settings and runs one dispatch tick.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	settings, err := d.settings.GetSettings(ctx)
	if err != nil {
		return TickReport{}, fmt.Errorf("load settings: %w", err)
	}
	return d.RunDispatchTick(ctx, d.now().UTC(), settings)
}

// RunDispatchTick sends as many eligible records as today's capacity allows.
// Each record is claimed, holds an in-flight slot of the daily counter while
// it is sent, and the slot is counted only when the send succeeds.
// A failure on one record never stops the others; the joined errors are
// returned alongside the report.
func (d *Dispatcher) RunDispatchTick(ctx context.Context, now time.Time, settings model.Settings) (TickReport, error) {
	report := TickReport{Day: d.limiter.Day(now)}
	if !settings.Enabled {
		report.Skipped = true
		return report, nil
	}

	var errs []error

	recovered, err := d.recoverStale(ctx, now)
	report.Recovered = recovered
	if err != nil {
		errs = append(errs, err)
	}

	counter, err := d.limiter.Open(ctx, report.Day, settings.DailyLimit)
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	remaining := counter.Remaining()
	if remaining == 0 {
		report.CapacityReached = true
		return report, errors.Join(errs...)
	}

	candidates, err := d.queue.SelectEligible(ctx, now, remaining)
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("select eligible: %w", err))...)
	}
	report.Selected = len(candidates)

	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if d.pacer != nil {
			if err := d.pacer.Wait(ctx); err != nil {
				errs = append(errs, fmt.Errorf("pacing: %w", err))
				break
			}
		}

		stop, err := d.dispatchOne(ctx, now, report.Day, m, &report)
		if err != nil {
			d.log.Error("dispatch failed", "message_id", m.ID, "err", err)
			errs = append(errs, fmt.Errorf("message %s: %w", m.ID, err))
		}
		if stop {
			report.CapacityReached = true
			break
		}
	}

	d.log.Info("dispatch tick finished",
		"day", report.Day,
		"selected", report.Selected,
		"claimed", report.Claimed,
		"sent", report.Sent,
		"retried", report.Retried,
		"failed", report.Failed,
		"suppressed", report.Suppressed,
		"recovered", report.Recovered,
		"capacity_reached", report.CapacityReached,
	)
	return report, errors.Join(errs...)
}

// dispatchOne runs the claim, reserve, send, finish sequence for one record.
// stop reports that the daily cap was hit and the tick must end.
func (d *Dispatcher) dispatchOne(ctx context.Context, now time.Time, day string, m model.Message, report *TickReport) (stop bool, err error) {
	claim, err := d.queue.Claim(ctx, m, now)
	if err != nil {
		return false, err
	}
	if claim == nil {
		d.log.Debug("claim lost", "message_id", m.ID)
		return false, nil
	}
	report.Claimed++

	if rule, ok := matchSuppression(m.Recipient, m.BlacklistRules); ok {
		report.Suppressed++
		_, err := d.finish(ctx, claim, repo.Outcome{
			Status: model.Failed,
			Error:  fmt.Sprintf("suppressed by rule %q", rule),
		})
		return false, err
	}

	reserved, err := d.limiter.TryReserve(ctx, day)
	if err != nil || !reserved {
		if _, rerr := d.finish(ctx, claim, repo.Outcome{Status: claim.From()}); rerr != nil {
			err = errors.Join(err, rerr)
		}
		if err != nil {
			return true, err
		}
		d.log.Info("daily capacity reached", "day", day, "err", model.ErrCapacityExceeded)
		return true, nil
	}

	marked, err := d.queue.MarkReserved(ctx, claim, day)
	if err != nil || !marked {
		err = errors.Join(err, d.limiter.Release(ctx, day))
		if !marked && err == nil {
			d.log.Warn("claim lost before send", "message_id", m.ID)
			return false, nil
		}
		if _, ferr := d.finish(ctx, claim, repo.Outcome{Status: claim.From()}); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return false, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	remoteID, sendErr := d.transport.Send(sendCtx, m)
	cancel()

	// Whoever finishes the claim settles its slot. A lost claim was settled by
	// stale recovery.
	if sendErr == nil {
		ok, err := d.finish(ctx, claim, repo.Outcome{
			Status:          model.Completed,
			CountAttempt:    true,
			RemoteMessageID: remoteID,
		})
		if err != nil || !ok {
			return false, err
		}
		report.Sent++
		if err := d.limiter.Commit(ctx, day); err != nil {
			return false, err
		}
		d.storeReceipt(ctx, m.ID, remoteID)
		return false, nil
	}

	next := retryStatus(claim)
	if next == model.Failed {
		report.Failed++
	} else {
		report.Retried++
	}
	d.log.Warn("send failed",
		"message_id", m.ID,
		"attempt", m.AttemptCount+1,
		"max_attempts", m.MaxAttempts,
		"next_status", next,
		"err", sendErr,
	)
	ok, err := d.finish(ctx, claim, repo.Outcome{
		Status:       next,
		CountAttempt: true,
		Error:        sendErr.Error(),
	})
	if err != nil || !ok {
		return false, err
	}
	return false, d.limiter.Release(ctx, day)
}

// retryStatus is where a claim goes after one more failed attempt.
func retryStatus(c *repo.Claim) model.Status {
	if c.Message.AttemptCount+1 >= c.Message.MaxAttempts {
		return model.Failed
	}
	return c.From()
}

func (d *Dispatcher) finish(ctx context.Context, c *repo.Claim, o repo.Outcome) (bool, error) {
	ok, err := d.queue.Finish(ctx, c, o, d.now().UTC())
	if err != nil {
		return false, err
	}
	if !ok {
		d.log.Warn("claim lost before finish", "message_id", c.Message.ID, "status", o.Status)
	}
	return ok, nil
}

// recoverStale charges a failed attempt to every claim older than the lease
// and gives back any daily slot the claim was holding.
func (d *Dispatcher) recoverStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := d.queue.ListStale(ctx, now.Add(-d.claimLease), staleBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale claims: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for i := range stale {
		c := &stale[i]
		ok, err := d.finish(ctx, c, repo.Outcome{
			Status:       retryStatus(c),
			CountAttempt: true,
			Error:        "claim lease expired",
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", c.Message.ID, err))
			continue
		}
		if !ok {
			continue
		}
		n++
		d.log.Warn("recovered stale claim", "message_id", c.Message.ID, "claimed_at", c.ClaimedAt)
		if c.ReservedDay != "" {
			if err := d.limiter.Release(ctx, c.ReservedDay); err != nil {
				errs = append(errs, fmt.Errorf("recover %s: %w", c.Message.ID, err))
			}
		}
	}
	return n, errors.Join(errs...)
}

func (d *Dispatcher) storeReceipt(ctx context.Context, id, remoteID string) {
	if d.receipts == nil {
		return
	}
	if err := d.receipts.StoreSent(ctx, id, remoteID, d.now().UTC()); err != nil {
		d.log.Warn("receipt cache write failed", "message_id", id, "err", err)
	}
}
