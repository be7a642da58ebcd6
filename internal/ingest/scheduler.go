// Package ingest drives periodic fetch-and-reconcile cycles against the
// telephony provider.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"call-billing/internal/apperr"
	"call-billing/internal/audit"
	"call-billing/internal/calls"
	"call-billing/internal/reconcile"
	"call-billing/internal/telephony"
	"call-billing/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Reconciler is the billing pass run at the end of every cycle.
type Reconciler interface {
	Run(ctx context.Context, cutoff time.Time) (reconcile.Result, error)
}

// ErrClosed is returned by RunCycle once Shutdown has been called.
var ErrClosed = errors.New("ingest: scheduler shut down")

type Config struct {
	// Interval between ticks. cron.Every rounds it up to whole seconds.
	Interval time.Duration

	// FetchTimeout bounds each FetchCallDetail call and is the soft budget
	// for reading the feed in one cycle: past it, the cycle stops at the next
	// timestamp boundary and the following cycle picks up from there. Feed
	// page requests are bounded by the provider's own request timeout.
	FetchTimeout   time.Duration
	StorageTimeout time.Duration

	// SettleDelay keeps calls that ended less than SettleDelay ago out of
	// billing so late duration corrections land first.
	SettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval <= 0 {
		out.Interval = time.Minute
	}
	if out.FetchTimeout <= 0 {
		out.FetchTimeout = 30 * time.Second
	}
	if out.StorageTimeout <= 0 {
		out.StorageTimeout = 5 * time.Second
	}
	if out.SettleDelay < 0 {
		out.SettleDelay = 0
	}
	return out
}

// Deps are the collaborators of a Scheduler. Lease, Audit, Metrics and Log
// are optional.
type Deps struct {
	Provider   telephony.Provider
	Store      calls.Store
	Reconciler Reconciler
	Cursors    CursorStore
	Lease      Lease
	Audit      *audit.Service
	Metrics    *Metrics
	Log        *slog.Logger
}

// Health is a read-only snapshot for monitoring and admin endpoints.
type Health struct {
	Running       bool              `json:"running"`
	InFlight      bool              `json:"in_flight"`
	LastCycleAt   *time.Time        `json:"last_cycle_at"`
	LastSuccessAt *time.Time        `json:"last_success_at"`
	LastError     string            `json:"last_error,omitempty"`
	Cursor        string            `json:"cursor"`
	SkippedTicks  int64             `json:"skipped_ticks"`
	LastResult    *reconcile.Result `json:"last_result,omitempty"`
}

// Scheduler owns the ingestion state machine (Stopped -> Running -> Stopped)
// and guarantees at most one cycle in flight per instance.
type Scheduler struct {
	cfg        Config
	provider   telephony.Provider
	store      calls.Store
	reconciler Reconciler
	cursors    CursorStore
	lease      Lease
	audit      *audit.Service
	metrics    *Metrics
	log        *slog.Logger
	clock      func() time.Time

	inFlight atomic.Bool
	skipped  atomic.Int64

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	closed  bool
	// cycleDone is closed when the in-flight cycle returns.
	cycleDone     chan struct{}
	lastCycleAt   time.Time
	lastSuccessAt time.Time
	lastError     string
	cursor        time.Time
	lastResult    *reconcile.Result
}

func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Provider == nil || deps.Store == nil || deps.Reconciler == nil || deps.Cursors == nil {
		return nil, errors.New("ingest: provider, store, reconciler and cursors are required")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		provider:   deps.Provider,
		store:      deps.Store,
		reconciler: deps.Reconciler,
		cursors:    deps.Cursors,
		lease:      deps.Lease,
		audit:      deps.Audit,
		metrics:    m,
		log:        log.With("component", "ingest"),
		clock:      time.Now,
	}

	// Health reports the persisted cursor before the first cycle.
	if cursor, err := s.loadCursor(context.Background()); err != nil {
		s.log.Warn("initial cursor load failed", "err", err)
	} else {
		s.cursor = cursor
	}
	return s, nil
}

// Start begins the periodic trigger. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.closed {
		return
	}

	cl := logger.CronLogger(s.log)
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(s.tick))
	c.Start()

	s.cron = c
	s.running = true
	s.metrics.Running.Set(1)
	s.log.Info("ingestion started", "interval", s.cfg.Interval.String())
}

// Stop ends the periodic trigger. The returned context is done once the
// in-flight cycle, if any, has finished. Stopping a stopped scheduler returns
// a context reflecting only the in-flight cycle.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	wasRunning := s.running
	s.running = false
	var done <-chan struct{}
	if s.inFlight.Load() {
		done = s.cycleDone
	}
	s.mu.Unlock()

	if wasRunning {
		s.metrics.Running.Set(0)
		s.log.Info("ingestion stopped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		if c != nil {
			<-c.Stop().Done()
		}
		if done != nil {
			<-done
		}
	}()
	return ctx
}

// Shutdown stops the scheduler for good: Start becomes a no-op and RunCycle
// returns ErrClosed. The returned context behaves like Stop's.
func (s *Scheduler) Shutdown() context.Context {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

func (s *Scheduler) tick() {
	ran, err := s.RunCycle(context.Background())
	if err != nil {
		s.log.Warn("ingestion cycle failed", "err", err, "retryable", apperr.IsRetryable(err))
		return
	}
	if !ran {
		s.log.Debug("tick skipped")
	}
}

// RunCycle runs one fetch-and-reconcile cycle. It returns ran=false without
// doing anything when another cycle is in flight or the fleet lease is held
// elsewhere.
func (s *Scheduler) RunCycle(ctx context.Context) (ran bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.skipped.Add(1)
		s.metrics.SkippedTicks.WithLabelValues("in_flight").Inc()
		return false, nil
	}
	done := make(chan struct{})
	s.cycleDone = done
	s.mu.Unlock()

	defer func() {
		s.inFlight.Store(false)
		close(done)
	}()

	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx)
		if err != nil {
			s.log.Warn("lease acquire failed", "err", err)
		}
		if !ok {
			s.skipped.Add(1)
			s.metrics.SkippedTicks.WithLabelValues("lease").Inc()
			return false, nil
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StorageTimeout)
			defer cancel()
			if err := s.lease.Release(relCtx); err != nil {
				s.log.Warn("lease release failed", "err", err)
			}
		}()
	}

	start := s.clock().UTC()
	s.mu.Lock()
	s.lastCycleAt = start
	s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			ran, err = true, fmt.Errorf("ingest: cycle panic: %v", p)
		}
		s.finish(start, err)
	}()

	res, err := s.cycle(ctx, start)
	if err != nil {
		return true, err
	}
	s.mu.Lock()
	s.lastResult = &res
	s.mu.Unlock()
	s.metrics.observeResult(res)
	return true, nil
}

func (s *Scheduler) finish(start time.Time, err error) {
	elapsed := s.clock().Sub(start)
	s.metrics.CycleDuration.Observe(elapsed.Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = err.Error()
		s.metrics.Cycles.WithLabelValues("failure").Inc()
		return
	}
	now := s.clock().UTC()
	s.lastSuccessAt = now
	s.lastError = ""
	s.metrics.Cycles.WithLabelValues("success").Inc()
	s.metrics.LastSuccessEpoch.Set(float64(now.Unix()))
}

// cycle is one pass: fetch since the cursor, upsert, advance the cursor, then
// reconcile. Any provider or storage failure aborts before the cursor moves.
// The feed is in ascending ChangedAt order, so stopping early on the budget
// keeps everything up to next.
func (s *Scheduler) cycle(ctx context.Context, now time.Time) (reconcile.Result, error) {
	cursor, err := s.loadCursor(ctx)
	if err != nil {
		return reconcile.Result{}, err
	}

	deadline := s.clock().Add(s.cfg.FetchTimeout)
	next := cursor
	ingested := 0
	for ev, err := range s.provider.FetchCallsSince(ctx, cursor) {
		if err != nil {
			return reconcile.Result{}, fmt.Errorf("fetch calls since %s: %w", formatCursor(cursor), err)
		}
		if next.After(cursor) && ev.ChangedAt().After(next) && s.clock().After(deadline) {
			s.metrics.FetchTruncated.Inc()
			s.log.Info("fetch budget reached; resuming next cycle",
				"ingested", ingested, "cursor", formatCursor(next))
			break
		}
		ok, err := s.ingest(ctx, ev)
		if err != nil {
			return reconcile.Result{}, err
		}
		if ok {
			ingested++
		}
		if t := ev.ChangedAt(); t.After(next) {
			next = t
		}
	}

	if next.After(cursor) {
		saveCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
		err := s.cursors.Save(saveCtx, next)
		cancel()
		if err != nil {
			return reconcile.Result{}, fmt.Errorf("save cursor: %w", err)
		}
	}
	s.mu.Lock()
	s.cursor = next
	s.mu.Unlock()

	s.log.Debug("fetch finished", "ingested", ingested, "cursor", formatCursor(next))

	res, err := s.reconciler.Run(ctx, now.Add(-s.cfg.SettleDelay))
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	return res, nil
}

func (s *Scheduler) loadCursor(ctx context.Context) (time.Time, error) {
	loadCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()
	cursor, err := s.cursors.Load(loadCtx)
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor: %w", err)
	}
	return cursor, nil
}

// ingest normalizes and upserts one event. ok is false for a skipped
// (malformed) event; err is set only for failures that must abort the cycle.
func (s *Scheduler) ingest(ctx context.Context, ev telephony.RawCallEvent) (ok bool, err error) {
	if ev.NeedsDetail() {
		detailCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		detail, err := s.provider.FetchCallDetail(detailCtx, ev.CallID)
		cancel()
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			s.log.Warn("detail not found for completed call", "call_id", ev.CallID)
		case err != nil:
			return false, fmt.Errorf("fetch detail %s: %w", ev.CallID, err)
		default:
			ev = mergeDetail(ev, detail)
		}
	}

	rec, err := ev.Normalize()
	if err != nil {
		s.metrics.EventsMalformed.Inc()
		s.log.Warn("skipping malformed provider event", "call_id", ev.CallID, "err", err)
		return false, nil
	}

	if _, err := s.upsert(ctx, rec); err != nil {
		return false, err
	}
	s.metrics.EventsIngested.Inc()
	return true, nil
}

// upsert stores rec and reports events that conflict with what is stored.
// The merge itself stays a single atomic statement; the prior read is only
// used for the anomaly report.
func (s *Scheduler) upsert(ctx context.Context, rec calls.CallRecord) (calls.CallRecord, error) {
	getCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	prev, err := s.store.Get(getCtx, rec.CallID)
	cancel()
	switch {
	case errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return calls.CallRecord{}, fmt.Errorf("get call %s: %w", rec.CallID, err)
	default:
		s.checkAnomalies(ctx, prev, rec)
	}

	upCtx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()
	out, err := s.store.Upsert(upCtx, rec)
	if err != nil {
		return calls.CallRecord{}, fmt.Errorf("upsert call %s: %w", rec.CallID, err)
	}
	return out, nil
}

func (s *Scheduler) checkAnomalies(ctx context.Context, prev, rec calls.CallRecord) {
	if prev.UserID != rec.UserID {
		s.log.Warn("provider moved call to another user; keeping original owner",
			"call_id", rec.CallID, "user_id", prev.UserID, "incoming_user_id", rec.UserID)
	}
	if prev.DurationSeconds == nil || rec.DurationSeconds == nil || *rec.DurationSeconds >= *prev.DurationSeconds {
		return
	}
	s.metrics.DurationAnomaly.Inc()
	s.log.Warn("provider reported shorter duration; keeping stored value",
		"call_id", rec.CallID,
		"stored_seconds", *prev.DurationSeconds,
		"incoming_seconds", *rec.DurationSeconds,
		"billed", prev.Billed,
	)
	if s.audit != nil {
		if err := s.audit.LogDurationAnomaly(ctx, prev.UserID, rec.CallID, *prev.DurationSeconds, *rec.DurationSeconds); err != nil {
			s.log.Error("audit duration anomaly failed", "call_id", rec.CallID, "err", err)
		}
	}
}

// mergeDetail overlays the detail response on the list event, keeping list
// fields the detail leaves empty.
func mergeDetail(ev, detail telephony.RawCallEvent) telephony.RawCallEvent {
	out := ev
	if detail.UserID != "" {
		out.UserID = detail.UserID
	}
	if detail.To != "" {
		out.To = detail.To
	}
	if detail.From != "" {
		out.From = detail.From
	}
	if detail.Status != "" {
		out.Status = detail.Status
	}
	if detail.DurationSeconds != nil {
		out.DurationSeconds = detail.DurationSeconds
	}
	if detail.StartedAt != nil {
		out.StartedAt = detail.StartedAt
	}
	if detail.EndedAt != nil {
		out.EndedAt = detail.EndedAt
	}
	if detail.RecordingURL != "" {
		out.RecordingURL = detail.RecordingURL
	}
	if detail.Transcript != "" {
		out.Transcript = detail.Transcript
	}
	if detail.Summary != "" {
		out.Summary = detail.Summary
	}
	if detail.PathwayID != "" {
		out.PathwayID = detail.PathwayID
	}
	// UpdatedAt stays from the list event so the cursor follows the feed.
	return out
}

// Backfill fetches one call from the provider and upserts it. Billing happens
// on the next cycle.
func (s *Scheduler) Backfill(ctx context.Context, callID string) (calls.CallRecord, error) {
	if callID == "" {
		return calls.CallRecord{}, apperr.Invalid("call_id required")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	ev, err := s.provider.FetchCallDetail(fetchCtx, callID)
	cancel()
	if err != nil {
		return calls.CallRecord{}, err
	}
	rec, err := ev.Normalize()
	if err != nil {
		s.metrics.EventsMalformed.Inc()
		return calls.CallRecord{}, err
	}
	out, err := s.upsert(ctx, rec)
	if err != nil {
		return calls.CallRecord{}, err
	}
	s.metrics.EventsIngested.Inc()
	s.log.Info("call backfilled", "call_id", callID, "status", string(out.Status))
	return out, nil
}

func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		Running:      s.running,
		InFlight:     s.inFlight.Load(),
		LastError:    s.lastError,
		Cursor:       formatCursor(s.cursor),
		SkippedTicks: s.skipped.Load(),
	}
	if !s.lastCycleAt.IsZero() {
		t := s.lastCycleAt
		h.LastCycleAt = &t
	}
	if !s.lastSuccessAt.IsZero() {
		t := s.lastSuccessAt
		h.LastSuccessAt = &t
	}
	if s.lastResult != nil {
		r := *s.lastResult
		h.LastResult = &r
	}
	return h
}
