// Package predictor shows a player an optimistic balance between server
// round trips. Estimates are display only; every authoritative response
// replaces the local state.
package predictor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/inaiurai/idleclaim/internal/accrual"
)

// DefaultInterval is the display refresh period.
const DefaultInterval = 5 * time.Second

// Snapshot is the last state the server reported.
type Snapshot struct {
	Balance       int64
	RatePerHour   int64
	LastAccrualAt time.Time
	// MaxWindow overrides Options.MaxWindow when positive.
	MaxWindow time.Duration
	SyncedAt  time.Time
}

func (s *Snapshot) usable() bool {
	return s != nil && !s.LastAccrualAt.IsZero() && s.RatePerHour >= 0 && s.Balance >= 0
}

// Estimate is what the client displays.
type Estimate struct {
	// Balance is the last authoritative balance.
	Balance int64
	// Pending is the locally predicted, unclaimed amount.
	Pending int64
	// Display is Balance plus Pending.
	Display int64
	Capped  bool
	// Predicted is false when no usable snapshot exists and Display is just
	// the authoritative balance.
	Predicted bool
	At        time.Time
}

// Options configures a Predictor.
type Options struct {
	Interval  time.Duration
	MaxWindow time.Duration
	Now       func() time.Time
	// Sink receives every scheduled and refreshed estimate.
	Sink   func(Estimate)
	Logger logrus.FieldLogger
}

// Predictor holds one player's snapshot and ticks estimates to a sink.
type Predictor struct {
	interval  time.Duration
	maxWindow time.Duration
	now       func() time.Time
	sink      func(Estimate)
	log       logrus.FieldLogger

	mu    sync.Mutex
	snap  *Snapshot
	sched *schedule
}

// New returns a Predictor with no snapshot.
func New(opts Options) *Predictor {
	p := &Predictor{
		interval:  opts.Interval,
		maxWindow: opts.MaxWindow,
		now:       opts.Now,
		sink:      opts.Sink,
		log:       opts.Logger,
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.maxWindow <= 0 {
		p.maxWindow = accrual.DefaultMaxWindow
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sink == nil {
		p.sink = func(Estimate) {}
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	return p
}

// Sync replaces the snapshot with an authoritative one. Nothing from the
// previous snapshot survives.
func (p *Predictor) Sync(s Snapshot) {
	if s.SyncedAt.IsZero() {
		s.SyncedAt = p.now()
	}
	p.mu.Lock()
	p.snap = &s
	p.mu.Unlock()
}

// ClaimOutcome is the server's answer to a claim.
type ClaimOutcome struct {
	Claimed     int64
	NewBalance  int64
	RatePerHour int64
	// ClaimedAt is the instant accrual restarted from; zero when nothing
	// was paid.
	ClaimedAt time.Time
}

// SyncClaim replaces the snapshot from a completed claim. A paying claim
// restarts accrual at ClaimedAt. When nothing was paid the server did not
// move its accrual timestamp, so only the balance is replaced.
func (p *Predictor) SyncClaim(c ClaimOutcome) {
	next := Snapshot{Balance: c.NewBalance, SyncedAt: p.now()}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev := p.snap; prev != nil {
		next.MaxWindow = prev.MaxWindow
		if c.Claimed == 0 {
			next.RatePerHour = prev.RatePerHour
			next.LastAccrualAt = prev.LastAccrualAt
		}
	}
	if c.Claimed > 0 {
		next.RatePerHour = c.RatePerHour
		next.LastAccrualAt = c.ClaimedAt
	}
	p.snap = &next
}

// Snapshot returns the current snapshot, if any.
func (p *Predictor) Snapshot() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap == nil {
		return Snapshot{}, false
	}
	return *p.snap, true
}

// Estimate computes the display value now.
func (p *Predictor) Estimate() Estimate {
	p.mu.Lock()
	snap := p.snap
	p.mu.Unlock()

	now := p.now()
	if !snap.usable() {
		e := Estimate{At: now}
		if snap != nil && snap.Balance > 0 {
			e.Balance, e.Display = snap.Balance, snap.Balance
		}
		return e
	}

	window := p.maxWindow
	if snap.MaxWindow > 0 {
		window = snap.MaxWindow
	}
	q := accrual.Compute(now, snap.LastAccrualAt, snap.RatePerHour, window)
	display := snap.Balance + q.Amount
	if display < snap.Balance {
		display = math.MaxInt64
	}
	return Estimate{
		Balance:   snap.Balance,
		Pending:   q.Amount,
		Display:   display,
		Capped:    q.Capped,
		Predicted: true,
		At:        now,
	}
}

// Refresh publishes an estimate immediately, e.g. after a reconnect.
func (p *Predictor) Refresh() Estimate {
	e := p.Estimate()
	p.sink(e)
	return e
}

type schedule struct {
	cron *cron.Cron
	done chan struct{}
}

// Start publishes an estimate every interval until ctx is done or Stop is
// called. Calling Start on a running predictor does nothing.
func (p *Predictor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.sched != nil {
		p.mu.Unlock()
		return
	}
	sc := &schedule{cron: cron.New(), done: make(chan struct{})}
	sc.cron.Schedule(cron.Every(p.interval), cron.FuncJob(func() { p.Refresh() }))
	p.sched = sc
	p.mu.Unlock()

	sc.cron.Start()
	p.log.WithField("interval", p.interval).Debug("predictor started")
	go func() {
		select {
		case <-ctx.Done():
			p.stop(sc)
		case <-sc.done:
		}
	}()
}

// Stop halts the schedule and waits for a running tick. The snapshot is
// kept, so a later Start resumes from it.
func (p *Predictor) Stop() {
	p.mu.Lock()
	sc := p.sched
	p.mu.Unlock()
	if sc != nil {
		p.stop(sc)
	}
}

// Running reports whether a schedule is active.
func (p *Predictor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sched != nil
}

func (p *Predictor) stop(sc *schedule) {
	p.mu.Lock()
	if p.sched != sc {
		p.mu.Unlock()
		return
	}
	p.sched = nil
	p.mu.Unlock()
	close(sc.done)
	<-sc.cron.Stop().Done()
	p.log.Debug("predictor stopped")
}
