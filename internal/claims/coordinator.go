package claims

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inaiurai/idleclaim/internal/accrual"
	"github.com/inaiurai/idleclaim/internal/breaker"
	"github.com/inaiurai/idleclaim/internal/models"
	"github.com/inaiurai/idleclaim/internal/repository"
)

// Breaker names used in the registry.
const (
	OpClaim  = "claim"
	OpStatus = "status"
)

// DefaultPersistenceTimeout bounds each store call when Options leaves it
// unset.
const DefaultPersistenceTimeout = 3 * time.Second

// Store is the persistence the coordinator needs.
type Store interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	ApplyClaim(ctx context.Context, w repository.ClaimWrite) (int64, error)
}

// Options configures a Coordinator.
type Options struct {
	MaxWindow          time.Duration
	PersistenceTimeout time.Duration
	// Now is the clock. Its readings are truncated to microseconds in UTC,
	// the precision the stores keep.
	Now    func() time.Time
	Logger logrus.FieldLogger
}

// ClaimResult is the authoritative outcome of a claim. Claimed is zero when
// nothing was owed, in which case no write happened.
type ClaimResult struct {
	Claimed        int64
	OldBalance     int64
	NewBalance     int64
	MinutesOffline int64
	RatePerHour    int64
	WindowStart    time.Time
	WindowEnd      time.Time
	Capped         bool
	// NextClaimAt is the earliest time a claim can pay out again. Nil when
	// the account earns nothing.
	NextClaimAt *time.Time
	Now         time.Time
}

// StatusResult is a read-only view of what a claim made now would pay.
type StatusResult struct {
	MinutesOffline  int64
	AvailableAmount int64
	RatePerHour     int64
	CanClaim        bool
	CurrentBalance  int64
	MaxClaimHours   float64
	LastClaimTime   time.Time
	Capped          bool
	NextClaimAt     *time.Time
}

// Coordinator answers status queries and executes claims.
type Coordinator struct {
	store     Store
	claim     *breaker.Breaker
	status    *breaker.Breaker
	maxWindow time.Duration
	timeout   time.Duration
	clock     func() time.Time
	log       logrus.FieldLogger
}

// NewCoordinator returns a Coordinator using the "claim" and "status"
// breakers from reg.
func NewCoordinator(store Store, reg *breaker.Registry, opts Options) *Coordinator {
	c := &Coordinator{
		store:     store,
		claim:     reg.Get(OpClaim),
		status:    reg.Get(OpStatus),
		maxWindow: opts.MaxWindow,
		timeout:   opts.PersistenceTimeout,
		clock:     opts.Now,
		log:       opts.Logger,
	}
	if c.maxWindow <= 0 {
		c.maxWindow = accrual.DefaultMaxWindow
	}
	if c.timeout <= 0 {
		c.timeout = DefaultPersistenceTimeout
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	return c
}

// MaxWindow returns the accrual cap.
func (c *Coordinator) MaxWindow() time.Duration { return c.maxWindow }

func (c *Coordinator) now() time.Time { return c.clock().UTC().Truncate(time.Microsecond) }

// Status reports the account's pending offline earnings. It never writes.
func (c *Coordinator) Status(ctx context.Context, accountID uuid.UUID) (*StatusResult, error) {
	if accountID == uuid.Nil {
		return nil, ErrValidation
	}
	now := c.now()
	var acc *models.Account
	err := c.status.Execute(ctx, func(ctx context.Context) error {
		a, err := c.read(ctx, accountID)
		acc = a
		return err
	})
	if err != nil {
		return nil, c.translate(ctx, c.status, err)
	}

	q := accrual.Compute(now, acc.LastAccrualAt, acc.RatePerHour, c.maxWindow)
	return &StatusResult{
		MinutesOffline:  minutesOffline(now, acc.LastAccrualAt),
		AvailableAmount: q.Amount,
		RatePerHour:     acc.RatePerHour,
		CanClaim:        q.Amount > 0,
		CurrentBalance:  acc.Balance,
		MaxClaimHours:   c.maxWindow.Hours(),
		LastClaimTime:   acc.LastAccrualAt,
		Capped:          q.Capped,
		NextClaimAt:     nextClaimAt(acc.LastAccrualAt, acc.RatePerHour),
	}, nil
}

// Claim credits the account with everything accrued since its last claim.
// The write is conditioned on the accrual timestamp that was read; if a
// concurrent claim commits first the account is re-read and the quote
// recomputed once.
func (c *Coordinator) Claim(ctx context.Context, accountID uuid.UUID) (*ClaimResult, error) {
	if accountID == uuid.Nil {
		return nil, ErrValidation
	}
	now := c.now()
	var res *ClaimResult
	err := c.claim.Execute(ctx, func(ctx context.Context) error {
		for attempt := 0; attempt < 2; attempt++ {
			r, err := c.claimOnce(ctx, accountID, now)
			if errors.Is(err, repository.ErrStaleWrite) {
				c.log.WithField("account_id", accountID).Debug("claim lost race, re-reading")
				continue
			}
			if err != nil {
				return err
			}
			res = r
			return nil
		}
		return ErrConcurrentClaim
	})
	if err != nil {
		return nil, c.translate(ctx, c.claim, err)
	}
	if res.Claimed > 0 {
		c.log.WithFields(logrus.Fields{
			"account_id":  accountID,
			"claimed":     res.Claimed,
			"new_balance": res.NewBalance,
			"capped":      res.Capped,
		}).Info("offline earnings claimed")
	}
	return res, nil
}

func (c *Coordinator) claimOnce(ctx context.Context, accountID uuid.UUID, now time.Time) (*ClaimResult, error) {
	acc, err := c.read(ctx, accountID)
	if err != nil {
		return nil, err
	}
	q := accrual.Compute(now, acc.LastAccrualAt, acc.RatePerHour, c.maxWindow)
	res := &ClaimResult{
		OldBalance:     acc.Balance,
		NewBalance:     acc.Balance,
		MinutesOffline: minutesOffline(now, acc.LastAccrualAt),
		RatePerHour:    acc.RatePerHour,
		Now:            now,
	}
	if q.Amount == 0 {
		res.NextClaimAt = nextClaimAt(acc.LastAccrualAt, acc.RatePerHour)
		return res, nil
	}

	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	newBalance, err := c.store.ApplyClaim(wctx, repository.ClaimWrite{
		AccountID:           acc.ID,
		ExpectedLastAccrual: acc.LastAccrualAt,
		Amount:              q.Amount,
		WindowStart:         q.WindowStart,
		ClaimedAt:           now,
	})
	if err != nil {
		return nil, err
	}
	res.Claimed = q.Amount
	res.NewBalance = newBalance
	res.WindowStart = q.WindowStart
	res.WindowEnd = q.WindowEnd
	res.Capped = q.Capped
	res.NextClaimAt = nextClaimAt(now, acc.RatePerHour)
	return res, nil
}

func (c *Coordinator) read(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.GetAccount(rctx, id)
}

// minutesOffline is the raw elapsed time, not clamped to the window.
func minutesOffline(now, last time.Time) int64 {
	d := now.Sub(last)
	if d < 0 {
		return 0
	}
	return int64(d / time.Minute)
}

func nextClaimAt(from time.Time, rate int64) *time.Time {
	t, ok := accrual.NextUnitAt(from, rate)
	if !ok {
		return nil
	}
	return &t
}
