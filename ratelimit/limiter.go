// Package ratelimit gates calls to an external listing source against a
// durable, shared call budget: at most Quota calls in any rolling Window,
// at least Spacing apart.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"listing_harvester/models"
)

// ErrBudgetExhausted is returned by RecordCall when another executor took
// the last slot between the wait and the record.
var ErrBudgetExhausted = errors.New("call budget exhausted")

// Store persists the budget. RecordCallIfAllowed must evaluate and record
// under a single write lock.
type Store interface {
	EnsureBudget(ctx context.Context, sourceID string, quota int, window time.Duration) error
	GetBudget(ctx context.Context, sourceID string) (*models.CallBudget, error)
	LoadWindow(ctx context.Context, sourceID string, now time.Time, window time.Duration, quota int) (models.WindowState, error)
	RecordCallIfAllowed(ctx context.Context, sourceID string, now time.Time, quota int, window, spacing time.Duration) (models.BudgetDecision, error)
	SetBackoff(ctx context.Context, sourceID string, backoff time.Duration) error
}

type Config struct {
	SourceID   string
	Quota      int
	Window     time.Duration
	Spacing    time.Duration
	MaxBackoff time.Duration
}

type Limiter struct {
	store  Store
	cfg    Config
	logger *zap.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	onWait func(sourceID string, d time.Duration)
}

type Option func(*Limiter)

// WithClock replaces the wall clock and sleeper, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithWaitObserver is called with every delay the limiter sleeps through.
func WithWaitObserver(fn func(sourceID string, d time.Duration)) Option {
	return func(l *Limiter) { l.onWait = fn }
}

func New(ctx context.Context, store Store, cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.SourceID == "" {
		return nil, errors.New("ratelimit: source id required")
	}
	if cfg.Quota <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: %s: quota and window must be positive", cfg.SourceID)
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}

	l := &Limiter{
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := store.EnsureBudget(ctx, cfg.SourceID, cfg.Quota, cfg.Window); err != nil {
		return nil, fmt.Errorf("ratelimit: ensure budget %s: %w", cfg.SourceID, err)
	}
	return l, nil
}

func (l *Limiter) SourceID() string { return l.cfg.SourceID }

// CanCallNow reports whether a call right now would respect both the
// quota and the spacing rule.
func (l *Limiter) CanCallNow(ctx context.Context) (bool, error) {
	d, err := l.check(ctx)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// WaitUntilAllowed sleeps exactly as long as the budget requires, then
// re-checks, since other executors may have spent the slot meanwhile.
func (l *Limiter) WaitUntilAllowed(ctx context.Context) error {
	for {
		d, err := l.check(ctx)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}

		l.logger.Debug("waiting for call budget",
			zap.String("source_id", l.cfg.SourceID),
			zap.Duration("wait", d.Wait))
		if l.onWait != nil {
			l.onWait(l.cfg.SourceID, d.Wait)
		}
		if err := l.sleep(ctx, d.Wait); err != nil {
			return err
		}
	}
}

// RecordCall claims a slot. It refuses with ErrBudgetExhausted if the slot
// is no longer free.
func (l *Limiter) RecordCall(ctx context.Context) error {
	d, err := l.store.RecordCallIfAllowed(ctx, l.cfg.SourceID, l.now(), l.cfg.Quota, l.cfg.Window, l.cfg.Spacing)
	if err != nil {
		return fmt.Errorf("ratelimit: record call: %w", err)
	}
	if !d.Allowed {
		return ErrBudgetExhausted
	}
	return nil
}

// Acquire waits for and claims one slot.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := l.WaitUntilAllowed(ctx); err != nil {
			return err
		}
		err := l.RecordCall(ctx)
		if !errors.Is(err, ErrBudgetExhausted) {
			return err
		}
	}
}

// Penalize doubles the extra spacing after the source pushed back, never
// below retryAfter and never above MaxBackoff.
func (l *Limiter) Penalize(ctx context.Context, retryAfter time.Duration) error {
	b, err := l.store.GetBudget(ctx, l.cfg.SourceID)
	if err != nil {
		return err
	}

	next := b.Backoff * 2
	floor := l.cfg.Spacing
	if floor < time.Second {
		floor = time.Second
	}
	if next < floor {
		next = floor
	}
	if retryAfter > next {
		next = retryAfter
	}
	if next > l.cfg.MaxBackoff {
		next = l.cfg.MaxBackoff
	}

	l.logger.Warn("source pushed back, widening spacing",
		zap.String("source_id", l.cfg.SourceID),
		zap.Duration("backoff", next))
	return l.store.SetBackoff(ctx, l.cfg.SourceID, next)
}

// Relax halves the extra spacing after a successful call.
func (l *Limiter) Relax(ctx context.Context) error {
	b, err := l.store.GetBudget(ctx, l.cfg.SourceID)
	if err != nil {
		return err
	}
	if b.Backoff == 0 {
		return nil
	}

	next := b.Backoff / 2
	if next <= l.cfg.Spacing {
		next = 0
	}
	return l.store.SetBackoff(ctx, l.cfg.SourceID, next)
}

func (l *Limiter) check(ctx context.Context) (models.BudgetDecision, error) {
	now := l.now()
	state, err := l.store.LoadWindow(ctx, l.cfg.SourceID, now, l.cfg.Window, l.cfg.Quota)
	if err != nil {
		return models.BudgetDecision{}, fmt.Errorf("ratelimit: load window: %w", err)
	}
	return state.Evaluate(now, l.cfg.Quota, l.cfg.Window, l.cfg.Spacing), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Registry hands out one Limiter per source, built on first use.
type Registry struct {
	mu       sync.Mutex
	store    Store
	config   func(sourceID string) Config
	opts     []Option
	limiters map[string]*Limiter
}

func NewRegistry(store Store, config func(sourceID string) Config, opts ...Option) *Registry {
	return &Registry{
		store:    store,
		config:   config,
		opts:     opts,
		limiters: make(map[string]*Limiter),
	}
}

func (r *Registry) For(ctx context.Context, sourceID string) (*Limiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[sourceID]; ok {
		return l, nil
	}
	cfg := r.config(sourceID)
	cfg.SourceID = sourceID
	l, err := New(ctx, r.store, cfg, r.opts...)
	if err != nil {
		return nil, err
	}
	r.limiters[sourceID] = l
	return l, nil
}
