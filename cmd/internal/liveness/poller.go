// Package liveness implements the client-side poller that detects, between
// server round trips, that this device's session was evicted elsewhere.
//
// Detection latency is bounded by the poll interval; it is not real-time.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the poll cadence used when none is configured.
const DefaultInterval = 10 * time.Second

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("liveness: poller already started")

// State is the poller's local view of the session.
type State int32

const (
	// StateActive means the session is believed valid.
	StateActive State = iota
	// StateRevoked means a check reported the session gone. Terminal.
	StateRevoked
)

func (s State) String() string {
	if s == StateRevoked {
		return "revoked"
	}
	return "active"
}

// Checker answers "is my session still in the active set?".
type Checker interface {
	Check(ctx context.Context) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) (bool, error)

func (f CheckerFunc) Check(ctx context.Context) (bool, error) { return f(ctx) }

// Poller runs a Checker on a fixed interval until the session is revoked or
// the context is canceled.
//
// Ticks never overlap: while a check is in flight, further ticks are skipped.
// The revoked transition happens exactly once.
type Poller struct {
	checker   Checker
	interval  time.Duration
	timeout   time.Duration
	log       *slog.Logger
	onRevoked func()

	state    atomic.Int32
	inFlight atomic.Bool
	started  atomic.Bool
	revoked  chan struct{}

	checks  atomic.Int64
	skipped atomic.Int64
	errs    atomic.Int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the poll interval (default DefaultInterval).
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithCheckTimeout bounds a single check (default: the poll interval).
func WithCheckTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.log = l
		}
	}
}

// OnRevoked registers a callback run once when the session is found revoked.
func OnRevoked(fn func()) Option {
	return func(p *Poller) { p.onRevoked = fn }
}

// New constructs a Poller.
func New(checker Checker, opts ...Option) (*Poller, error) {
	if checker == nil {
		return nil, errors.New("liveness: nil checker")
	}
	p := &Poller{
		checker:  checker,
		interval: DefaultInterval,
		log:      slog.Default(),
		revoked:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.timeout <= 0 {
		p.timeout = p.interval
	}
	return p, nil
}

// State returns the current state.
func (p *Poller) State() State { return State(p.state.Load()) }

// Revoked is closed when the poller transitions to StateRevoked.
func (p *Poller) Revoked() <-chan struct{} { return p.revoked }

// Stats reports how many checks ran, how many ticks were skipped because a
// check was still in flight, and how many checks failed.
func (p *Poller) Stats() (checks, skipped, errs int64) {
	return p.checks.Load(), p.skipped.Load(), p.errs.Load()
}

// Run polls until revocation (returns nil) or ctx cancellation (returns ctx.Err()).
// It waits for an in-flight check to finish before returning.
func (p *Poller) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.log.Debug("liveness.start", "interval", p.interval.String())

	for {
		select {
		case <-ctx.Done():
			p.log.Debug("liveness.stop", "reason", "context")
			return ctx.Err()
		case <-p.revoked:
			p.log.Info("liveness.stop", "reason", "revoked")
			return nil
		case <-ticker.C:
			if !p.inFlight.CompareAndSwap(false, true) {
				p.skipped.Add(1)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer p.inFlight.Store(false)
				p.tick(ctx)
			}()
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.checks.Add(1)
	ok, err := p.safeCheck(cctx)
	if err != nil {
		p.errs.Add(1)
		if ctx.Err() == nil {
			p.log.Warn("liveness.check_failed", "err", err)
		}
		return
	}
	if !ok {
		p.revoke()
	}
}

func (p *Poller) safeCheck(ctx context.Context) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("liveness: checker panic: %v", rec)
		}
	}()
	return p.checker.Check(ctx)
}

func (p *Poller) revoke() {
	if !p.state.CompareAndSwap(int32(StateActive), int32(StateRevoked)) {
		return
	}
	close(p.revoked)
	p.log.Info("liveness.revoked")
	if p.onRevoked != nil {
		p.onRevoked()
	}
}
