// Package supervisor implements the supervisor configuration and runtime
// (spec C11): restart policy, shutdown policy, supervision strategy,
// restart-window accounting, and exponential backoff around a set of
// actor.Actor children. The periodic housekeeping sweep is grounded on the
// teacher's internal/cron.Scheduler ticker-loop idiom (context-cancelable
// background goroutine, fire-on-start-then-on-tick), generalized from
// "fire due cron schedules" to "sweep registered actors and rate/quota
// state." Quota state is evicted per-child, via each actor's own
// actor.Actor.Quota tracker, since quota (unlike the shared rate limiter) is
// allocated one tracker per component.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/wasmguard/internal/actor"
	"github.com/basket/wasmguard/internal/bus"
	"github.com/basket/wasmguard/internal/ratelimit"
)

// RestartPolicy controls whether a terminated/failed child is restarted.
type RestartPolicy int

const (
	// Transient restarts only on abnormal termination (Failed), never on a
	// normal Stop (Terminated).
	Transient RestartPolicy = iota
	// Permanent always restarts, regardless of why the child stopped.
	Permanent
	// Temporary never restarts.
	Temporary
)

// ShutdownPolicy controls how a child is asked to stop.
type ShutdownPolicy int

const (
	Immediate ShutdownPolicy = iota
	Graceful
)

// Strategy is the supervision strategy applied when a child fails.
type Strategy int

const (
	// OneForOne restarts only the failed child.
	OneForOne Strategy = iota
	// OneForAll stops and restarts every child when any one fails.
	OneForAll
	// RestForOne restarts the failed child and every child started after
	// it (in registration order).
	RestForOne
)

// Window bounds how many restarts are tolerated in a sliding period before
// the supervisor gives up on a child.
type Window struct {
	MaxRestarts int
	Period      time.Duration
}

// Backoff is the exponential backoff envelope: delay = min(base *
// 2^min(n,10), max), per spec §4.11.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay computes the backoff delay before the (n+1)th restart attempt
// (n is the number of restarts already attempted, 0-based).
func (b Backoff) Delay(n int) time.Duration {
	exp := n
	if exp > 10 {
		exp = 10
	}
	d := float64(b.Base) * math.Pow(2, float64(exp))
	if d > float64(b.Max) || d <= 0 {
		return b.Max
	}
	return time.Duration(d)
}

// Config is the supervisor's validated configuration, per spec §4.11.
// Defaults are tuned for WASM components: one-for-one / transient /
// graceful with a 5s timeout / 3 restarts in 60s / 100ms..30s backoff.
type Config struct {
	Strategy        Strategy
	RestartPolicy   RestartPolicy
	ShutdownPolicy  ShutdownPolicy
	GracefulTimeout time.Duration
	Window          Window
	Backoff         Backoff

	// HousekeepingCron is a standard 5-field cron expression driving the
	// periodic sweep. Empty disables scheduled housekeeping (callers may
	// still invoke Sweep directly).
	HousekeepingCron string
}

// DefaultConfig returns spec §4.11's defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:        OneForOne,
		RestartPolicy:   Transient,
		ShutdownPolicy:  Graceful,
		GracefulTimeout: 5 * time.Second,
		Window:          Window{MaxRestarts: 3, Period: 60 * time.Second},
		Backoff:         Backoff{Base: 100 * time.Millisecond, Max: 30 * time.Second},
	}
}

// ConfigError reports an invalid supervisor configuration field.
type ConfigError struct{ Field, Reason string }

func (e *ConfigError) Error() string { return fmt.Sprintf("supervisor config %s: %s", e.Field, e.Reason) }

// Validate enforces spec §4.11's invariants: max_restarts > 0, non-zero
// window, base <= max backoff, non-zero graceful timeout.
func (c Config) Validate() error {
	if c.Window.MaxRestarts <= 0 {
		return &ConfigError{Field: "window.max_restarts", Reason: "must be greater than zero"}
	}
	if c.Window.Period <= 0 {
		return &ConfigError{Field: "window.period", Reason: "must be non-zero"}
	}
	if c.Backoff.Base > c.Backoff.Max {
		return &ConfigError{Field: "backoff", Reason: "base must be <= max"}
	}
	if c.ShutdownPolicy == Graceful && c.GracefulTimeout <= 0 {
		return &ConfigError{Field: "graceful_timeout", Reason: "must be non-zero when shutdown policy is graceful"}
	}
	return nil
}

// child tracks one supervised actor plus its restart bookkeeping.
type child struct {
	name        string
	act         *actor.Actor
	restarts    []time.Time // timestamps within the current window
	giveUp      bool
	restartAttempt int
}

// Supervisor owns an ordered set of children and enforces Config's policy
// on failure.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	children []*child
	byName   map[string]*child

	limiter *ratelimit.Limiter
	events  *bus.Bus

	cronSchedule cronlib.Schedule
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// SetEventBus wires an event bus for restart/give-up notifications. Nil is
// the zero-value default (no publishing); set by cmd/wasmguardd so the
// admin surface can observe supervision activity.
func (s *Supervisor) SetEventBus(b *bus.Bus) {
	s.events = b
}

// New validates cfg and builds a Supervisor. limiter may be nil if this
// supervisor's children don't share rate-limiter state to sweep; each
// child's own per-component quota tracker (if any) is reached at sweep time
// via actor.Actor.Quota, so no shared quota tracker is threaded through here.
func New(cfg Config, limiter *ratelimit.Limiter, logger *slog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		byName:  make(map[string]*child),
		limiter: limiter,
	}
	if cfg.HousekeepingCron != "" {
		parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)
		sched, err := parser.Parse(cfg.HousekeepingCron)
		if err != nil {
			return nil, fmt.Errorf("supervisor: invalid housekeeping cron expression: %w", err)
		}
		s.cronSchedule = sched
	}
	return s, nil
}

// Register adds a named child in supervision order. Order matters for
// RestForOne.
func (s *Supervisor) Register(name string, act *actor.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("supervisor: child %q already registered", name)
	}
	c := &child{name: name, act: act}
	s.children = append(s.children, c)
	s.byName[name] = c
	return nil
}

// StartHousekeeping runs the periodic sweep on its own goroutine, ticking
// according to HousekeepingCron. A zero-value cron schedule (not
// configured) makes this a no-op.
func (s *Supervisor) StartHousekeeping(ctx context.Context) {
	if s.cronSchedule == nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.housekeepingLoop(ctx)
	s.logger.Info("supervisor: housekeeping started")
}

// StopHousekeeping cancels the sweep loop and waits for it to exit.
func (s *Supervisor) StopHousekeeping() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) housekeepingLoop(ctx context.Context) {
	defer s.wg.Done()
	next := s.cronSchedule.Next(time.Now())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
			next = s.cronSchedule.Next(time.Now())
		}
	}
}

// Sweep health-checks every registered actor and evicts idle rate-limiter
// and quota state, per SPEC_FULL.md's housekeeping expansion. Rate-limiter
// state is shared across children and evicted once; quota state is
// per-child, so each child's own tracker (if configured) is swept
// individually.
func (s *Supervisor) Sweep(ctx context.Context) {
	s.mu.Lock()
	children := append([]*child(nil), s.children...)
	s.mu.Unlock()

	for _, c := range children {
		result := c.act.HealthCheck(ctx)
		if result.Status == "failed" {
			s.logger.Warn("supervisor: child unhealthy", "child", c.name, "reason", result.Reason)
			s.onChildFailed(ctx, c)
		}
		if q := c.act.Quota(); q != nil {
			if evicted := q.EvictIdle(10 * time.Minute); evicted > 0 {
				s.logger.Debug("supervisor: evicted idle quota state", "child", c.name, "count", evicted)
			}
		}
	}
	if s.limiter != nil {
		evicted := s.limiter.EvictIdle(10 * time.Minute)
		if evicted > 0 {
			s.logger.Debug("supervisor: evicted idle rate-limit windows", "count", evicted)
		}
	}
}

// onChildFailed applies the configured Strategy and RestartPolicy when a
// child is observed to have failed.
func (s *Supervisor) onChildFailed(ctx context.Context, failed *child) {
	if !s.shouldRestart(failed) {
		s.logger.Error("supervisor: child exhausted restart budget, not restarting", "child", failed.name)
		s.publish(bus.TopicSupervisorGiveUp, bus.OperatorAlert{
			ComponentID: failed.name,
			Severity:    "error",
			Message:     "child exhausted restart budget, giving up",
		})
		return
	}

	targets := s.restartTargets(failed)
	names := make([]string, len(targets))
	for i, c := range targets {
		names[i] = c.name
	}
	topic := bus.TopicSupervisorRestartOneForOne
	if s.cfg.Strategy != OneForOne {
		topic = bus.TopicSupervisorRestartOneForAll
	}
	s.publish(topic, bus.SupervisorRestartEvent{
		SupervisorName: failed.name,
		Targets:        names,
		Attempt:        failed.restartAttempt,
	})

	for _, c := range targets {
		s.restartChild(ctx, c)
	}
}

func (s *Supervisor) publish(topic string, payload interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(topic, payload)
}

func (s *Supervisor) shouldRestart(c *child) bool {
	switch s.cfg.RestartPolicy {
	case Temporary:
		return false
	case Permanent:
		return s.withinWindow(c)
	default: // Transient
		if c.act.State() != actor.Failed {
			return false
		}
		return s.withinWindow(c)
	}
}

func (s *Supervisor) withinWindow(c *child) bool {
	now := time.Now()
	cutoff := now.Add(-s.cfg.Window.Period)
	kept := c.restarts[:0]
	for _, t := range c.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.restarts = kept
	if len(c.restarts) >= s.cfg.Window.MaxRestarts {
		c.giveUp = true
		return false
	}
	return true
}

// restartTargets returns the children to restart for the configured
// Strategy, given which child failed.
func (s *Supervisor) restartTargets(failed *child) []*child {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.cfg.Strategy {
	case OneForAll:
		return append([]*child(nil), s.children...)
	case RestForOne:
		for i, c := range s.children {
			if c == failed {
				return append([]*child(nil), s.children[i:]...)
			}
		}
		return []*child{failed}
	default: // OneForOne
		return []*child{failed}
	}
}

func (s *Supervisor) restartChild(ctx context.Context, c *child) {
	c.restarts = append(c.restarts, time.Now())
	attempt := c.restartAttempt
	c.restartAttempt++

	delay := s.cfg.Backoff.Delay(attempt)
	s.logger.Info("supervisor: restarting child", "child", c.name, "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	stopTimeout := s.cfg.GracefulTimeout
	if s.cfg.ShutdownPolicy == Immediate {
		stopTimeout = 0
	}
	if c.act.State() != actor.Terminated && c.act.State() != actor.Failed {
		_ = c.act.Stop(ctx, stopTimeout)
	}
	if err := c.act.NotifyRestart(ctx, attempt); err != nil {
		s.logger.Warn("supervisor: on_restart hook failed", "child", c.name, "error", err)
	}
	if err := c.act.Start(ctx); err != nil {
		s.logger.Error("supervisor: restart failed", "child", c.name, "error", err)
	}
}

// Shutdown stops every child per the configured ShutdownPolicy, in reverse
// registration order.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.StopHousekeeping()

	s.mu.Lock()
	children := append([]*child(nil), s.children...)
	s.mu.Unlock()

	timeout := s.cfg.GracefulTimeout
	if s.cfg.ShutdownPolicy == Immediate {
		timeout = 0
	}

	var firstErr error
	for i := len(children) - 1; i >= 0; i-- {
		c := children[i]
		if c.act.State() == actor.Terminated {
			continue
		}
		if err := c.act.Stop(ctx, timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// errNotFound is returned by lookups against an unregistered child name.
var errNotFound = errors.New("supervisor: child not found")

// Child returns the named child's actor.
func (s *Supervisor) Child(name string) (*actor.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byName[name]
	if !ok {
		return nil, errNotFound
	}
	return c.act, nil
}
