// Package actor implements the component actor (spec C10): the integrator
// that wires the capability model (C1), checker (C8, via the C12
// internal/hostapi facade), rate limiter (C3), quota tracker (C4), and WASM
// runtime holder (C9) into one supervised-child state machine plus
// message-handling pipeline. Modeled on the teacher's posture throughout
// internal/bus and internal/policy: lifecycle hooks never panic past their
// caller, and every external-facing call carries its own timeout.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/wasmguard/internal/capability"
	"github.com/basket/wasmguard/internal/checker"
	"github.com/basket/wasmguard/internal/codec"
	"github.com/basket/wasmguard/internal/hostapi"
	"github.com/basket/wasmguard/internal/quota"
	"github.com/basket/wasmguard/internal/ratelimit"
	"github.com/basket/wasmguard/internal/sandbox/wasm"
)

// State is the actor's lifecycle state, per spec §4.10. Transitions only
// move forward; Failed is reachable from any non-terminal state, and
// Terminated/Failed are themselves terminal.
type State int

const (
	Creating State = iota
	Starting
	Ready
	Stopping
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func isTerminal(s State) bool { return s == Terminated || s == Failed }

// validTransition reports whether from->to is a legal forward move.
func validTransition(from, to State) bool {
	if isTerminal(from) {
		return false
	}
	if to == Failed {
		return true
	}
	switch from {
	case Creating:
		return to == Starting
	case Starting:
		return to == Ready
	case Ready:
		return to == Stopping
	case Stopping:
		return to == Terminated
	default:
		return false
	}
}

// DefaultMaxMessageSize is the default cap on a message payload (spec
// §4.10: "default 1 MiB").
const DefaultMaxMessageSize = 1 << 20

// DefaultMaxQueueDepth bounds the in-flight mailbox before backpressure
// kicks in.
const DefaultMaxQueueDepth = 64

// DefaultHandleTimeout bounds a single handle-message dispatch.
const DefaultHandleTimeout = 5 * time.Second

// MessageKind distinguishes the message variants of spec §4.10.
type MessageKind int

const (
	KindInterComponent MessageKind = iota
	KindInterComponentWithCorrelation
	KindInvoke
	KindShutdown
	KindHealthCheck
	KindResponse
)

// Message is one unit of inbound traffic to an actor.
type Message struct {
	Kind          MessageKind
	Sender        capability.ComponentId
	Recipient     capability.ComponentId
	Payload       []byte
	CorrelationId string
}

// Pipeline errors, per spec §4.10.
type ComponentNotReadyError struct{ State State }

func (e *ComponentNotReadyError) Error() string {
	return fmt.Sprintf("component not ready: state=%s", e.State)
}

type CapabilityDeniedError struct{ Sender capability.ComponentId }

func (e *CapabilityDeniedError) Error() string {
	return fmt.Sprintf("capability denied: sender %s not authorized to send", e.Sender)
}

type PayloadTooLargeError struct{ Size, Max int }

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload too large: %d bytes exceeds max %d", e.Size, e.Max)
}

type RateLimitExceededError struct {
	Sender string
	Limit  int64
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for sender %s (limit %d)", e.Sender, e.Limit)
}

type BackpressureAppliedError struct{ Depth, Max int32 }

func (e *BackpressureAppliedError) Error() string {
	return fmt.Sprintf("backpressure applied: mailbox depth %d >= max %d", e.Depth, e.Max)
}

// InvokeNotSupportedError reports the transitional rejection of Invoke
// messages, per spec §9 open questions.
type InvokeNotSupportedError struct{}

func (e *InvokeNotSupportedError) Error() string { return "invoke is not yet supported" }

// HookFunc is a synchronous lifecycle hook. A panic inside one is recovered
// and surfaced as an error (the Go analogue of spec's `HookResult::Error`)
// rather than unwinding past the actor.
type HookFunc func(ctx context.Context) error

// MessageHookFunc is the on_message_received hook shape.
type MessageHookFunc func(ctx context.Context, msg Message) error

// ErrorHookFunc is the on_error hook shape.
type ErrorHookFunc func(ctx context.Context, cause error) error

// RestartHookFunc is the on_restart hook shape.
type RestartHookFunc func(ctx context.Context, attempt int) error

// Hooks bundles the seven lifecycle callbacks of spec §4.10. Any field may
// be nil.
type Hooks struct {
	PreStart          HookFunc
	PostStart         HookFunc
	PreStop           HookFunc
	PostStop          HookFunc
	OnMessageReceived MessageHookFunc
	OnError           ErrorHookFunc
	OnRestart         RestartHookFunc
}

// EventCallbacks are optional fire-and-forget observers: they run in their
// own goroutine and their return value (if any) is discarded.
type EventCallbacks struct {
	OnLatency      func(d time.Duration)
	OnRestart      func(attempt int)
	OnHealthChange func(status HealthResult)
}

func fireAndForget(fn func()) {
	if fn == nil {
		return
	}
	go func() {
		defer func() { _ = recover() }()
		fn()
	}()
}

func callHook(ctx context.Context, name string, fn HookFunc) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

// HealthResult is the outcome of health_check(), per spec §4.10's state
// mapping.
type HealthResult struct {
	Status string // "healthy" | "degraded" | "failed"
	Reason string
}

// healthStatusToWire maps HealthResult's actor-local vocabulary ("failed")
// onto codec.HealthStatus's wire vocabulary ("unhealthy"), per spec §6.
func healthStatusToWire(res HealthResult) codec.HealthStatus {
	status := res.Status
	if status == "failed" {
		status = codec.StatusUnhealthy
	}
	return codec.HealthStatus{Status: status, Reason: res.Reason}
}

// Loader retrieves a component's raw WASM bytes. Storage of component
// bytes is explicitly out of scope for this core (spec's Non-goals), so
// the actor takes this as an injected function rather than owning any
// storage concern itself.
type Loader func(ctx context.Context) ([]byte, error)

// Config constructs one Actor.
type Config struct {
	SecurityContext *capability.SecurityContext
	Checker         *checker.Checker
	RateLimiter     *ratelimit.Limiter
	Quota           *quota.Tracker
	Loader          Loader
	Logger          *slog.Logger

	MaxMessageSize int
	MaxQueueDepth  int32
	HandleTimeout  time.Duration
	AuditEnabled   bool
	Backpressure   bool

	Hooks  Hooks
	Events EventCallbacks
}

// Metrics tallies message outcomes for this actor.
type Metrics struct {
	Received int64
	Timeouts int64
	Errors   int64
}

// Actor is the C10 integrator: one component's supervised-child state
// machine plus message pipeline.
type Actor struct {
	mu            sync.RWMutex
	state         State
	failureReason string

	id      capability.ComponentId
	secCtx  *capability.SecurityContext
	hostapi *hostapi.Facade
	limiter *ratelimit.Limiter
	quota   *quota.Tracker
	loader  Loader
	logger  *slog.Logger

	runtime *wasm.Runtime

	maxMessageSize int
	maxQueueDepth  int32
	queueDepth     atomic.Int32
	handleTimeout  time.Duration
	auditEnabled   bool
	backpressure   bool

	hooks  Hooks
	events EventCallbacks

	startedAt time.Time

	received atomic.Int64
	timeouts atomic.Int64
	errors   atomic.Int64
}

// New builds an Actor in the Creating state. Start must be called before
// any message is handled.
func New(cfg Config) (*Actor, error) {
	if cfg.SecurityContext == nil {
		return nil, errors.New("actor: SecurityContext is required")
	}
	if cfg.Checker == nil {
		return nil, errors.New("actor: Checker is required")
	}
	if cfg.Loader == nil {
		return nil, errors.New("actor: Loader is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxMsg := cfg.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = DefaultMaxMessageSize
	}
	maxQueue := cfg.MaxQueueDepth
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueueDepth
	}
	timeout := cfg.HandleTimeout
	if timeout <= 0 {
		timeout = DefaultHandleTimeout
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultLimit)
	}

	return &Actor{
		state:          Creating,
		id:             cfg.SecurityContext.Metadata.Id,
		secCtx:         cfg.SecurityContext,
		hostapi:        hostapi.NewFacade(cfg.Checker),
		limiter:        limiter,
		quota:          cfg.Quota,
		loader:         cfg.Loader,
		logger:         logger,
		maxMessageSize: maxMsg,
		maxQueueDepth:  maxQueue,
		handleTimeout:  timeout,
		auditEnabled:   cfg.AuditEnabled,
		backpressure:   cfg.Backpressure,
		hooks:          cfg.Hooks,
		events:         cfg.Events,
	}, nil
}

// State returns the actor's current lifecycle state.
func (a *Actor) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Actor) transition(to State, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !validTransition(a.state, to) {
		return fmt.Errorf("actor %s: illegal transition %s -> %s", a.id, a.state, to)
	}
	a.state = to
	if to == Failed {
		a.failureReason = reason
	}
	return nil
}

func (a *Actor) fail(ctx context.Context, cause error) error {
	_ = a.transition(Failed, cause.Error())
	if hookErr := callHook(ctx, "on_error", func(ctx context.Context) error {
		if a.hooks.OnError == nil {
			return nil
		}
		return a.hooks.OnError(ctx, cause)
	}); hookErr != nil {
		a.logger.Warn("actor: on_error hook failed", "component", a.id, "error", hookErr)
	}
	a.errors.Add(1)
	return cause
}

// Start runs the supervised-child start sequence of spec §4.10: Creating ->
// Starting, pre-start hook, component byte load, engine/compile/instantiate
// via the WASM runtime holder (C9), optional `_start`, then -> Ready. Any
// failure transitions to Failed(reason) with an error classified by stage.
func (a *Actor) Start(ctx context.Context) error {
	if err := a.transition(Starting, ""); err != nil {
		return err
	}
	if err := callHook(ctx, "pre_start", a.hooks.PreStart); err != nil {
		return a.fail(ctx, fmt.Errorf("pre_start hook: %w", err))
	}

	wasmBytes, err := a.loader(ctx)
	if err != nil {
		return a.fail(ctx, fmt.Errorf("loading component bytes: %w", err))
	}

	rt, err := wasm.New(a.id, a.secCtx.Limits(), a.logger)
	if err != nil {
		return a.fail(ctx, err)
	}
	if err := rt.Load(ctx, wasmBytes); err != nil {
		return a.fail(ctx, err)
	}
	if err := rt.Instantiate(ctx); err != nil {
		return a.fail(ctx, err)
	}
	if err := rt.CallStart(ctx); err != nil {
		return a.fail(ctx, err)
	}

	if err := a.hostapi.RegisterComponent(a.secCtx); err != nil {
		return a.fail(ctx, fmt.Errorf("registering with capability checker: %w", err))
	}

	a.mu.Lock()
	a.runtime = rt
	a.startedAt = time.Now()
	a.mu.Unlock()

	if err := a.transition(Ready, ""); err != nil {
		return a.fail(ctx, err)
	}
	if err := callHook(ctx, "post_start", a.hooks.PostStart); err != nil {
		a.logger.Warn("actor: post_start hook failed", "component", a.id, "error", err)
	}
	return nil
}

// Stop runs the graceful stop sequence: Ready -> Stopping, optional
// `_cleanup` under timeout (non-fatal), guaranteed runtime release, then ->
// Terminated.
func (a *Actor) Stop(ctx context.Context, timeout time.Duration) error {
	if err := a.transition(Stopping, ""); err != nil {
		return err
	}
	if err := callHook(ctx, "pre_stop", a.hooks.PreStop); err != nil {
		a.logger.Warn("actor: pre_stop hook failed", "component", a.id, "error", err)
	}

	a.mu.RLock()
	rt := a.runtime
	started := a.startedAt
	a.mu.RUnlock()

	if rt != nil {
		rt.Stop(ctx, timeout)
		_ = rt.Close(ctx)
	}
	if err := a.hostapi.UnregisterComponent(a.id); err != nil {
		a.logger.Debug("actor: unregister on stop", "component", a.id, "error", err)
	}

	if err := callHook(ctx, "post_stop", a.hooks.PostStop); err != nil {
		a.logger.Warn("actor: post_stop hook failed", "component", a.id, "error", err)
	}

	if err := a.transition(Terminated, ""); err != nil {
		return err
	}
	a.logger.Info("actor stopped", "component", a.id, "uptime", time.Since(started))
	return nil
}

// HealthCheck maps the actor's state onto spec §4.10's health result,
// bounded by 1 second.
func (a *Actor) HealthCheck(ctx context.Context) HealthResult {
	a.mu.RLock()
	state := a.state
	reason := a.failureReason
	rt := a.runtime
	a.mu.RUnlock()

	var result HealthResult
	switch state {
	case Failed:
		result = HealthResult{Status: "failed", Reason: reason}
	case Terminated:
		result = HealthResult{Status: "failed", Reason: "terminated"}
	case Creating, Starting:
		result = HealthResult{Status: "degraded", Reason: "starting"}
	case Stopping:
		result = HealthResult{Status: "degraded", Reason: "stopping"}
	case Ready:
		if rt == nil {
			result = HealthResult{Status: "failed", Reason: "runtime not loaded"}
		} else {
			result = HealthResult{Status: "healthy"}
		}
	default:
		result = HealthResult{Status: "failed", Reason: "runtime not loaded"}
	}
	fireAndForget(func() {
		if a.events.OnHealthChange != nil {
			a.events.OnHealthChange(result)
		}
	})
	return result
}

// Metrics returns a snapshot of this actor's message counters.
func (a *Actor) Metrics() Metrics {
	return Metrics{
		Received: a.received.Load(),
		Timeouts: a.timeouts.Load(),
		Errors:   a.errors.Load(),
	}
}

// Quota returns this actor's own per-component quota tracker, or nil if
// none was configured. Used by the supervisor's housekeeping sweep to evict
// idle quota state without the supervisor needing its own shared tracker.
func (a *Actor) Quota() *quota.Tracker {
	return a.quota
}

// NotifyRestart invokes the on_restart hook and fires the (optional)
// restart event callback. Called by the supervisor (C11) immediately
// before re-running Start on a restarted actor.
func (a *Actor) NotifyRestart(ctx context.Context, attempt int) error {
	fireAndForget(func() {
		if a.events.OnRestart != nil {
			a.events.OnRestart(attempt)
		}
	})
	if a.hooks.OnRestart == nil {
		return nil
	}
	defer func() { _ = recover() }()
	return a.hooks.OnRestart(ctx, attempt)
}

// HandleMessage runs the full message-handling pipeline of spec §4.10.
func (a *Actor) HandleMessage(ctx context.Context, msg Message) (*Message, error) {
	start := time.Now()
	defer func() {
		fireAndForget(func() {
			if a.events.OnLatency != nil {
				a.events.OnLatency(time.Since(start))
			}
		})
	}()

	if err := callHook(ctx, "on_message_received", func(ctx context.Context) error {
		if a.hooks.OnMessageReceived == nil {
			return nil
		}
		return a.hooks.OnMessageReceived(ctx, msg)
	}); err != nil {
		a.logger.Warn("actor: on_message_received hook failed", "component", a.id, "error", err)
	}

	switch msg.Kind {
	case KindShutdown:
		_ = a.transition(Stopping, "")
		return nil, nil
	case KindHealthCheck:
		res := a.HealthCheck(ctx)
		envelope, err := codec.EncodeHealth(codec.TagBinary, healthStatusToWire(res))
		if err != nil {
			return nil, a.trackError(ctx, err, msg)
		}
		return &Message{Kind: KindResponse, Payload: envelope}, nil
	case KindInvoke:
		return nil, &InvokeNotSupportedError{}
	case KindResponse:
		a.logger.Debug("actor: response message received, logged only", "component", a.id, "correlation", msg.CorrelationId)
		return nil, nil
	}

	// InterComponent / InterComponentWithCorrelation pipeline.
	a.received.Add(1)

	if a.State() != Ready {
		return nil, a.trackError(ctx, &ComponentNotReadyError{State: a.State()}, msg)
	}
	if !a.secCtx.Set.AllowsReceivingFrom(string(msg.Sender)) {
		return nil, a.trackError(ctx, &CapabilityDeniedError{Sender: msg.Sender}, msg)
	}
	if len(msg.Payload) > a.maxMessageSize {
		return nil, a.trackError(ctx, &PayloadTooLargeError{Size: len(msg.Payload), Max: a.maxMessageSize}, msg)
	}
	if !a.limiter.Allow(string(msg.Sender)) {
		return nil, a.trackError(ctx, &RateLimitExceededError{Sender: string(msg.Sender), Limit: ratelimit.DefaultLimit}, msg)
	}
	if a.quota != nil {
		if err := a.quota.ConsumeRate(1); err != nil {
			return nil, a.trackError(ctx, err, msg)
		}
		if err := a.quota.ConsumeBandwidth(uint64(len(msg.Payload))); err != nil {
			return nil, a.trackError(ctx, err, msg)
		}
	}
	if a.auditEnabled {
		a.logger.Info("actor: message admitted", "component", a.id, "sender", msg.Sender, "size", len(msg.Payload))
	}
	if a.backpressure {
		depth := a.queueDepth.Add(1)
		if depth > a.maxQueueDepth {
			a.queueDepth.Add(-1)
			return nil, a.trackError(ctx, &BackpressureAppliedError{Depth: depth, Max: a.maxQueueDepth}, msg)
		}
		defer a.queueDepth.Add(-1)
	}

	a.mu.RLock()
	rt := a.runtime
	a.mu.RUnlock()
	if rt == nil {
		return nil, a.trackError(ctx, &ComponentNotReadyError{State: a.State()}, msg)
	}

	respBytes, err := rt.HandleMessage(ctx, msg.Payload, a.handleTimeout)
	if err != nil {
		var timeoutErr *wasm.ExecutionTimeoutError
		if errors.As(err, &timeoutErr) {
			a.timeouts.Add(1)
		} else {
			a.errors.Add(1)
		}
		return nil, err
	}
	return &Message{Kind: KindResponse, Recipient: msg.Sender, Payload: respBytes, CorrelationId: msg.CorrelationId}, nil
}

func (a *Actor) trackError(ctx context.Context, err error, msg Message) error {
	a.errors.Add(1)
	if hookErr := callHook(ctx, "on_error", func(ctx context.Context) error {
		if a.hooks.OnError == nil {
			return nil
		}
		return a.hooks.OnError(ctx, err)
	}); hookErr != nil {
		a.logger.Warn("actor: on_error hook failed", "component", a.id, "error", hookErr)
	}
	return err
}
