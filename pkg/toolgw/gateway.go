package toolgw

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/convoctl/pkg/telemetry"
)

// RetryConfig bounds the gateway's local retry of retryable failures. The
// delay for attempt n is min(Base * Multiplier^n + jitter, MaxDelay).
type RetryConfig struct {
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

// DefaultRetry mirrors the tuning the voice stack ships with. None of these
// constants are empirically validated; they are configuration, not law.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		Base:        time.Second,
		Multiplier:  2,
		MaxDelay:    25 * time.Second,
		Jitter:      250 * time.Millisecond,
		MaxAttempts: 4,
	}
}

// Dependencies wires a Gateway.
type Dependencies struct {
	Registry *Registry
	Limiter  *Limiter
	Store    InvocationStore
	Timeouts map[TimeoutClass]time.Duration
	Retry    RetryConfig
	Logger   *slog.Logger
	Sink     *telemetry.Sink
	Now      func() time.Time
}

// Gateway validates, authorizes, rate-limits, and executes tool invocations
// with idempotency and bounded retry.
type Gateway struct {
	registry *Registry
	limiter  *Limiter
	store    InvocationStore
	timeouts map[TimeoutClass]time.Duration
	retry    RetryConfig
	logger   *slog.Logger
	sink     *telemetry.Sink
	now      func() time.Time
}

func New(deps Dependencies) (*Gateway, error) {
	if deps.Registry == nil {
		return nil, errors.New("toolgw: registry is required")
	}
	if deps.Store == nil {
		return nil, errors.New("toolgw: invocation store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Timeouts == nil {
		deps.Timeouts = DefaultTimeouts()
	}
	if deps.Retry.MaxAttempts <= 0 {
		deps.Retry = DefaultRetry()
	}
	if deps.Retry.Multiplier < 1 {
		deps.Retry.Multiplier = 2
	}
	return &Gateway{
		registry: deps.Registry,
		limiter:  deps.Limiter,
		store:    deps.Store,
		timeouts: deps.Timeouts,
		retry:    deps.Retry,
		logger:   deps.Logger,
		sink:     deps.Sink,
		now:      deps.Now,
	}, nil
}

// Lookup exposes the registry to callers that need a tool's declared
// properties, e.g. whether an in-flight invocation should be cancelled on
// interruption.
func (g *Gateway) Lookup(name, version string) (Tool, bool) {
	return g.registry.Lookup(name, version)
}

// Invoke runs the full pipeline for one invocation. The returned Invocation
// is the final record (also persisted through the store); a non-nil *Error
// explains the rejection. Cancellation arrives through ctx and is surfaced as
// KindCancelled, never swallowed.
func (g *Gateway) Invoke(ctx context.Context, inv Invocation, permissions []string) (Invocation, *Error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = g.now()
	}
	inv.ParamsHash = HashParams(inv.Params)
	inv.Status = StatusPending

	// Stage 1: existence.
	tool, ok := g.registry.Lookup(inv.Tool, inv.Version)
	if !ok {
		return g.reject(ctx, inv, gwErr(KindUnknownTool, "tool %s@%s is not registered", inv.Tool, inv.Version))
	}

	// Stage 2: authorization. Deterministic superset check, never delegated.
	if missing := missingPermissions(tool.RequiredPermissions, permissions); len(missing) > 0 {
		inv.AuthzDecision = "denied"
		return g.reject(ctx, inv, gwErr(KindAuthorization, "missing permissions %v for tool %s", missing, inv.Tool))
	}
	inv.AuthzDecision = "granted"

	// Stage 3: parameter schema.
	if err := tool.Params.Validate(inv.Params); err != nil {
		return g.reject(ctx, inv, &Error{Kind: KindValidation, Message: "invalid parameters for " + inv.Tool, Err: err})
	}

	// Stage 4: business rules.
	if tool.Rule != nil {
		if err := tool.Rule(inv.Params); err != nil {
			return g.reject(ctx, inv, &Error{Kind: KindBusinessRuleViolation, Message: "business rule rejected " + inv.Tool, Err: err})
		}
	}

	final, gerr := g.invokeWithRetry(ctx, tool, &inv, permissions)
	if gerr != nil {
		return g.reject(ctx, inv, gerr)
	}
	return final, nil
}

// invokeWithRetry runs stages 5-8; timeout, rate-limit, and transient-network
// failures are retried with exponential backoff and jitter up to the attempt
// cap, then surfaced as terminal.
func (g *Gateway) invokeWithRetry(ctx context.Context, tool Tool, inv *Invocation, permissions []string) (Invocation, *Error) {
	attempt := -1
	base := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		d := time.Duration(float64(g.retry.Base) * pow(g.retry.Multiplier, attempt))
		if g.retry.MaxDelay > 0 && d > g.retry.MaxDelay {
			d = g.retry.MaxDelay
		}
		return d, false
	})
	var backoff retry.Backoff = base
	if g.retry.Jitter > 0 {
		backoff = retry.WithJitter(g.retry.Jitter, backoff)
	}
	if g.retry.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(g.retry.MaxDelay, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(g.retry.MaxAttempts-1), backoff)

	var out Invocation
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rec, gerr := g.attempt(ctx, tool, inv, permissions)
		if gerr != nil {
			if gerr.Retryable() {
				return retry.RetryableError(gerr)
			}
			return gerr
		}
		out = rec
		return nil
	})
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			return Invocation{}, ge
		}
		if errors.Is(err, context.Canceled) {
			return Invocation{}, &Error{Kind: KindCancelled, Message: "invocation cancelled", Err: err}
		}
		return Invocation{}, &Error{Kind: KindExecution, Message: "invocation failed", Err: err}
	}
	return out, nil
}

// attempt runs stages 5-8 once.
func (g *Gateway) attempt(ctx context.Context, tool Tool, inv *Invocation, _ []string) (Invocation, *Error) {
	started := g.now()
	defer func() {
		g.emit(*inv, started)
	}()

	// Stage 5: hierarchical rate limit, tightest bucket wins.
	if g.limiter != nil {
		decision := g.limiter.Allow(inv.IdempotencyKey, inv.SessionID, inv.TenantID, g.now())
		if !decision.Allowed {
			return Invocation{}, &Error{
				Kind:       KindRateLimited,
				Message:    "rate limited at " + decision.Scope + " scope",
				RetryAfter: decision.RetryAfter,
			}
		}
	}

	// Stage 6: idempotency. A prior success with a matching hash is returned
	// without re-executing; a prior record under the same key with a
	// different hash is a conflict, never an overwrite.
	if prior, err := g.store.Get(ctx, inv.IdempotencyKey); err == nil {
		if prior.ParamsHash != inv.ParamsHash {
			return Invocation{}, gwErr(KindIdempotencyConflict, "idempotency key %q reused with different parameters", inv.IdempotencyKey)
		}
		if prior.Status == StatusSucceeded {
			g.logger.Debug("idempotent replay", "tool", inv.Tool, "idempotency_key", inv.IdempotencyKey)
			return prior, nil
		}
	} else if !errors.Is(err, ErrRecordNotFound) {
		return Invocation{}, &Error{Kind: KindTransientNetwork, Message: "idempotency lookup failed", Err: err}
	}

	// Stage 7: execution under the class deadline.
	inv.Attempts++
	timeout := g.timeouts[tool.Class]
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	result, execErr := tool.Execute(execCtx, inv.Params)
	cancel()
	if execErr != nil {
		return Invocation{}, g.classifyExecError(ctx, tool, inv, execErr)
	}

	// Stage 8: result schema. Malformed output becomes an error, never
	// forwarded to the caller.
	if err := tool.Result.Validate(result); err != nil {
		return Invocation{}, &Error{Kind: KindExecution, Message: "tool result failed schema validation", Err: err}
	}

	rec := *inv
	rec.Status = StatusSucceeded
	rec.Result = result
	rec.CompletedAt = g.now()
	if err := g.store.Put(ctx, rec); err != nil {
		if errors.Is(err, ErrHashMismatch) {
			return Invocation{}, gwErr(KindIdempotencyConflict, "idempotency key %q reused with different parameters", inv.IdempotencyKey)
		}
		return Invocation{}, &Error{Kind: KindTransientNetwork, Message: "failed to persist invocation record", Err: err}
	}
	*inv = rec
	g.logger.Info("tool invocation succeeded",
		"tool", inv.Tool,
		"version", inv.Version,
		"idempotency_key", inv.IdempotencyKey,
		"attempts", inv.Attempts,
	)
	return rec, nil
}

func (g *Gateway) classifyExecError(ctx context.Context, tool Tool, inv *Invocation, execErr error) *Error {
	switch {
	case errors.Is(execErr, context.Canceled) || ctx.Err() == context.Canceled:
		// The owning turn was interrupted or the session ended. Run cleanup
		// and surface the cancellation; it is never silent.
		if tool.Cleanup != nil {
			tool.Cleanup(context.WithoutCancel(ctx))
		}
		inv.Status = StatusCancelled
		inv.CompletedAt = g.now()
		g.logger.Info("tool invocation cancelled",
			"tool", inv.Tool,
			"idempotency_key", inv.IdempotencyKey,
			"cancel_on_interruption", tool.CancelOnInterruption,
		)
		return &Error{Kind: KindCancelled, Message: "invocation cancelled", Err: execErr}
	case errors.Is(execErr, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "tool execution exceeded its deadline", Err: execErr}
	default:
		var ge *Error
		if errors.As(execErr, &ge) {
			return ge
		}
		return &Error{Kind: KindExecution, Message: "tool execution failed", Err: execErr}
	}
}

// reject finalizes a failed invocation record and returns the rejection.
func (g *Gateway) reject(ctx context.Context, inv Invocation, gerr *Error) (Invocation, *Error) {
	if gerr.Kind == KindCancelled {
		inv.Status = StatusCancelled
	} else {
		inv.Status = StatusFailed
	}
	inv.ErrorKind = gerr.Kind
	inv.CompletedAt = g.now()
	// Conflicts are deliberately not written back: the existing record wins.
	if gerr.Kind != KindIdempotencyConflict && inv.IdempotencyKey != "" {
		if err := g.store.Put(context.WithoutCancel(ctx), inv); err != nil {
			g.logger.Warn("failed to persist rejected invocation", "tool", inv.Tool, "error", err)
		}
	}
	g.logger.Warn("tool invocation rejected",
		"tool", inv.Tool,
		"version", inv.Version,
		"kind", string(gerr.Kind),
		"idempotency_key", inv.IdempotencyKey,
	)
	return inv, gerr
}

func (g *Gateway) emit(inv Invocation, started time.Time) {
	if g.sink == nil {
		return
	}
	g.sink.Emit(telemetry.Record{
		Kind:      telemetry.KindToolInvocation,
		SessionID: inv.SessionID,
		Tool:      inv.Tool,
		Status:    string(inv.Status),
		LatencyMS: g.now().Sub(started).Milliseconds(),
	})
}

func missingPermissions(required, granted []string) []string {
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		have[p] = struct{}{}
	}
	var missing []string
	for _, p := range required {
		if _, ok := have[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
