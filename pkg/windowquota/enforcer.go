package windowquota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options configures an Enforcer for requests of type R.
type Options[R any] struct {
	// Store keeps the counters (required).
	Store Store `validate:"required"`

	// Limit is the maximum usage allowed within one window. Usage equal to
	// the limit is still allowed.
	Limit int `validate:"gte=0"`

	// Window is the length of the fixed window.
	Window time.Duration `validate:"gte=1ms"`

	// Key derives the quota key. Defaults to DefaultKey for every request.
	Key KeySource[R]

	// LogOnly turns a breach into a warning; the request proceeds.
	LogOnly bool

	// FailOpen lets requests proceed when the store itself fails.
	// It never applies to a breach.
	FailOpen bool

	// Logger is used for warnings and store failures (default: NoopLogger).
	Logger Logger

	// Metrics records decisions (default: NoopMetrics).
	Metrics Metrics
}

// Verdict describes a request that is allowed to proceed.
type Verdict struct {
	Key      string
	Usage    int
	Limit    int
	Window   time.Duration
	Decision Decision

	// Err is the swallowed store error for DecisionFailedOpen.
	Err error
}

// Remaining returns how much of the limit is left, never negative.
func (v *Verdict) Remaining() int {
	if v.Usage >= v.Limit {
		return 0
	}
	return v.Limit - v.Usage
}

// Enforcer applies a quota to requests of type R.
type Enforcer[R any] struct {
	store    Store
	limit    int
	window   time.Duration
	key      KeySource[R]
	logOnly  bool
	failOpen bool
	logger   Logger
	metrics  Metrics
}

// NewEnforcer validates opts and returns an Enforcer.
func NewEnforcer[R any](opts Options[R]) (*Enforcer[R], error) {
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if opts.Logger == nil {
		opts.Logger = &NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &NoopMetrics{}
	}
	return &Enforcer[R]{
		store:    opts.Store,
		limit:    opts.Limit,
		window:   opts.Window,
		key:      opts.Key,
		logOnly:  opts.LogOnly,
		failOpen: opts.FailOpen,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Check consumes one unit of quota for req.
//
// It returns a *QuotaExceededError when the limit is breached (unless the
// enforcer is log-only) and an *InternalError when the store fails and the
// enforcer fails closed. Otherwise the request may proceed.
func (e *Enforcer[R]) Check(ctx context.Context, req R) (*Verdict, error) {
	key := e.key.Resolve(req)

	usage, err := e.store.Increment(ctx, &IncrementRequest{
		Key:    key,
		Delta:  1,
		Window: e.window,
		Limit:  Limit(e.limit),
	})
	if err != nil {
		return e.storeFailure(key, err)
	}

	verdict := &Verdict{
		Key:      key,
		Usage:    usage,
		Limit:    e.limit,
		Window:   e.window,
		Decision: DecisionAllowed,
	}
	if usage <= e.limit {
		e.metrics.RecordDecision(DecisionAllowed)
		return verdict, nil
	}

	exceeded := &QuotaExceededError{Key: key, Usage: usage, Limit: e.limit, Window: e.window}
	if !e.logOnly {
		e.metrics.RecordDecision(DecisionBlocked)
		return nil, exceeded
	}

	e.logger.Warn(exceeded.Error(),
		String("key", key),
		Int("usage", usage),
		Int("limit", e.limit),
		Field{Key: "windowMs", Value: e.window.Milliseconds()},
	)
	e.metrics.RecordDecision(DecisionWarned)
	verdict.Decision = DecisionWarned
	return verdict, nil
}

func (e *Enforcer[R]) storeFailure(key string, err error) (*Verdict, error) {
	// A verdict raised below us is not a failure.
	if _, ok := IsQuotaExceeded(err); ok {
		e.metrics.RecordDecision(DecisionBlocked)
		return nil, err
	}

	e.logger.Error("failed to check quota", String("key", key), Err(err))

	if e.failOpen {
		e.metrics.RecordDecision(DecisionFailedOpen)
		return &Verdict{
			Key:      key,
			Limit:    e.limit,
			Window:   e.window,
			Decision: DecisionFailedOpen,
			Err:      err,
		}, nil
	}

	e.metrics.RecordDecision(DecisionFailedClosed)
	var internal *InternalError
	if errors.As(err, &internal) {
		return nil, err
	}
	return nil, &InternalError{Key: key, Err: err}
}

// Handler processes a request of type R into a response of type S.
type Handler[R, S any] func(ctx context.Context, req R) (S, error)

// Middleware wraps a Handler.
type Middleware[R, S any] func(next Handler[R, S]) Handler[R, S]

// Enforce returns a Middleware that checks the quota before calling next.
// Blocked requests never reach next.
func Enforce[R, S any](e *Enforcer[R]) Middleware[R, S] {
	return func(next Handler[R, S]) Handler[R, S] {
		return func(ctx context.Context, req R) (S, error) {
			if _, err := e.Check(ctx, req); err != nil {
				var zero S
				return zero, err
			}
			return next(ctx, req)
		}
	}
}

// Chain applies middlewares to h; the first middleware runs first.
func Chain[R, S any](h Handler[R, S], middlewares ...Middleware[R, S]) Handler[R, S] {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
