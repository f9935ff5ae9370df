package windowquota

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrQuotaExceeded matches every *QuotaExceededError.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidConfig is returned for malformed enforcer or backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidKey is returned for an empty or unusable quota key.
	ErrInvalidKey = errors.New("invalid quota key")

	// ErrInvalidAmount is returned for negative amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidWindow is returned for windows shorter than a millisecond.
	ErrInvalidWindow = errors.New("invalid window")

	// ErrInvalidLimit is returned for negative limits.
	ErrInvalidLimit = errors.New("invalid limit")
)

// QuotaExceededError is the verdict that usage went past the limit.
type QuotaExceededError struct {
	Key    string
	Usage  int
	Limit  int
	Window time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for key '%s': usage %d/%d in %dms",
		e.Key, e.Usage, e.Limit, e.Window.Milliseconds())
}

// Is makes errors.Is(err, ErrQuotaExceeded) hold.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// GRPCStatus maps the error to RESOURCE_EXHAUSTED with a QuotaFailure detail.
func (e *QuotaExceededError) GRPCStatus() *status.Status {
	st := status.New(codes.ResourceExhausted, e.Error())
	detailed, err := st.WithDetails(&errdetails.QuotaFailure{
		Violations: []*errdetails.QuotaFailure_Violation{{
			Subject:     e.Key,
			Description: fmt.Sprintf("%d/%d in %dms", e.Usage, e.Limit, e.Window.Milliseconds()),
		}},
	})
	if err != nil {
		return st
	}
	return detailed
}

// InternalError wraps a store failure when the enforcer fails closed.
type InternalError struct {
	Key string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("failed to check quota for '%s': %v", e.Key, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// GRPCStatus maps the error to INTERNAL.
func (e *InternalError) GRPCStatus() *status.Status {
	return status.New(codes.Internal, e.Error())
}

// IsQuotaExceeded reports whether err carries a quota verdict and returns it.
func IsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var exceeded *QuotaExceededError
	if errors.As(err, &exceeded) {
		return exceeded, true
	}
	return nil, false
}

// isRequestError reports whether err comes from request validation rather
// than from the backend.
func isRequestError(err error) bool {
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrInvalidLimit) ||
		errors.Is(err, ErrInvalidConfig)
}
