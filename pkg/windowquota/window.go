package windowquota

import (
	"fmt"
	"time"
)

// WindowRecord is the persisted state of one quota key.
type WindowRecord struct {
	Key         string
	Count       int
	ExpiresAt   time.Time
	LastUpdated time.Time
}

// Active reports whether the window is still accumulating usage at now.
// A window whose expiry equals now is already expired.
func (r *WindowRecord) Active(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// IncrementRequest describes a single call to Store.Increment.
type IncrementRequest struct {
	// Key identifies the counter (e.g. "global", "user:123").
	Key string

	// Delta is added to the usage. Zero turns the call into a pure read.
	Delta int

	// Window is the length of a fixed window, starting at the first write.
	Window time.Duration

	// Limit is optional. When set and the current usage already reached it,
	// the store returns the would-be usage without writing.
	Limit *int
}

// Limit returns a pointer to n for use as IncrementRequest.Limit.
func Limit(n int) *int {
	return &n
}

// Validate checks the request before any backend is touched.
func (r *IncrementRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidKey)
	}
	if r.Key == "" {
		return ErrInvalidKey
	}
	if r.Delta < 0 {
		return fmt.Errorf("%w: delta %d", ErrInvalidAmount, r.Delta)
	}
	if r.Window < time.Millisecond {
		return fmt.Errorf("%w: %s", ErrInvalidWindow, r.Window)
	}
	if r.Limit != nil && *r.Limit < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, *r.Limit)
	}
	return nil
}

// Outcome is the result of applying an IncrementRequest to the current record.
type Outcome struct {
	// Usage is returned to the caller. When Write is false it may be a value
	// that was never stored.
	Usage int

	// Record is the state to persist. Nil when Write is false.
	Record *WindowRecord

	// Write reports whether the backend must store Record.
	Write bool

	// Limited is set when the limit short-circuit applied.
	Limited bool
}

// Resolve computes the outcome of req against rec (nil when the key has no
// record) at now. It has no side effects, so transactional backends may call
// it once per attempt.
func Resolve(rec *WindowRecord, req *IncrementRequest, now time.Time) Outcome {
	usage := 0
	expiresAt := now.Add(req.Window)
	if rec.Active(now) {
		usage = rec.Count
		expiresAt = rec.ExpiresAt
	}

	if req.Limit != nil && usage >= *req.Limit {
		return Outcome{Usage: usage + req.Delta, Limited: true}
	}

	// A read must not open a window on an absent key.
	if req.Delta == 0 {
		return Outcome{Usage: usage}
	}

	usage += req.Delta
	return Outcome{
		Usage: usage,
		Write: true,
		Record: &WindowRecord{
			Key:         req.Key,
			Count:       usage,
			ExpiresAt:   expiresAt,
			LastUpdated: now,
		},
	}
}
