// Package windowquota counts usage per key in fixed time windows and enforces
// limits on top of those counters.
//
// A Store implements a single atomic operation, Increment, on top of whatever
// primitive its backend offers (a mutex, a row lock, a server-side script or an
// optimistic transaction). The Enforcer consumes a Store and decides whether a
// request proceeds, proceeds with a warning, or is blocked.
package windowquota

import (
	"context"
	"time"
)

// Store is implemented by every quota backend.
type Store interface {
	// Increment adds req.Delta to the usage of req.Key in the current window
	// and returns the usage after the call.
	//
	// If the window has expired (or the key is new) usage restarts from zero
	// with a fresh expiry of now + req.Window. If req.Limit is set and the
	// usage already reached it, nothing is written and the returned value is
	// usage + req.Delta.
	Increment(ctx context.Context, req *IncrementRequest) (int, error)
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, req *IncrementRequest) (int, error)

// Increment implements Store.
func (f StoreFunc) Increment(ctx context.Context, req *IncrementRequest) (int, error) {
	return f(ctx, req)
}

// TimeSource is implemented by stores that can report the time of the storage
// engine, so windows are not skewed by application server clocks.
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}
