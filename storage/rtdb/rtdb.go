// Package rtdb provides a Firebase Realtime Database implementation of
// windowquota.Store. Increments run as optimistic transactions: the update
// function may be called several times with fresh snapshots until the write
// is accepted.
package rtdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"firebase.google.com/go/v4/db"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// errNoWrite aborts a transaction that has nothing to persist.
var errNoWrite = errors.New("rtdb: no write required")

var keyReplacer = strings.NewReplacer(
	".", "_",
	"$", "_",
	"#", "_",
	"[", "_",
	"]", "_",
	"/", "_",
)

// SanitizeKey replaces characters that are not allowed in a database path
// segment with underscores.
func SanitizeKey(key string) string {
	return keyReplacer.Replace(key)
}

// Transactor runs an optimistic transaction on the node at path. An error
// returned by fn aborts the transaction and is returned unchanged.
// *db.Client satisfies it through ClientTransactor.
type Transactor interface {
	Transaction(ctx context.Context, path string, fn db.UpdateFn) error
}

// ClientTransactor runs transactions through a Realtime Database client.
type ClientTransactor struct {
	Client *db.Client
}

// Transaction implements Transactor.
func (c ClientTransactor) Transaction(ctx context.Context, path string, fn db.UpdateFn) error {
	return c.Client.NewRef(path).Transaction(ctx, fn)
}

var _ Transactor = ClientTransactor{}

// Config holds Realtime Database store configuration
type Config struct {
	// RootPath is the parent node of all counters (default: "quotas")
	RootPath string
}

// record is the JSON layout of one counter node.
type record struct {
	Count       int   `json:"count"`
	ExpiresAt   int64 `json:"expiresAt"`
	LastUpdated int64 `json:"lastUpdated"`
}

func (r *record) window(key string) *windowquota.WindowRecord {
	if r == nil {
		return nil
	}
	return &windowquota.WindowRecord{
		Key:         key,
		Count:       r.Count,
		ExpiresAt:   time.UnixMilli(r.ExpiresAt),
		LastUpdated: time.UnixMilli(r.LastUpdated),
	}
}

// Store implements windowquota.Store on the Firebase Realtime Database
type Store struct {
	tx   Transactor
	root string
	now  func() time.Time
}

// New creates a store on a Realtime Database client.
func New(client *db.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: database client is required", windowquota.ErrInvalidConfig)
	}
	return NewWithTransactor(ClientTransactor{Client: client}, config)
}

// NewWithTransactor creates a store on any Transactor.
func NewWithTransactor(tx Transactor, config Config) (*Store, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: transactor is required", windowquota.ErrInvalidConfig)
	}
	root := strings.Trim(config.RootPath, "/")
	if root == "" {
		root = "quotas"
	}
	return &Store{tx: tx, root: root, now: time.Now}, nil
}

// Path returns the database path that holds the counter for key.
func (s *Store) Path(key string) string {
	return s.root + "/" + SanitizeKey(key)
}

// Increment implements windowquota.Store
func (s *Store) Increment(ctx context.Context, req *windowquota.IncrementRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	// The database may call the update function more than once. last is the
	// most recent snapshot it saw and written the record it last returned.
	var last, written *record
	err := s.tx.Transaction(ctx, s.Path(req.Key), func(tn db.TransactionNode) (interface{}, error) {
		var current *record
		if err := tn.Unmarshal(&current); err != nil {
			return nil, fmt.Errorf("failed to decode quota: %w", err)
		}
		last = current

		now := s.now()
		out := windowquota.Resolve(current.window(req.Key), req, now)
		if !out.Write {
			return nil, errNoWrite
		}
		written = &record{
			Count:       out.Record.Count,
			ExpiresAt:   out.Record.ExpiresAt.UnixMilli(),
			LastUpdated: now.UnixMilli(),
		}
		return written, nil
	})

	if errors.Is(err, errNoWrite) {
		// The snapshot may have expired between the update function and now.
		usage := 0
		if last.window(req.Key).Active(s.now()) {
			usage = last.Count
		}
		return usage + req.Delta, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment quota: %w", err)
	}
	if written == nil {
		return 0, errors.New("failed to increment quota: transaction committed without an update")
	}
	return written.Count, nil
}
