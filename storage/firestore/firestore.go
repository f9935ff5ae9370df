// Package firestore provides a Firestore implementation of windowquota.Store.
// Each increment runs in a Firestore transaction, which retries on contention.
package firestore

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// maxDocumentIDLength is the Firestore limit for document IDs in bytes.
const maxDocumentIDLength = 1500

var reservedIDPattern = regexp.MustCompile(`^__.*__$`)

// Store implements windowquota.Store using Google Cloud Firestore
type Store struct {
	client     *firestore.Client
	collection string
}

// Config holds Firestore store configuration
type Config struct {
	// Collection holds one document per quota key
	// Default: "quotas"
	Collection string
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: firestore client is required", windowquota.ErrInvalidConfig)
	}
	if config.Collection == "" {
		config.Collection = "quotas"
	}
	if strings.Contains(config.Collection, "/") {
		return nil, fmt.Errorf("%w: collection %q must not contain '/'",
			windowquota.ErrInvalidConfig, config.Collection)
	}

	return &Store{
		client:     client,
		collection: config.Collection,
	}, nil
}

// Increment implements windowquota.Store
func (s *Store) Increment(ctx context.Context, req *windowquota.IncrementRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	doc, err := s.doc(req.Key)
	if err != nil {
		return 0, err
	}

	var usage int
	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		now := time.Now()
		out := windowquota.Resolve(decodeRecord(req.Key, snap), req, now)
		usage = out.Usage
		if !out.Write {
			return nil
		}

		return tx.Set(doc, map[string]interface{}{
			"count":       out.Record.Count,
			"expiresAt":   out.Record.ExpiresAt.UnixMilli(),
			"lastUpdated": now.UnixMilli(),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment quota: %w", err)
	}

	return usage, nil
}

// Record returns the stored window for key, or nil if there is none.
// Expired windows are returned as stored.
func (s *Store) Record(ctx context.Context, key string) (*windowquota.WindowRecord, error) {
	doc, err := s.doc(key)
	if err != nil {
		return nil, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return decodeRecord(key, snap), nil
}

func (s *Store) doc(key string) (*firestore.DocumentRef, error) {
	if key == "" || key == "." || key == ".." ||
		strings.Contains(key, "/") ||
		len(key) > maxDocumentIDLength ||
		reservedIDPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: %q is not a valid document ID", windowquota.ErrInvalidKey, key)
	}
	doc := s.client.Collection(s.collection).Doc(key)
	if doc == nil {
		return nil, fmt.Errorf("%w: %q is not a valid document ID", windowquota.ErrInvalidKey, key)
	}
	return doc, nil
}

func decodeRecord(key string, snap *firestore.DocumentSnapshot) *windowquota.WindowRecord {
	if snap == nil || !snap.Exists() {
		return nil
	}
	data := snap.Data()
	return &windowquota.WindowRecord{
		Key:         key,
		Count:       getInt(data, "count"),
		ExpiresAt:   time.UnixMilli(getInt64(data, "expiresAt")),
		LastUpdated: time.UnixMilli(getInt64(data, "lastUpdated")),
	}
}

func getInt(data map[string]interface{}, key string) int {
	return int(getInt64(data, key))
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}
