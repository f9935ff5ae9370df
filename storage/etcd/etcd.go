// Package etcd provides an etcd v3 implementation of windowquota.Store.
// Increments run as software transactional memory with serializable
// isolation; etcd rejects the commit if the counter changed and the apply
// function runs again on fresh values.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// Config holds etcd store configuration
type Config struct {
	// Endpoints are used by Dial only
	Endpoints   []string
	DialTimeout time.Duration

	// Prefix is prepended to every counter key (default: "/quotas/")
	Prefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 5 * time.Second,
		Prefix:      "/quotas/",
	}
}

type record struct {
	Count       int   `json:"count"`
	ExpiresAt   int64 `json:"expiresAt"`
	LastUpdated int64 `json:"lastUpdated"`
}

// Store implements windowquota.Store using etcd
type Store struct {
	client     *clientv3.Client
	prefix     string
	ownsClient bool
}

// New creates a store on an existing client. The caller keeps ownership of it.
func New(client *clientv3.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: etcd client is required", windowquota.ErrInvalidConfig)
	}
	if config.Prefix == "" {
		config.Prefix = "/quotas/"
	}
	if !strings.HasSuffix(config.Prefix, "/") {
		config.Prefix += "/"
	}
	return &Store{client: client, prefix: config.Prefix}, nil
}

// Dial connects to config.Endpoints. The store owns the client and closes it
// in Close.
func Dial(config Config) (*Store, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: at least one endpoint is required", windowquota.ErrInvalidConfig)
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	s, err := New(client, config)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// Increment implements windowquota.Store
func (s *Store) Increment(ctx context.Context, req *windowquota.IncrementRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	key := s.prefix + req.Key

	var usage int
	_, err := concurrency.NewSTM(s.client, func(stm concurrency.STM) error {
		rec, err := decode(req.Key, stm.Get(key))
		if err != nil {
			return err
		}

		now := time.Now()
		out := windowquota.Resolve(rec, req, now)
		usage = out.Usage
		if !out.Write {
			return nil
		}

		data, err := json.Marshal(record{
			Count:       out.Record.Count,
			ExpiresAt:   out.Record.ExpiresAt.UnixMilli(),
			LastUpdated: now.UnixMilli(),
		})
		if err != nil {
			return err
		}
		stm.Put(key, string(data))
		return nil
	},
		concurrency.WithAbortContext(ctx),
		concurrency.WithIsolation(concurrency.Serializable),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment quota: %w", err)
	}
	return usage, nil
}

func decode(key, value string) (*windowquota.WindowRecord, error) {
	if value == "" {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode quota %q: %w", key, err)
	}
	return &windowquota.WindowRecord{
		Key:         key,
		Count:       rec.Count,
		ExpiresAt:   time.UnixMilli(rec.ExpiresAt),
		LastUpdated: time.UnixMilli(rec.LastUpdated),
	}, nil
}

// Record returns the stored window for key, or nil if there is none.
func (s *Store) Record(ctx context.Context, key string) (*windowquota.WindowRecord, error) {
	resp, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return decode(key, string(resp.Kvs[0].Value))
}

// Cleanup deletes expired windows and returns how many were removed. A window
// modified after it was read is left alone.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to list quotas: %w", err)
	}

	now := time.Now()
	deleted := 0
	for _, kv := range resp.Kvs {
		rec, err := decode(string(kv.Key), string(kv.Value))
		if err != nil || rec.Active(now) {
			continue
		}
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(string(kv.Key))).
			Commit()
		if err != nil {
			return deleted, fmt.Errorf("failed to delete quota: %w", err)
		}
		if txn.Succeeded {
			deleted++
		}
	}
	return deleted, nil
}

// Close closes the client if the store created it
func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
