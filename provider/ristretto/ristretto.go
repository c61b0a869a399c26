// Package ristretto is a byte store over dgraph-io/ristretto for
// provider/kv. Ristretto may drop writes under contention or evict entries
// by its admission policy; rejected writes surface as capacity errors so
// the store can evict and retry.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/statekv/codec"
	pr "github.com/unkn0wn-root/statekv/provider"
	"github.com/unkn0wn-root/statekv/provider/kv"
)

type Store struct {
	c       *rc.Cache
	maxCost int64
}

var (
	_ kv.Store    = (*Store)(nil)
	_ kv.Sizer    = (*Store)(nil)
	_ kv.Resetter = (*Store)(nil)
)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool // required for Size
}

func New(cfg Config) (*Store, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Store{c: c, maxCost: cfg.MaxCost}, nil
}

// NewProvider builds a storage provider over a new ristretto cache. Entry
// cost is the framed value size.
func NewProvider(cfg Config, c codec.Value) (*kv.Provider, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return kv.New(kv.Config{Name: "ristretto", Store: s, Codec: c})
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		s.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set waits for the write buffer so the value is visible to the next Get.
func (s *Store) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	ok := s.c.SetWithTTL(key, value, cost, ttl)
	if ok {
		s.c.Wait()
		if _, found := s.c.Get(key); !found {
			return false, nil
		}
	}
	return ok, nil
}

func (s *Store) Del(_ context.Context, key string) error {
	s.c.Del(key)
	return nil
}

// Size derives usage from cost metrics. Without metrics usage is unknown.
func (s *Store) Size(context.Context) (pr.Size, error) {
	m := s.c.Metrics
	if m == nil {
		return pr.Size{Used: -1, Remaining: -1}, nil
	}
	used := int64(m.CostAdded()) - int64(m.CostEvicted())
	if used < 0 {
		used = 0
	}
	remaining := s.maxCost - used
	if remaining < 0 {
		remaining = 0
	}
	return pr.Size{Used: used, Remaining: remaining}, nil
}

func (s *Store) Reset(context.Context) error {
	s.c.Clear()
	return nil
}

func (s *Store) Close(_ context.Context) error {
	s.c.Wait()
	s.c.Close()
	return nil
}

// Metrics exposes ristretto metrics to the application.
func (s *Store) Metrics() *rc.Metrics { return s.c.Metrics }
