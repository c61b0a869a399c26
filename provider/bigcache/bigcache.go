// Package bigcache is a byte store over allegro/bigcache for provider/kv.
package bigcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/statekv/codec"
	pr "github.com/unkn0wn-root/statekv/provider"
	"github.com/unkn0wn-root/statekv/provider/kv"
)

type Store struct {
	c     *bc.BigCache
	maxMB int
}

var (
	_ kv.Store    = (*Store)(nil)
	_ kv.Lister   = (*Store)(nil)
	_ kv.Sizer    = (*Store)(nil)
	_ kv.Resetter = (*Store)(nil)
)

type Config struct {
	LifeWindow         time.Duration // 0 => entries never expire
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
	Shards             int
}

func New(cfg Config) (*Store, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = 100 * 365 * 24 * time.Hour
	}
	conf := bc.DefaultConfig(life)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return &Store{c: c, maxMB: cfg.HardMaxCacheSizeMB}, nil
}

// NewProvider builds a storage provider over a new bigcache instance.
func NewProvider(cfg Config, c codec.Value) (*kv.Provider, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return kv.New(kv.Config{Name: "bigcache", Store: s, Codec: c})
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := s.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	return b, err == nil, err
}

// Set ignores cost and ttl; bigcache uses the global LifeWindow.
func (s *Store) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if err := s.c.Set(key, value); err != nil {
		if strings.Contains(err.Error(), "bigger than") {
			return false, fmt.Errorf("bigcache: %w: %v", pr.ErrCapacity, err)
		}
		return false, err
	}
	return true, nil
}

func (s *Store) Del(_ context.Context, key string) error {
	err := s.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil
	}
	return err
}

func (s *Store) Keys(context.Context) ([]string, error) {
	it := s.c.Iterator()
	var out []string
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		out = append(out, e.Key())
	}
	return out, nil
}

// Size reports allocated shard bytes against the hard limit.
func (s *Store) Size(context.Context) (pr.Size, error) {
	used := int64(s.c.Capacity())
	if s.maxMB <= 0 {
		return pr.Size{Used: used, Remaining: -1}, nil
	}
	limit := int64(s.maxMB) * 1024 * 1024
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return pr.Size{Used: used, Remaining: remaining}, nil
}

func (s *Store) Reset(context.Context) error {
	return s.c.Reset()
}

func (s *Store) Close(_ context.Context) error {
	return s.c.Close()
}
