// Package memory is a pure in-memory storage provider. It is the fallback
// when a durable provider fails to initialise and the default for tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/unkn0wn-root/statekv/merge"
	pr "github.com/unkn0wn-root/statekv/provider"
)

// Config tunes the provider.
type Config struct {
	// MaxBytes caps the JSON-encoded size of all values. 0 = unlimited.
	MaxBytes int64
}

type Provider struct {
	mu     sync.RWMutex
	values map[string]any
	sizes  map[string]int64
	used   int64
	max    int64
}

var _ pr.Provider = (*Provider)(nil)

func New(cfg Config) *Provider {
	return &Provider{
		values: make(map[string]any),
		sizes:  make(map[string]int64),
		max:    cfg.MaxBytes,
	}
}

func (p *Provider) Name() string                { return "memory" }
func (p *Provider) Init(context.Context) error  { return nil }
func (p *Provider) Close(context.Context) error { return nil }

func (p *Provider) GetItem(_ context.Context, key string) (any, bool, error) {
	p.mu.RLock()
	v, ok := p.values[key]
	p.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return merge.Clone(v), true, nil
}

func (p *Provider) MultiGet(_ context.Context, keys []string) ([]pr.KeyValue, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]pr.KeyValue, 0, len(keys))
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			out = append(out, pr.KeyValue{Key: k, Value: merge.Clone(v)})
		}
	}
	return out, nil
}

func (p *Provider) SetItem(_ context.Context, key string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.putLocked(key, value)
}

// MultiSet writes items in order and stops at the first failure; earlier
// items stay written.
func (p *Provider) MultiSet(_ context.Context, items []pr.KeyValue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range items {
		if err := p.putLocked(it.Key, it.Value); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) MergeItem(_ context.Context, key string, patch any, _ []merge.ReplacePatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mergeLocked(key, patch)
}

func (p *Provider) MultiMerge(_ context.Context, ops []pr.MergeOp) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range ops {
		if err := p.mergeLocked(op.Key, op.Patch); err != nil {
			return err
		}
	}
	return nil
}

// marks in patch are honoured directly, so replace patches are not needed
func (p *Provider) mergeLocked(key string, patch any) error {
	next := merge.ApplyBatch(p.values[key], patch).Value
	return p.putLocked(key, next)
}

func (p *Provider) putLocked(key string, value any) error {
	if value == nil {
		p.deleteLocked(key)
		return nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memory: %q: %w: %v", key, pr.ErrInvalidData, err)
	}
	size := int64(len(key) + len(b))
	if p.max > 0 && p.used-p.sizes[key]+size > p.max {
		return fmt.Errorf("memory: %q needs %d bytes, %d of %d used: %w", key, size, p.used, p.max, pr.ErrCapacity)
	}
	p.used += size - p.sizes[key]
	p.sizes[key] = size
	p.values[key] = merge.Clone(value)
	return nil
}

func (p *Provider) deleteLocked(key string) {
	p.used -= p.sizes[key]
	delete(p.sizes, key)
	delete(p.values, key)
}

func (p *Provider) RemoveItem(_ context.Context, key string) error {
	p.mu.Lock()
	p.deleteLocked(key)
	p.mu.Unlock()
	return nil
}

func (p *Provider) RemoveItems(_ context.Context, keys []string) error {
	p.mu.Lock()
	for _, k := range keys {
		p.deleteLocked(k)
	}
	p.mu.Unlock()
	return nil
}

func (p *Provider) Clear(context.Context) error {
	p.mu.Lock()
	p.values = make(map[string]any)
	p.sizes = make(map[string]int64)
	p.used = 0
	p.mu.Unlock()
	return nil
}

func (p *Provider) GetAllKeys(context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.values))
	for k := range p.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Provider) GetDatabaseSize(context.Context) (pr.Size, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	remaining := int64(-1)
	if p.max > 0 {
		remaining = p.max - p.used
	}
	return pr.Size{Used: p.used, Remaining: remaining}, nil
}
