// Package kv adapts a byte store (bigcache, ristretto, ...) into a
// statekv storage provider. Values are encoded with a codec and framed by
// internal/wire; entries that fail validation are deleted on read.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unkn0wn-root/statekv/codec"
	"github.com/unkn0wn-root/statekv/internal/wire"
	"github.com/unkn0wn-root/statekv/merge"
	pr "github.com/unkn0wn-root/statekv/provider"
)

// Store is a minimal byte store. Get must return exactly the bytes passed
// to Set. Set returns ok=false when the store rejected the write under
// pressure.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)
	Del(ctx context.Context, key string) error
	Close(ctx context.Context) error
}

// Lister is implemented by stores that can enumerate their keys.
type Lister interface {
	Keys(ctx context.Context) ([]string, error)
}

// Sizer is implemented by stores that can report their usage.
type Sizer interface {
	Size(ctx context.Context) (pr.Size, error)
}

// Resetter is implemented by stores that can drop everything at once.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Self-heal reasons.
const (
	ReasonCorrupt       = "corrupt"
	ReasonCodecMismatch = "codec_mismatch"
	ReasonValueDecode   = "value_decode"
)

type Config struct {
	// Required
	Name  string
	Store Store

	Codec codec.Value // nil => codec.JSON[any]
	TTL   time.Duration

	// Cost of a stored entry; nil => len(raw).
	Cost func(key string, raw []byte) int64

	// OnSelfHeal is told about every entry deleted on read.
	OnSelfHeal func(key, reason string)
}

type Provider struct {
	name    string
	store   Store
	codec   codec.Value
	codecID byte
	ttl     time.Duration
	cost    func(string, []byte) int64
	onHeal  func(string, string)

	writeMu sync.Mutex // serialises read-modify-write merges

	mu    sync.RWMutex
	sizes map[string]int64 // known keys and their raw size
}

var _ pr.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.Store == nil {
		return nil, errors.New("kv: store is required")
	}
	p := &Provider{
		name:   cfg.Name,
		store:  cfg.Store,
		codec:  cfg.Codec,
		ttl:    cfg.TTL,
		cost:   cfg.Cost,
		onHeal: cfg.OnSelfHeal,
		sizes:  make(map[string]int64),
	}
	if p.name == "" {
		p.name = "kv"
	}
	if p.codec == nil {
		p.codec = codec.JSON[any]{}
	}
	p.codecID = codec.ID(p.codec)
	if p.cost == nil {
		p.cost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}
	if p.onHeal == nil {
		p.onHeal = func(string, string) {}
	}
	return p, nil
}

func (p *Provider) Name() string { return p.name }

// Init seeds the key index from stores that can list their keys.
func (p *Provider) Init(ctx context.Context) error {
	l, ok := p.store.(Lister)
	if !ok {
		return nil
	}
	keys, err := l.Keys(ctx)
	if err != nil {
		return fmt.Errorf("kv %s: list keys: %w", p.name, err)
	}
	p.mu.Lock()
	for _, k := range keys {
		if _, known := p.sizes[k]; !known {
			p.sizes[k] = 0
		}
	}
	p.mu.Unlock()
	return nil
}

func (p *Provider) Close(ctx context.Context) error {
	return p.store.Close(ctx)
}

func (p *Provider) GetItem(ctx context.Context, key string) (any, bool, error) {
	raw, ok, err := p.store.Get(ctx, key)
	if err != nil || !ok {
		if !ok && err == nil {
			p.forget(key)
		}
		return nil, false, err
	}
	id, payload, err := wire.Decode(raw)
	if err != nil {
		p.heal(ctx, key, ReasonCorrupt)
		return nil, false, nil
	}
	if id != p.codecID {
		p.heal(ctx, key, ReasonCodecMismatch)
		return nil, false, nil
	}
	v, err := p.codec.Decode(payload)
	if err != nil {
		p.heal(ctx, key, ReasonValueDecode)
		return nil, false, nil
	}
	v, err = merge.Normalize(v)
	if err != nil {
		p.heal(ctx, key, ReasonValueDecode)
		return nil, false, nil
	}
	return v, v != nil, nil
}

func (p *Provider) heal(ctx context.Context, key, reason string) {
	_ = p.store.Del(ctx, key)
	p.forget(key)
	p.onHeal(key, reason)
}

func (p *Provider) MultiGet(ctx context.Context, keys []string) ([]pr.KeyValue, error) {
	out := make([]pr.KeyValue, 0, len(keys))
	for _, k := range keys {
		v, ok, err := p.GetItem(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, pr.KeyValue{Key: k, Value: v})
		}
	}
	return out, nil
}

func (p *Provider) SetItem(ctx context.Context, key string, value any) error {
	if value == nil {
		return p.RemoveItem(ctx, key)
	}
	payload, err := p.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("kv %s: encode %q: %w: %v", p.name, key, pr.ErrInvalidData, err)
	}
	raw := wire.Encode(p.codecID, payload)
	ok, err := p.store.Set(ctx, key, raw, p.cost(key, raw), p.ttl)
	if err != nil {
		return fmt.Errorf("kv %s: set %q: %w", p.name, key, err)
	}
	if !ok {
		return fmt.Errorf("kv %s: set %q rejected: %w", p.name, key, pr.ErrCapacity)
	}
	p.mu.Lock()
	p.sizes[key] = int64(len(raw))
	p.mu.Unlock()
	return nil
}

func (p *Provider) MultiSet(ctx context.Context, items []pr.KeyValue) error {
	for _, it := range items {
		if err := p.SetItem(ctx, it.Key, it.Value); err != nil {
			return err
		}
	}
	return nil
}

// MergeItem reads, merges and writes back. The patch's replace tags are
// applied directly.
func (p *Provider) MergeItem(ctx context.Context, key string, patch any, _ []merge.ReplacePatch) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	cur, _, err := p.GetItem(ctx, key)
	if err != nil {
		return err
	}
	return p.SetItem(ctx, key, merge.ApplyBatch(cur, patch).Value)
}

func (p *Provider) MultiMerge(ctx context.Context, ops []pr.MergeOp) error {
	for _, op := range ops {
		if err := p.MergeItem(ctx, op.Key, op.Patch, op.ReplacePatches); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) RemoveItem(ctx context.Context, key string) error {
	if err := p.store.Del(ctx, key); err != nil {
		return fmt.Errorf("kv %s: del %q: %w", p.name, key, err)
	}
	p.forget(key)
	return nil
}

func (p *Provider) RemoveItems(ctx context.Context, keys []string) error {
	var errs []error
	for _, k := range keys {
		if err := p.RemoveItem(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) Clear(ctx context.Context) error {
	if r, ok := p.store.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return err
		}
		p.mu.Lock()
		p.sizes = make(map[string]int64)
		p.mu.Unlock()
		return nil
	}
	keys, err := p.GetAllKeys(ctx)
	if err != nil {
		return err
	}
	return p.RemoveItems(ctx, keys)
}

func (p *Provider) GetAllKeys(ctx context.Context) ([]string, error) {
	if l, ok := p.store.(Lister); ok {
		keys, err := l.Keys(ctx)
		if err != nil {
			return nil, err
		}
		sort.Strings(keys)
		return keys, nil
	}
	p.mu.RLock()
	out := make([]string, 0, len(p.sizes))
	for k := range p.sizes {
		out = append(out, k)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (p *Provider) GetDatabaseSize(ctx context.Context) (pr.Size, error) {
	if s, ok := p.store.(Sizer); ok {
		return s.Size(ctx)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var used int64
	for _, n := range p.sizes {
		used += n
	}
	return pr.Size{Used: used, Remaining: -1}, nil
}

func (p *Provider) forget(key string) {
	p.mu.Lock()
	delete(p.sizes, key)
	p.mu.Unlock()
}
