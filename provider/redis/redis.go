// Package redis is a statekv storage provider backed by Redis. Values are
// stored as JSON documents under a key prefix. Merges run as RFC 7386
// merge patches inside WATCH transactions, followed by the batch's replace
// patches, so the replace protocol holds without a server-side script.
//
// With KeepInstancesSync every write is also published on a channel; other
// processes sharing the database receive it as an external change.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/statekv/merge"
	pr "github.com/unkn0wn-root/statekv/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

const (
	defaultPrefix     = "statekv:"
	defaultTxAttempts = 8
	scanCount         = 256
)

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
	prefix      string
	channel     string
	txAttempts  int
	origin      string

	mu      sync.Mutex
	syncing bool
	pubsub  *goredis.PubSub
	wg      sync.WaitGroup
}

var (
	_ pr.Provider       = (*Redis)(nil)
	_ pr.InstanceSyncer = (*Redis)(nil)
)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this provider exclusively owns the client

	Prefix  string // key prefix; "" => "statekv:"
	Channel string // sync channel; "" => Prefix + "changes"

	// TxAttempts bounds optimistic retries of a merge transaction.
	TxAttempts int
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	p := &Redis{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		prefix:      cfg.Prefix,
		channel:     cfg.Channel,
		txAttempts:  cfg.TxAttempts,
		origin:      uuid.NewString(),
	}
	if p.prefix == "" {
		p.prefix = defaultPrefix
	}
	if p.channel == "" {
		p.channel = p.prefix + "changes"
	}
	if p.txAttempts <= 0 {
		p.txAttempts = defaultTxAttempts
	}
	return p, nil
}

func (p *Redis) Name() string { return "redis" }

func (p *Redis) Init(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func (p *Redis) k(key string) string { return p.prefix + key }

func (p *Redis) GetItem(ctx context.Context, key string) (any, bool, error) {
	b, err := p.rdb.Get(ctx, p.k(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	v, err := decode(b)
	if err != nil {
		// self-heal: a foreign or truncated document is dropped
		_ = p.rdb.Del(ctx, p.k(key)).Err()
		return nil, false, nil
	}
	return v, v != nil, nil
}

func (p *Redis) MultiGet(ctx context.Context, keys []string) ([]pr.KeyValue, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.k(k)
	}
	vals, err := p.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]pr.KeyValue, 0, len(keys))
	for i, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		v, err := decode([]byte(s))
		if err != nil || v == nil {
			continue
		}
		out = append(out, pr.KeyValue{Key: keys[i], Value: v})
	}
	return out, nil
}

func (p *Redis) SetItem(ctx context.Context, key string, value any) error {
	return p.MultiSet(ctx, []pr.KeyValue{{Key: key, Value: value}})
}

func (p *Redis) MultiSet(ctx context.Context, items []pr.KeyValue) error {
	if len(items) == 0 {
		return nil
	}
	docs := make([][]byte, len(items))
	for i, it := range items {
		if it.Value == nil {
			continue
		}
		b, err := encode(it.Value)
		if err != nil {
			return fmt.Errorf("redis: %q: %w", it.Key, err)
		}
		docs[i] = b
	}
	_, err := p.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, it := range items {
			if docs[i] == nil {
				pipe.Del(ctx, p.k(it.Key))
				continue
			}
			pipe.Set(ctx, p.k(it.Key), docs[i], 0)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, it := range items {
		p.publish(ctx, it.Key, docs[i])
	}
	return nil
}

func (p *Redis) MergeItem(ctx context.Context, key string, patch any, replace []merge.ReplacePatch) error {
	obj, ok := patch.(map[string]any)
	if !ok {
		return p.SetItem(ctx, key, patch)
	}
	patchDoc, err := encode(merge.StripMarks(obj))
	if err != nil {
		return fmt.Errorf("redis: %q: %w", key, err)
	}

	full := p.k(key)
	var written []byte
	txf := func(tx *goredis.Tx) error {
		cur, err := tx.Get(ctx, full).Bytes()
		if err != nil && err != goredis.Nil {
			return err
		}
		doc, err := mergeDocument(cur, patchDoc, replace)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, full, doc, 0)
			return nil
		})
		written = doc
		return err
	}

	for i := 0; i < p.txAttempts; i++ {
		err = p.rdb.Watch(ctx, txf, full)
		if err == nil {
			p.publish(ctx, key, written)
			return nil
		}
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis: merge %q: %w", key, err)
}

func (p *Redis) MultiMerge(ctx context.Context, ops []pr.MergeOp) error {
	for _, op := range ops {
		if err := p.MergeItem(ctx, op.Key, op.Patch, op.ReplacePatches); err != nil {
			return err
		}
	}
	return nil
}

func (p *Redis) RemoveItem(ctx context.Context, key string) error {
	return p.RemoveItems(ctx, []string{key})
}

func (p *Redis) RemoveItems(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.k(k)
	}
	if err := p.rdb.Del(ctx, full...).Err(); err != nil {
		return err
	}
	for _, k := range keys {
		p.publish(ctx, k, nil)
	}
	return nil
}

func (p *Redis) Clear(ctx context.Context) error {
	keys, err := p.GetAllKeys(ctx)
	if err != nil {
		return err
	}
	for len(keys) > 0 {
		n := min(len(keys), scanCount)
		if err := p.RemoveItems(ctx, keys[:n]); err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

func (p *Redis) GetAllKeys(ctx context.Context) ([]string, error) {
	var out []string
	iter := p.rdb.Scan(ctx, 0, p.prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), p.prefix)
		if k == "" {
			continue
		}
		out = append(out, k)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// GetDatabaseSize reports server memory from INFO memory. Remaining is -1
// when maxmemory is not configured.
func (p *Redis) GetDatabaseSize(ctx context.Context) (pr.Size, error) {
	info, err := p.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return pr.Size{}, err
	}
	return parseMemoryInfo(info), nil
}

// Close releases the underlying redis client only when this provider owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	p.mu.Lock()
	ps := p.pubsub
	p.pubsub = nil
	p.syncing = false
	p.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
		p.wg.Wait()
	}
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pr.ErrInvalidData, err)
	}
	return b, nil
}

func decode(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// mergeDocument applies patchDoc to cur as a JSON merge patch and then
// writes each replace patch at its path.
func mergeDocument(cur, patchDoc []byte, replace []merge.ReplacePatch) ([]byte, error) {
	if len(cur) == 0 || !isObject(cur) {
		cur = []byte("{}")
	}
	merged, err := jsonpatch.MergePatch(cur, patchDoc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pr.ErrInvalidData, err)
	}
	if len(replace) == 0 {
		return merged, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(merged, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", pr.ErrInvalidData, err)
	}
	for _, rp := range replace {
		setPath(doc, rp.Path, merge.RemoveNestedNulls(merge.StripMarks(rp.Value)))
	}
	return encode(doc)
}

func isObject(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

func setPath(doc map[string]any, path []string, v any) {
	if len(path) == 0 {
		return
	}
	node := doc
	for _, seg := range path[:len(path)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[seg] = next
		}
		node = next
	}
	node[path[len(path)-1]] = v
}

func parseMemoryInfo(info string) pr.Size {
	var used, limit int64
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		name, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch name {
		case "used_memory":
			used, _ = strconv.ParseInt(val, 10, 64)
		case "maxmemory":
			limit, _ = strconv.ParseInt(val, 10, 64)
		}
	}
	size := pr.Size{Used: used, Remaining: -1}
	if limit > 0 {
		size.Remaining = limit - used
		if size.Remaining < 0 {
			size.Remaining = 0
		}
	}
	return size
}
