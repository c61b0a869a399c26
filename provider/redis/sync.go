package redis

import (
	"context"
	"encoding/json"

	pr "github.com/unkn0wn-root/statekv/provider"
)

type change struct {
	Origin string          `json:"origin"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// KeepInstancesSync subscribes to the change channel and starts publishing
// this instance's writes. onChange runs on a single goroutine for changes
// made by other instances only.
func (p *Redis) KeepInstancesSync(ctx context.Context, onChange pr.ChangeFunc) error {
	ps := p.rdb.Subscribe(ctx, p.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}

	p.mu.Lock()
	if p.pubsub != nil {
		p.mu.Unlock()
		_ = ps.Close()
		return nil
	}
	p.pubsub = ps
	p.syncing = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for msg := range ps.Channel() {
			var c change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil || c.Origin == p.origin {
				continue
			}
			var v any
			if len(c.Value) > 0 {
				v, _ = decode(c.Value)
			}
			onChange(c.Key, v)
		}
	}()
	return nil
}

// publish is best effort; sync is advisory and never fails a write.
func (p *Redis) publish(ctx context.Context, key string, doc []byte) {
	p.mu.Lock()
	on := p.syncing
	p.mu.Unlock()
	if !on {
		return
	}
	b, err := json.Marshal(change{Origin: p.origin, Key: key, Value: doc})
	if err != nil {
		return
	}
	_ = p.rdb.Publish(ctx, p.channel, b).Err()
}
