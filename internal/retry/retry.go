// Package retry runs storage mutations with bounded retries. Capacity
// failures evict one key before each retry.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/statekv/provider"
)

// DefaultMaxRetries caps retries after the first attempt.
const DefaultMaxRetries = 5

// Class of a storage failure.
type Class uint8

const (
	ClassTransient Class = iota
	ClassCapacity
	ClassInvalid
)

// Classify maps an error to its Class using the provider error taxonomy.
func Classify(err error) Class {
	switch {
	case provider.IsInvalidData(err):
		return ClassInvalid
	case provider.IsCapacity(err):
		return ClassCapacity
	default:
		return ClassTransient
	}
}

// Drop reasons.
const (
	ReasonNoVictim  = "no_victim"
	ReasonExhausted = "retries_exhausted"
)

// DroppedError reports a write given up after recovery failed. Callers log
// it; it is not meant for end users.
type DroppedError struct {
	Op       string
	Reason   string
	Attempts int
	Err      error
}

func (e *DroppedError) Error() string {
	return fmt.Sprintf("statekv: %s dropped (%s after %d attempts): %v", e.Op, e.Reason, e.Attempts, e.Err)
}

func (e *DroppedError) Unwrap() error { return e.Err }

// Attempt describes the current try.
type Attempt struct {
	N int
	// Evicted lists keys evicted so far for this run. Batched writes should
	// leave them out.
	Evicted []string
}

// Skip reports whether key was evicted during this run.
func (a Attempt) Skip(key string) bool {
	for _, k := range a.Evicted {
		if k == key {
			return true
		}
	}
	return false
}

// Config for a Coordinator. Victim and Evict are required for capacity
// recovery; without them capacity failures are dropped at once.
type Config struct {
	MaxRetries int
	Backoff    time.Duration
	Classify   func(error) Class
	Victim     func() (string, bool)
	Evict      func(ctx context.Context, key string) error

	// OnEvict is told about every key evicted to make room.
	OnEvict func(op, key string, cause error)
}

type Coordinator struct {
	cfg Config
}

func New(cfg Config) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Classify == nil {
		cfg.Classify = Classify
	}
	return &Coordinator{cfg: cfg}
}

// Run executes fn until it succeeds, fails with invalid data (returned as
// is), or recovery gives up (returned as *DroppedError).
func (c *Coordinator) Run(ctx context.Context, op string, fn func(context.Context, Attempt) error) error {
	var a Attempt
	for {
		err := fn(ctx, a)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		class := c.cfg.Classify(err)
		if class == ClassInvalid {
			return err
		}
		if a.N >= c.cfg.MaxRetries {
			return &DroppedError{Op: op, Reason: ReasonExhausted, Attempts: a.N + 1, Err: err}
		}

		if class == ClassCapacity {
			if c.cfg.Victim == nil || c.cfg.Evict == nil {
				return &DroppedError{Op: op, Reason: ReasonNoVictim, Attempts: a.N + 1, Err: err}
			}
			key, ok := c.cfg.Victim()
			if !ok {
				return &DroppedError{Op: op, Reason: ReasonNoVictim, Attempts: a.N + 1, Err: err}
			}
			if evictErr := c.cfg.Evict(ctx, key); evictErr != nil && c.cfg.Classify(evictErr) == ClassInvalid {
				return evictErr
			}
			if c.cfg.OnEvict != nil {
				c.cfg.OnEvict(op, key, err)
			}
			a.Evicted = append(a.Evicted, key)
		}

		if c.cfg.Backoff > 0 {
			t := time.NewTimer(c.cfg.Backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		a.N++
	}
}
