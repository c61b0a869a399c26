// Package provider defines the storage abstraction used by statekv.
//
// Values crossing this boundary are normalized JSON-like trees (see
// package merge). A nil value means "absent"; providers never store a null
// at the top level.
//
// Merge patches handed to MergeItem/MultiMerge are composed batches. They
// may carry merge.Marker tags on objects that must replace their
// destination. A provider either applies the patch with merge.ApplyBatch,
// which honours the tags directly, or strips the tags and applies the
// accompanying ReplacePatches after a plain RFC 7386 merge.
package provider

import (
	"context"

	"github.com/unkn0wn-root/statekv/merge"
)

// KeyValue is one key and its full value.
type KeyValue struct {
	Key   string
	Value any
}

// MergeOp is one batched patch for a key.
type MergeOp struct {
	Key            string
	Patch          any
	ReplacePatches []merge.ReplacePatch
}

// Size is a storage usage report in bytes. Remaining < 0 means unknown or
// unlimited.
type Size struct {
	Used      int64
	Remaining int64
}

// Provider is a durable value store. Implementations must be safe for
// concurrent use. Errors should wrap ErrCapacity or ErrInvalidData where
// they apply so the store can classify them.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string
	Init(ctx context.Context) error

	// GetItem returns (value, true, nil) on hit and (nil, false, nil) on miss.
	GetItem(ctx context.Context, key string) (any, bool, error)
	// MultiGet returns the pairs that exist, in no particular order.
	MultiGet(ctx context.Context, keys []string) ([]KeyValue, error)

	SetItem(ctx context.Context, key string, value any) error
	MultiSet(ctx context.Context, items []KeyValue) error

	MergeItem(ctx context.Context, key string, patch any, replace []merge.ReplacePatch) error
	MultiMerge(ctx context.Context, ops []MergeOp) error

	RemoveItem(ctx context.Context, key string) error
	RemoveItems(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error

	GetAllKeys(ctx context.Context) ([]string, error)
	GetDatabaseSize(ctx context.Context) (Size, error)

	Close(ctx context.Context) error
}

// ChangeFunc receives a change made by another instance. value is nil when
// the key was removed.
type ChangeFunc func(key string, value any)

// InstanceSyncer is implemented by providers that can notify about writes
// made by other processes sharing the same storage.
type InstanceSyncer interface {
	KeepInstancesSync(ctx context.Context, onChange ChangeFunc) error
}
