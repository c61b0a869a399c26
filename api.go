package statekv

import (
	"context"
	"time"

	pr "github.com/unkn0wn-root/statekv/provider"
)

// SubscriptionID identifies a connection made with Connect.
type SubscriptionID uint64

// Callback receives a value and the key it belongs to. For a subscriber
// bound to a collection with WaitForCollectionCallback, value is the whole
// collection as map[string]any and key is the collection key. A nil value
// means the key is absent.
//
// Values are shared with the cache and must not be modified.
type Callback func(value any, key string)

// Store is the public surface of a statekv instance. Every method is safe
// for concurrent use and may be called before initialization completes;
// calls wait for it.
type Store interface {
	// Get returns the value of key, or nil when absent. For a collection key
	// it returns every member as map[string]any.
	Get(ctx context.Context, key string) (any, error)
	GetAllKeys(ctx context.Context) ([]string, error)

	// Set replaces the value of key. A nil value removes it.
	Set(ctx context.Context, key string, value any) error
	MultiSet(ctx context.Context, values map[string]any) error

	// Merge deep-merges patch into the value of key. Nested nils delete
	// members; arrays replace wholesale.
	Merge(ctx context.Context, key string, patch any) error

	// MergeCollection merges each member into its key. Every key must belong
	// to collectionKey.
	MergeCollection(ctx context.Context, collectionKey string, members map[string]any) error

	// SetCollection replaces the whole collection; members absent from the
	// map are removed.
	SetCollection(ctx context.Context, collectionKey string, members map[string]any) error

	// Clear removes every key except keysToPreserve and restores
	// InitialKeyStates.
	Clear(ctx context.Context, keysToPreserve []string) error

	// Update validates and applies a list of operations in order.
	Update(ctx context.Context, updates []Update) error

	Connect(opts ConnectOptions) (SubscriptionID, error)
	Disconnect(id SubscriptionID)
	AddToEvictionBlockList(key string, id SubscriptionID)
	RemoveFromEvictionBlockList(key string, id SubscriptionID)

	// Flush writes every pending change to the provider now.
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// ConnectOptions describe one subscription.
type ConnectOptions struct {
	// Required
	Key      string // exact key or registered collection key
	Callback Callback

	// WaitForCollectionCallback delivers the whole collection in one call
	// instead of one call per member. Only meaningful for collection keys.
	WaitForCollectionCallback bool

	SkipStoredValues bool // do not deliver the current value on connect
	BlockEviction    bool // keep Key off the eviction victim list while connected

	// Deferred subscribers are notified on the shared batched tick, inside
	// Options.Batch. Others are notified immediately.
	Deferred bool

	// Selector derives the delivered value; dedup compares its result.
	// SelectorExpr does the same with an expr-lang expression over `value`,
	// e.g. `value.title`. Selector wins when both are set.
	Selector     func(value any) any
	SelectorExpr string
}

// Method of an Update.
type Method string

const (
	MethodSet             Method = "set"
	MethodMerge           Method = "merge"
	MethodMergeCollection Method = "mergecollection"
	MethodSetCollection   Method = "setcollection"
	MethodMultiSet        Method = "multiset"
	MethodClear           Method = "clear"
)

// Update is one entry of a batched Update call.
//
//	set, merge:                       Key and Value
//	mergecollection, setcollection:   Key (collection) and Value map[string]any
//	multiset:                         Value map[string]any
//	clear:                            Value []string of keys to preserve, or nil
type Update struct {
	Method Method
	Key    string
	Value  any
}

// Recorder receives one record per public operation when set in Options.
type Recorder interface {
	Record(op string, d time.Duration, err error)
}

// Options tune a Store.
// Only Provider is required; others have sensible defaults.
type Options struct {
	// Required
	Provider pr.Provider

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	CollectionKeys   []string       // registered collection-key prefixes
	InitialKeyStates map[string]any // defaults merged over stored values at init and restored by Clear
	EvictableKeys    []string       // keys or prefixes that may be evicted

	MaxCachedKeys int           // recency list limit; 0 => 1000
	FlushDelay    time.Duration // max write-behind delay; 0 => 200ms
	BatchDelay    time.Duration // deferred notification tick; 0 => next timer tick
	MaxRetries    int           // storage retries; 0 => 5
	KeySeparator  string        // collection member separator; "" => "_"

	SyncInstances bool // listen for changes from other instances (provider.InstanceSyncer)

	// Batch wraps every deferred notification flush, e.g. to render once.
	Batch func(fn func())

	Recorder Recorder // non-nil => every operation is timed and recorded

	// Idle/age sweeping of evictable keys from memory. Off unless MaxIdle
	// or MaxAge is set.
	MaxIdle       time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration // 0 => the smaller of MaxIdle and MaxAge

	// Fallback is used when Provider.Init fails. nil => in-memory provider.
	Fallback pr.Provider
}

// New builds a Store and starts initialization in the background.
func New(opts Options) (Store, error) {
	s, err := newStore(opts)
	if err != nil {
		return nil, err
	}
	if opts.Recorder != nil {
		return &instrumented{next: s, rec: opts.Recorder}, nil
	}
	return s, nil
}
