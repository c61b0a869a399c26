package statekv

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The store calls them on hot paths, sometimes while flushing.
type Hooks interface {
	// An update was rejected because its container kind conflicts with the
	// stored value. kinds ∈ {"object", "array", "scalar", "null"}
	IncompatibleUpdate(key, method, existingKind, newKind string)

	// A key left the cache or storage.
	// reason ∈ {"capacity", "lru", "idle", "age"}
	KeyEvicted(key, reason string)

	// A write was given up.
	// reason ∈ {"no_victim", "retries_exhausted", "invalid_data"}
	WriteDropped(op, reason string, err error)

	// Provider.Init failed and the store switched to the fallback provider.
	StorageDegraded(provider string, err error)

	// Storage usage at the time of a capacity failure. remaining < 0 means
	// unknown.
	QuotaReported(used, remaining int64)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) IncompatibleUpdate(string, string, string, string) {}
func (NopHooks) KeyEvicted(string, string)                         {}
func (NopHooks) WriteDropped(string, string, error)                {}
func (NopHooks) StorageDegraded(string, error)                     {}
func (NopHooks) QuotaReported(int64, int64)                        {}
