// Package statekv implements an in-process, persisted, reactive key-value
// store. Callers read and write JSON-like values by key; subscribers are
// told when values change; a write-behind buffer persists everything to a
// pluggable Provider and recovers from storage pressure by evicting
// least-recently-used keys.
//
// Components:
//   - Cache: in-memory values, known-absent keys, recency list and a
//     single-flight registry for concurrent reads of the same key.
//   - Write buffer: one pending Set or Merge per key, flushed in batches at
//     most FlushDelay after the first write.
//   - Dispatcher: immediate subscribers run in FIFO order right after a
//     change; deferred subscribers share one batched tick.
//   - Eviction/retry: capacity failures evict one unblocked key and retry,
//     up to MaxRetries.
//
// Keys:
//
//	report_         - collection key (registered in Options.CollectionKeys)
//	report_42       - collection member; the longest registered prefix wins
//
// Null is a deletion at every level. Merging {"a": nil} removes "a";
// merging a nil value removes the key.
//
// Mutations return once the cache and every subscriber have seen the
// change. Persistence is asynchronous; call Flush to wait for it.
//
//	st, _ := statekv.New(statekv.Options{
//	    Provider:       memory.New(memory.Config{}),
//	    CollectionKeys: []string{"report_"},
//	})
//	id, _ := st.Connect(statekv.ConnectOptions{
//	    Key:      "report_",
//	    Callback: func(v any, key string) { fmt.Println(key, v) },
//	})
//	_ = st.Merge(ctx, "report_1", map[string]any{"title": "Q3"})
//	st.Disconnect(id)
package statekv
