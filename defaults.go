package statekv

import "time"

const (
	defaultMaxCachedKeys = 1000
	defaultFlushDelay    = 200 * time.Millisecond
	defaultMaxRetries    = 5
	defaultSeparator     = "_"
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
