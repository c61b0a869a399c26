package eviction

import (
	"sort"
	"sync"
	"time"
)

type usageEntry struct {
	CreatedAt  time.Time
	LastAccess time.Time
}

// Usage tracks when evictable keys were first written and last touched,
// with an optional sweep loop.
type Usage struct {
	mu     sync.RWMutex
	m      map[string]usageEntry
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	now func() time.Time
}

func NewUsage() *Usage {
	return &Usage{m: make(map[string]usageEntry), now: time.Now}
}

// Touch records an access; the first touch also sets the creation time.
func (u *Usage) Touch(key string) {
	now := u.now()
	u.mu.Lock()
	e := u.m[key]
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.LastAccess = now
	u.m[key] = e
	u.mu.Unlock()
}

func (u *Usage) Forget(key string) {
	u.mu.Lock()
	delete(u.m, key)
	u.mu.Unlock()
}

// Stale returns the keys idle longer than maxIdle or older than maxAge.
// A non-positive limit is ignored.
func (u *Usage) Stale(maxIdle, maxAge time.Duration) []string {
	if maxIdle <= 0 && maxAge <= 0 {
		return nil
	}
	now := u.now()
	var out []string
	u.mu.RLock()
	for k, e := range u.m {
		idle := maxIdle > 0 && now.Sub(e.LastAccess) > maxIdle
		old := maxAge > 0 && now.Sub(e.CreatedAt) > maxAge
		if idle || old {
			out = append(out, k)
		}
	}
	u.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Start runs sweep every interval until Close. It is a no-op for a
// non-positive interval or when already started.
func (u *Usage) Start(interval time.Duration, sweep func()) {
	if interval <= 0 || sweep == nil {
		return
	}
	u.mu.Lock()
	if u.stopCh != nil {
		u.mu.Unlock()
		return
	}
	u.ticker = time.NewTicker(interval)
	u.stopCh = make(chan struct{})
	ticker, stop := u.ticker, u.stopCh
	u.mu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for {
			select {
			case <-ticker.C:
				sweep()
			case <-stop:
				return
			}
		}
	}()
}

func (u *Usage) Close() {
	u.once.Do(func() {
		u.mu.Lock()
		stop, ticker := u.stopCh, u.ticker
		u.mu.Unlock()
		if stop == nil {
			return
		}
		close(stop)
		ticker.Stop()
		u.wg.Wait()
	})
}
