package cache

// AddLastAccessedKey moves key to the most recently used end. Keys that are
// not evictable, and bare collection keys, are ignored.
func (c *Cache) AddLastAccessedKey(key string) {
	c.mu.Lock()
	c.touchLocked(key)
	c.mu.Unlock()
}

func (c *Cache) touchLocked(key string) {
	if c.isCollection(key) || !c.evictable(key) {
		return
	}
	if el, ok := c.recentIdx[key]; ok {
		c.recent.MoveToBack(el)
		return
	}
	c.recentIdx[key] = c.recent.PushBack(key)
}

func (c *Cache) untouchLocked(key string) {
	if el, ok := c.recentIdx[key]; ok {
		c.recent.Remove(el)
		delete(c.recentIdx, key)
	}
}

// RecentKeys returns the recency list, least recently used first.
func (c *Cache) RecentKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, c.recent.Len())
	for el := c.recent.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(string))
	}
	return out
}

// RemoveLeastRecentlyUsedKeys trims the recency list to at most limit
// entries, dropping the cached value of each overflow key. Keys for which
// keep returns true are skipped. It returns the dropped keys.
func (c *Cache) RemoveLeastRecentlyUsedKeys(limit int, keep func(string) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	over := c.recent.Len() - limit
	if over <= 0 {
		return nil
	}
	var dropped []string
	for el := c.recent.Front(); el != nil && over > 0; {
		next := el.Next()
		key := el.Value.(string)
		if keep == nil || !keep(key) {
			c.recent.Remove(el)
			delete(c.recentIdx, key)
			delete(c.values, key)
			dropped = append(dropped, key)
			over--
		}
		el = next
	}
	return dropped
}
