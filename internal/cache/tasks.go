package cache

// Capture runs fn once per task name among concurrent callers; every caller
// gets the same result. The name is pending until fn returns.
func (c *Cache) Capture(name string, fn func() (any, error)) (any, error) {
	v, err, _ := c.tasks.Do(name, func() (any, error) {
		c.tasksMu.Lock()
		c.pending[name]++
		c.tasksMu.Unlock()
		defer func() {
			c.tasksMu.Lock()
			if c.pending[name]--; c.pending[name] <= 0 {
				delete(c.pending, name)
			}
			c.tasksMu.Unlock()
		}()
		return fn()
	})
	return v, err
}

// HasPendingTask reports whether a task with this name is in flight.
func (c *Cache) HasPendingTask(name string) bool {
	c.tasksMu.Lock()
	defer c.tasksMu.Unlock()
	return c.pending[name] > 0
}

// ReadTaskName is the single-flight task name for a storage read of key.
func ReadTaskName(key string) string {
	return "get:" + key
}
