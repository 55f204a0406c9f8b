package expr

import "sync"

type cacheEntry struct {
	condition string
	expr      Expr
}

// Cache keeps parsed conditions keyed by node id so a condition string is
// compiled once, not on every evaluation. The condition text is kept alongside
// to recompile when a definition is re-saved with a changed expression.
type Cache struct {
	mu sync.RWMutex
	m  map[string]cacheEntry
}

func NewCache() *Cache {
	return &Cache{m: make(map[string]cacheEntry)}
}

func (c *Cache) Get(nodeID, condition string) (Expr, error) {
	c.mu.RLock()
	e, ok := c.m[nodeID]
	c.mu.RUnlock()
	if ok && e.condition == condition {
		return e.expr, nil
	}

	parsed, err := Parse(condition)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[nodeID] = cacheEntry{condition: condition, expr: parsed}
	c.mu.Unlock()
	return parsed, nil
}
