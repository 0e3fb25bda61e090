package saga

import (
	"encoding/json"
	"sort"
	"sync"
)

// Context is the key-value bag shared by the steps of one execution.
// Steps pass results forward through it (lock tokens, report URLs), and
// compensations read back what their Execute stored. It serializes to a
// plain JSON object so executions survive a store round trip.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// NewContextFrom seeds the bag with the caller's initial values.
func NewContextFrom(initial map[string]any) *Context {
	c := NewContext()
	for k, v := range initial {
		c.values[k] = v
	}
	return c
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the value if it is a string, else "".
func (c *Context) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetInt64 returns the value as int64. JSON round trips store numbers as
// float64, so those convert too.
func (c *Context) GetInt64(key string) int64 {
	v, ok := c.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// Keys lists the stored keys in stable order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the bag for callers that must not hold the lock.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

func (c *Context) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.values)
}

func (c *Context) UnmarshalJSON(data []byte) error {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if values == nil {
		values = make(map[string]any)
	}
	c.values = values
	return nil
}
