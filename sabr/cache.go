package sabr

import "sync"

// initSegmentCache keeps initialization-segment bytes per format key so a
// quality switch back to an already-seen rendition skips the network.
// Entries live until session cleanup; there is no per-entry eviction.
type initSegmentCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newInitSegmentCache() *initSegmentCache {
	return &initSegmentCache{entries: make(map[string][]byte)}
}

func (c *initSegmentCache) get(formatKey string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[formatKey]
	return data, ok
}

func (c *initSegmentCache) put(formatKey string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[formatKey] = data
}

func (c *initSegmentCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
}
