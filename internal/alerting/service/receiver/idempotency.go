package receiver

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// BuildIdempotencyKey identifies one alert occurrence. It is the same for the firing and the
// resolved notification, so the resolved one can find the incident the firing one created.
func BuildIdempotencyKey(a AMAlert) string {
	start := a.StartsAt.UTC().Format(time.RFC3339Nano)
	if a.Fingerprint != "" {
		return a.Fingerprint + "|" + start
	}
	keys := make([]string, 0, len(a.Labels))
	for k := range a.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + a.Labels[k]
	}
	return strings.Join(pairs, ",") + "|" + start
}

// SeenCache remembers which incident each alert occurrence created. Entries expire after ttl.
type SeenCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]seenEntry
}

type seenEntry struct {
	incidentID string
	at         time.Time
}

func NewSeenCache(ttl time.Duration) *SeenCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SeenCache{ttl: ttl, now: time.Now, entries: make(map[string]seenEntry)}
}

// Lookup returns the incident recorded for key.
func (c *SeenCache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.incidentID, true
}

func (c *SeenCache) MarkSeen(key, incidentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[key] = seenEntry{incidentID: incidentID, at: now}
}

func (c *SeenCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
