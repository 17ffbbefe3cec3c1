// Package settings resolves per-tenant runtime settings: persisted
// overrides merged over global defaults, cached in memory.
package settings

import (
	"context"
	"sync"

	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/metrics"
)

// Settings are the fully resolved runtime settings for one tenant.
type Settings struct {
	BotName            string `json:"botName"`
	Prefix             string `json:"prefix"`
	ConnectionAnnounce bool   `json:"connectionAnnounce"`
	AutoMarkStatusRead bool   `json:"autoMarkStatusRead"`
}

// Overrides are persisted per-tenant settings. Nil fields fall through to
// the defaults.
type Overrides struct {
	BotName            *string `json:"botName,omitempty"`
	Prefix             *string `json:"prefix,omitempty"`
	ConnectionAnnounce *bool   `json:"connectionAnnounce,omitempty"`
	AutoMarkStatusRead *bool   `json:"autoMarkStatusRead,omitempty"`
}

// Builtin returns the hard-coded defaults.
func Builtin() Settings {
	return Settings{
		BotName:            "BOT",
		Prefix:             ".",
		ConnectionAnnounce: true,
		AutoMarkStatusRead: false,
	}
}

// Merge applies o over base. Empty strings are treated as unset so a
// resolved Settings never carries an empty prefix or bot name.
func Merge(base Settings, o *Overrides) Settings {
	if o == nil {
		return base
	}
	if o.BotName != nil && *o.BotName != "" {
		base.BotName = *o.BotName
	}
	if o.Prefix != nil && *o.Prefix != "" {
		base.Prefix = *o.Prefix
	}
	if o.ConnectionAnnounce != nil {
		base.ConnectionAnnounce = *o.ConnectionAnnounce
	}
	if o.AutoMarkStatusRead != nil {
		base.AutoMarkStatusRead = *o.AutoMarkStatusRead
	}
	return base
}

// Source fetches persisted overrides. A nil result with nil error means
// the tenant has no persisted settings.
type Source interface {
	GetSettings(ctx context.Context, tenantID string) (*Overrides, error)
}

// Cache maps tenant ids to resolved settings. Entries are populated lazily
// by Resolve and replaced by Set.
type Cache struct {
	source   Source
	defaults Settings

	mu      sync.RWMutex
	entries map[string]Settings
}

// NewCache creates a cache over source. defaults are merged over Builtin,
// so nil or unset fields keep the built-in values.
func NewCache(source Source, defaults *Overrides) *Cache {
	return &Cache{
		source:   source,
		defaults: Merge(Builtin(), defaults),
		entries:  make(map[string]Settings),
	}
}

// Defaults returns the global defaults the cache merges over.
func (c *Cache) Defaults() Settings {
	return c.defaults
}

// Resolve returns the cached settings for tenantID, fetching and merging
// persisted overrides on a miss. When the fetch fails the defaults are
// returned without being cached so the next call retries.
func (c *Cache) Resolve(ctx context.Context, tenantID string) Settings {
	c.mu.RLock()
	s, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok {
		metrics.MetricHit("settings", "resolve")
		return s
	}
	metrics.MetricMiss("settings", "resolve")

	var overrides *Overrides
	if c.source != nil {
		var err error
		overrides, err = c.source.GetSettings(ctx, tenantID)
		if err != nil {
			L_warn("settings: fetch failed, using defaults", "tenant", tenantID, "error", err)
			return c.defaults
		}
	}
	resolved := Merge(c.defaults, overrides)

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent Set wins over what we fetched.
	if existing, ok := c.entries[tenantID]; ok {
		return existing
	}
	c.entries[tenantID] = resolved
	L_debug("settings: resolved", "tenant", tenantID, "prefix", resolved.Prefix, "botName", resolved.BotName)
	return resolved
}

// Set overwrites the cached settings for tenantID.
func (c *Cache) Set(tenantID string, s Settings) {
	c.mu.Lock()
	c.entries[tenantID] = s
	c.mu.Unlock()
	L_debug("settings: set", "tenant", tenantID)
}

// Invalidate drops the cached entry so the next Resolve refetches.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

// Cached reports whether tenantID has a cached entry.
func (c *Cache) Cached(tenantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[tenantID]
	return ok
}
