package orchestrator

import (
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"finmodel/pkg/core/engine"
	"finmodel/pkg/core/template"
)

const (
	DefaultCacheExpiration = 30 * time.Minute
	CacheCleanupInterval   = time.Hour
)

// TemplateCache memoizes derived templates by base template and active
// action combination. Concurrent misses for one key run a single
// derivation. Failed derivations are cached too, so a broken combination
// is reported the same way every time it recurs.
type TemplateCache struct {
	store       *cache.Cache
	group       singleflight.Group
	derivations atomic.Int64
}

type cacheEntry struct {
	prepared *engine.Prepared
	err      error
}

// NewTemplateCache creates a cache whose entries expire after ttl. A zero
// ttl keeps entries for the life of the cache.
func NewTemplateCache(ttl time.Duration) *TemplateCache {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &TemplateCache{store: cache.New(ttl, CacheCleanupInterval)}
}

// Get returns the entry for key, calling derive on a miss. hit reports
// whether the entry was already cached.
func (c *TemplateCache) Get(key string, derive func() (*engine.Prepared, error)) (p *engine.Prepared, hit bool, err error) {
	if v, ok := c.store.Get(key); ok {
		e := v.(*cacheEntry)
		return e.prepared, true, e.err
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.store.Get(key); ok {
			return v, nil
		}
		prepared, err := derive()
		c.derivations.Add(1)
		e := &cacheEntry{prepared: prepared, err: err}
		if addErr := c.store.Add(key, e, cache.DefaultExpiration); addErr != nil {
			// Lost the insert race; keep the first entry.
			if v, ok := c.store.Get(key); ok {
				return v, nil
			}
		}
		return e, nil
	})
	e := v.(*cacheEntry)
	return e.prepared, false, e.err
}

// Len is the number of cached combinations.
func (c *TemplateCache) Len() int { return c.store.ItemCount() }

// Derivations counts the derive calls made so far.
func (c *TemplateCache) Derivations() int64 { return c.derivations.Load() }

// Flush drops every entry.
func (c *TemplateCache) Flush() { c.store.Flush() }

// ----------------------------------------------------------------------------

// activeAction is one action applied in a period.
type activeAction struct {
	id      int
	code    string
	start   int
	scale   float64
	indexes []int // applied transformations
	total   int   // transformations defined on the action
	// body is the text of the applied transformations. Two plans may
	// define one action code differently.
	body string
}

// key identifies the applied part of the action, e.g. "LED", "LED#0,2" when
// only some transformations are live, "LED*0.5" when scaled.
func (a activeAction) key() string {
	var b strings.Builder
	b.WriteString(a.code)
	if len(a.indexes) != a.total {
		parts := make([]string, len(a.indexes))
		for i, idx := range a.indexes {
			parts[i] = strconv.Itoa(idx)
		}
		b.WriteString("#" + strings.Join(parts, ","))
	}
	if a.scale != 1 {
		b.WriteString("*" + strconv.FormatFloat(a.scale, 'g', -1, 64))
	}
	return b.String()
}

// CombinationKey is the sorted, "+"-joined list of action keys. An empty
// combination is "BASE".
func CombinationKey(keys []string) string {
	if len(keys) == 0 {
		return "BASE"
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return strings.Join(sorted, "+")
}

func cacheKey(base *template.Template, active []activeAction) string {
	keys := make([]string, len(active))
	for i, a := range active {
		keys[i] = a.key() + "{" + a.body + "}"
	}
	return base.Key() + "|" + CombinationKey(keys)
}
