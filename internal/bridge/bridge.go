// Package bridge implements the ToolBridge (C12): a cached, retrying HTTP
// client to a companion tool service, used by optional research
// enrichment. Grounded verbatim on
// original_source/android/zeke-sync/python_agents/bridge.py. Constructed
// once in main and passed down explicitly; there is no package-level
// get_bridge() singleton (spec §9 names that as an anti-pattern to avoid).
package bridge

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"turtleagent/internal/types"
)

var cacheableTools = map[string]bool{
	"get_user_profile":         true,
	"check_omi_status":         true,
	"get_weather":              true,
	"get_current_time":         true,
	"get_daily_checkin_status": true,
	"list_tasks":               true,
	"get_calendar_events":      true,
	"get_grocery_list":         true,
	"get_contacts":             true,
}

var mutatingTools = map[string]bool{
	"send_sms":                true,
	"add_task":                true,
	"complete_task":           true,
	"add_calendar_event":      true,
	"delete_calendar_event":   true,
	"add_grocery_item":        true,
	"remove_grocery_item":     true,
	"add_contact":             true,
	"update_contact":          true,
	"save_memory":             true,
	"delete_memory":           true,
	"configure_daily_checkin": true,
	"send_checkin_now":        true,
}

// invalidates maps a mutating tool to the cacheable tool(s) whose cached
// entries it stales out.
var invalidates = map[string][]string{
	"add_task":                {"list_tasks"},
	"complete_task":           {"list_tasks"},
	"add_calendar_event":      {"get_calendar_events"},
	"delete_calendar_event":   {"get_calendar_events"},
	"add_grocery_item":        {"get_grocery_list"},
	"remove_grocery_item":     {"get_grocery_list"},
	"add_contact":             {"get_contacts"},
	"update_contact":          {"get_contacts"},
	"configure_daily_checkin": {"get_daily_checkin_status"},
}

var perToolTimeout = map[string]time.Duration{
	"perplexity_search":   60 * time.Second,
	"web_search":          45 * time.Second,
	"search_lifelogs":     30 * time.Second,
	"get_recent_lifelogs": 30 * time.Second,
	"send_sms":            15 * time.Second,
	"get_weather":         15 * time.Second,
	"get_calendar_events": 15 * time.Second,
	"add_calendar_event":  20 * time.Second,
}

const (
	defaultTTL        = 60 * time.Second
	defaultTimeout    = 30 * time.Second
	toolCacheMaxSize  = 200
	ctxCacheMaxSize   = 50
	contextDefaultTTL = 30 * time.Second
	maxRetries        = 3
)

// toolTTL returns the per-tool freshness window, matching _get_cache_ttl.
func toolTTL(tool string) time.Duration {
	switch tool {
	case "get_current_time":
		return 5 * time.Second
	case "get_weather":
		return 300 * time.Second
	case "check_omi_status", "get_daily_checkin_status":
		return 30 * time.Second
	case "list_tasks", "get_calendar_events", "get_grocery_list":
		return 60 * time.Second
	case "get_contacts", "get_user_profile":
		return 120 * time.Second
	}
	return defaultTTL
}

func toolTimeout(tool string) time.Duration {
	if t, ok := perToolTimeout[tool]; ok {
		return t
	}
	return defaultTimeout
}

type cacheEntry struct {
	value     json.RawMessage
	expiresAt time.Time
	inserted  time.Time
}

// ttlCache is an insertion-ordered TTL cache with a per-tool key index so a
// mutating tool can invalidate exactly the entries belonging to a related
// read tool.
type ttlCache struct {
	maxSize  int
	entries  map[string]cacheEntry
	toolKeys map[string]map[string]bool
}

func newTTLCache(maxSize int) *ttlCache {
	return &ttlCache{maxSize: maxSize, entries: map[string]cacheEntry{}, toolKeys: map[string]map[string]bool{}}
}

func (c *ttlCache) get(key string) (json.RawMessage, bool) {
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *ttlCache) set(toolName, key string, value json.RawMessage, ttl time.Duration) {
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl), inserted: time.Now()}
	if c.toolKeys[toolName] == nil {
		c.toolKeys[toolName] = map[string]bool{}
	}
	c.toolKeys[toolName][key] = true
}

// evictOldest drops up to 10 already-expired entries first; if the cache is
// still at capacity it evicts the oldest-inserted entry.
func (c *ttlCache) evictOldest() {
	now := time.Now()
	dropped := 0
	for k, e := range c.entries {
		if dropped >= 10 {
			break
		}
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			dropped++
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}
	var oldestKey string
	var oldestTime time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.inserted.Before(oldestTime) {
			oldestKey, oldestTime = k, e.inserted
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// invalidate removes every entry recorded under toolName and returns how
// many were dropped.
func (c *ttlCache) invalidate(toolName string) int {
	dropped := 0
	for k := range c.toolKeys[toolName] {
		if _, ok := c.entries[k]; ok {
			delete(c.entries, k)
			dropped++
		}
	}
	delete(c.toolKeys, toolName)
	return dropped
}

// Bridge is a cached, retrying client over a companion tool service.
type Bridge struct {
	httpClient *http.Client
	baseURL    string
	bridgeKey  string
	log        zerolog.Logger

	mu        sync.Mutex
	toolCache *ttlCache
	ctxCache  *ttlCache

	hitCount  int
	missCount int
}

// New constructs a Bridge pointed at baseURL, authenticating with the
// internal bridge key when one is configured.
func New(baseURL, bridgeKey string, log zerolog.Logger) *Bridge {
	return &Bridge{
		httpClient: &http.Client{}, // per-call timeouts via context
		baseURL:    baseURL,
		bridgeKey:  bridgeKey,
		log:        log,
		toolCache:  newTTLCache(toolCacheMaxSize),
		ctxCache:   newTTLCache(ctxCacheMaxSize),
	}
}

// CallTool invokes a named tool with args, serving from cache when
// cacheable and fresh, retrying transient failures with exponential
// backoff, and invalidating the related read tools' cache entries when the
// tool mutates state.
func (b *Bridge) CallTool(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error) {
	key := cacheKey(toolName, args)
	if cacheableTools[toolName] {
		b.mu.Lock()
		if v, ok := b.toolCache.get(key); ok {
			b.hitCount++
			b.mu.Unlock()
			return v, nil
		}
		b.missCount++
		b.mu.Unlock()
	}

	if mutatingTools[toolName] {
		b.mu.Lock()
		for _, related := range invalidates[toolName] {
			if n := b.toolCache.invalidate(related); n > 0 {
				b.log.Debug().Str("tool", toolName).Str("related", related).Int("entries", n).Msg("invalidated related cache")
			}
		}
		b.mu.Unlock()
	}

	callCtx, cancel := context.WithTimeout(ctx, toolTimeout(toolName))
	defer cancel()

	result, err := b.doWithRetry(callCtx, toolName, args)
	if err != nil {
		return nil, err
	}

	if cacheableTools[toolName] {
		b.mu.Lock()
		b.toolCache.set(toolName, key, result, toolTTL(toolName))
		b.mu.Unlock()
	}
	return result, nil
}

func (b *Bridge) doWithRetry(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, error) {
	bo := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: false}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		result, status, err := b.doRequest(ctx, toolName, args)
		if err == nil && status < 400 {
			return result, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("tool %s returned status %d", toolName, status)
			if !isRetryableStatus(status) {
				return nil, lastErr
			}
		}
		if attempt == maxRetries-1 {
			break
		}
		wait := bo.Duration()
		b.log.Warn().Str("tool", toolName).Int("attempt", attempt+1).Dur("wait", wait).Err(lastErr).Msg("retrying tool call")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, &types.TransientError{Reason: lastErr.Error()}
}

func isRetryableStatus(status int) bool {
	switch status {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func (b *Bridge) doRequest(ctx context.Context, toolName string, args map[string]any) (json.RawMessage, int, error) {
	body, err := json.Marshal(map[string]any{"tool_name": toolName, "arguments": args})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/tools/execute", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.bridgeKey != "" {
		req.Header.Set("X-Internal-Key", b.bridgeKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	// A non-2xx status is reported via the status code, not as a Go error:
	// doWithRetry needs to tell retryable statuses (429/5xx) apart from
	// terminal ones (400) before deciding whether to give up.
	return json.RawMessage(payload), resp.StatusCode, nil
}

// CacheContext stores an arbitrary research context blob under key, using
// the bridge's second TTL cache (kept separate from tool-call results so a
// context eviction never disturbs tool cache freshness).
func (b *Bridge) CacheContext(key string, value json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctxCache.set("context", key, value, contextDefaultTTL)
}

// GetContext retrieves a previously cached context blob, if still fresh.
func (b *Bridge) GetContext(key string) (json.RawMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctxCache.get(key)
}

// Stats reports cache hit/miss counters and hit rate for diagnostics.
func (b *Bridge) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := b.hitCount + b.missCount
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(b.hitCount) / float64(total)
	}
	return map[string]any{
		"hits":       b.hitCount,
		"misses":     b.missCount,
		"cache_size": len(b.toolCache.entries),
		"hit_rate":   hitRate,
	}
}

// cacheKey derives an MD5 digest over the tool name and its canonicalized
// JSON arguments; encoding/json already emits map keys in sorted order, so
// equal argument sets hash identically regardless of insertion order.
func cacheKey(toolName string, args map[string]any) string {
	canonical, _ := json.Marshal(args)
	sum := md5.Sum(append([]byte(toolName+":"), canonical...))
	return hex.EncodeToString(sum[:])
}
