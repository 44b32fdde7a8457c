package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallTool_CachesCacheableTool(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"content":"sunny"}`))
	}))
	defer srv.Close()

	b := New(srv.URL, "", zerolog.Nop())
	ctx := context.Background()

	first, err := b.CallTool(ctx, "get_weather", map[string]any{"city": "nyc"})
	require.NoError(t, err)
	second, err := b.CallTool(ctx, "get_weather", map[string]any{"city": "nyc"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.JSONEq(t, string(first), string(second))
}

func TestCallTool_MutatorInvalidatesRelatedReadCache(t *testing.T) {
	var listCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ToolName string `json:"tool_name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ToolName == "list_tasks" {
			atomic.AddInt32(&listCalls, 1)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b := New(srv.URL, "", zerolog.Nop())
	ctx := context.Background()

	_, err := b.CallTool(ctx, "list_tasks", nil)
	require.NoError(t, err)
	_, err = b.CallTool(ctx, "list_tasks", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&listCalls), "second list within TTL must be served from cache")

	_, err = b.CallTool(ctx, "add_task", map[string]any{"title": "buy milk"})
	require.NoError(t, err)

	_, err = b.CallTool(ctx, "list_tasks", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&listCalls), "list after a mutation must go back to the backend")
}

func TestCallTool_NonCacheableToolAlwaysCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"content":"ok"}`))
	}))
	defer srv.Close()

	b := New(srv.URL, "", zerolog.Nop())
	ctx := context.Background()

	_, err := b.CallTool(ctx, "send_sms", map[string]any{"to": "555"})
	require.NoError(t, err)
	_, err = b.CallTool(ctx, "send_sms", map[string]any{"to": "555"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCallTool_RetriesOn503ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"content":"ok"}`))
	}))
	defer srv.Close()

	b := New(srv.URL, "", zerolog.Nop())
	_, err := b.CallTool(context.Background(), "check_omi_status", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestCallTool_NonRetryable4xxFailsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := New(srv.URL, "", zerolog.Nop())
	_, err := b.CallTool(context.Background(), "check_omi_status", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheKey_OrderIndependent(t *testing.T) {
	k1 := cacheKey("get_weather", map[string]any{"a": 1, "b": 2})
	k2 := cacheKey("get_weather", map[string]any{"b": 2, "a": 1})
	assert.Equal(t, k1, k2)
}

func TestCacheKey_DifferentArgsDifferentKey(t *testing.T) {
	k1 := cacheKey("get_weather", map[string]any{"city": "nyc"})
	k2 := cacheKey("get_weather", map[string]any{"city": "sf"})
	assert.NotEqual(t, k1, k2)
}

func TestToolTTL_PerToolTable(t *testing.T) {
	assert.Equal(t, 5*time.Second, toolTTL("get_current_time"))
	assert.Equal(t, 300*time.Second, toolTTL("get_weather"))
	assert.Equal(t, 30*time.Second, toolTTL("check_omi_status"))
	assert.Equal(t, 60*time.Second, toolTTL("list_tasks"))
	assert.Equal(t, 120*time.Second, toolTTL("get_user_profile"))
	assert.Equal(t, defaultTTL, toolTTL("something_else"))
}

func TestToolTimeout_PerToolTable(t *testing.T) {
	assert.Equal(t, 60*time.Second, toolTimeout("perplexity_search"))
	assert.Equal(t, 45*time.Second, toolTimeout("web_search"))
	assert.Equal(t, 15*time.Second, toolTimeout("send_sms"))
	assert.Equal(t, 20*time.Second, toolTimeout("add_calendar_event"))
	assert.Equal(t, defaultTimeout, toolTimeout("something_else"))
}

func TestTTLCache_EvictsWhenFull(t *testing.T) {
	c := newTTLCache(20)
	for i := 0; i < 25; i++ {
		c.set("get_weather", cacheKey("get_weather", map[string]any{"i": i}), json.RawMessage(`{}`), time.Minute)
	}
	assert.LessOrEqual(t, len(c.entries), 20)
}

func TestTTLCache_InvalidateByTool(t *testing.T) {
	c := newTTLCache(20)
	k1 := cacheKey("list_tasks", nil)
	k2 := cacheKey("get_weather", map[string]any{"city": "nyc"})
	c.set("list_tasks", k1, json.RawMessage(`{}`), time.Minute)
	c.set("get_weather", k2, json.RawMessage(`{}`), time.Minute)

	n := c.invalidate("list_tasks")
	assert.Equal(t, 1, n)
	_, ok := c.get(k1)
	assert.False(t, ok)
	_, ok = c.get(k2)
	assert.True(t, ok, "unrelated tool's entries must survive")
}

func TestStats_HitRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b := New(srv.URL, "", zerolog.Nop())
	ctx := context.Background()
	_, _ = b.CallTool(ctx, "get_weather", nil)
	_, _ = b.CallTool(ctx, "get_weather", nil)

	stats := b.Stats()
	assert.Equal(t, 1, stats["hits"])
	assert.Equal(t, 1, stats["misses"])
	assert.InDelta(t, 0.5, stats["hit_rate"].(float64), 1e-9)
}
