package main

import (
	"context"
	"encoding/json"

	"turtleagent/internal/bridge"
	"turtleagent/internal/types"
)

// bridgeResearcher adapts the ToolBridge to decision.Researcher; the
// decision agent itself screens signals against the score threshold before
// calling Research.
type bridgeResearcher struct {
	toolBridge *bridge.Bridge
}

func newBridgeResearcher(b *bridge.Bridge) *bridgeResearcher {
	return &bridgeResearcher{toolBridge: b}
}

func (r *bridgeResearcher) Research(ctx context.Context, signal types.Signal) (string, error) {
	raw, err := r.toolBridge.CallTool(ctx, "perplexity_search", map[string]any{
		"query": "latest market-moving news for " + signal.Symbol,
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	return parsed.Content, nil
}
