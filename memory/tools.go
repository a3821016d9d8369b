package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aupadhyay/smallbot/tool"
)

// Tools returns the built-in memory tools backed by store, ready for
// registration: remember (upsert by key), recall (substring search) and
// forget (delete by key).
func Tools(store Store) []tool.Tool {
	return []tool.Tool{
		rememberTool(store),
		recallTool(store),
		forgetTool(store),
	}
}

func rememberTool(store Store) tool.Tool {
	return tool.NewFunctionTool(
		"remember",
		"Store a piece of information for later conversations. Overwrites any previous value for the same key.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Short stable identifier, e.g. 'user_name' or 'coffee_preference'",
				},
				"value": map[string]any{
					"type":        "string",
					"description": "The information to remember",
				},
			},
			"required": []string{"key", "value"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			value, _ := args["value"].(string)
			if strings.TrimSpace(key) == "" {
				return nil, errors.New("key must not be empty")
			}
			entry, err := store.Remember(ctx, key, value)
			if err != nil {
				return nil, fmt.Errorf("store memory: %w", err)
			}
			return fmt.Sprintf("Remembered %s = %s", entry.Key, entry.Value), nil
		},
	)
}

func recallTool(store Store) tool.Tool {
	return tool.NewFunctionTool(
		"recall",
		"Search stored memories by keyword. An empty query returns the most recently updated entries.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search term matched against keys and values",
				},
				"limit": map[string]any{
					"type":        "number",
					"description": "Maximum number of entries to return (default 10)",
				},
			},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			limit := 10
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			entries, err := store.Recall(ctx, query, limit)
			if err != nil {
				return nil, fmt.Errorf("recall memories: %w", err)
			}
			if len(entries) == 0 {
				return "No matching memories.", nil
			}
			var b strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&b, "%s = %s\n", e.Key, e.Value)
			}
			return strings.TrimSpace(b.String()), nil
		},
	)
}

func forgetTool(store Store) tool.Tool {
	return tool.NewFunctionTool(
		"forget",
		"Delete a stored memory by its key.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "Key of the memory to delete",
				},
			},
			"required": []string{"key"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			key, _ := args["key"].(string)
			err := store.Forget(ctx, key)
			if errors.Is(err, ErrNotFound) {
				return fmt.Sprintf("No memory stored under %q.", key), nil
			}
			if err != nil {
				return nil, fmt.Errorf("forget memory: %w", err)
			}
			return fmt.Sprintf("Forgot %s.", key), nil
		},
	)
}
