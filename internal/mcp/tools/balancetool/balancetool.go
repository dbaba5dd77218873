// Package balancetool provides the built-in get_user_balance tool.
//
// The tool forwards a lookup to a [balance.Describer], normally the HTTP
// [balance.Client] pointed at the balance server, and hands the resulting
// sentence to the model. A missing account is an ordinary answer. A failed
// lookup is returned as an error whose text starts with
// "Balance lookup failed:" so the model can tell the caller.
package balancetool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/voxline/internal/balance"
	"github.com/MrWong99/voxline/internal/mcp/tools"
	"github.com/MrWong99/voxline/pkg/types"
)

const (
	declaredP50Ms = 50
	maxDurationMs = 3000
)

type args struct {
	UserID *int64 `json:"user_id"`
}

// Tools returns the balance tool backed by d.
func Tools(d balance.Describer) []tools.Tool {
	return []tools.Tool{{
		Definition: types.ToolDefinition{
			Name:        balance.ToolName,
			Description: balance.ToolDescription,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"user_id": map[string]any{
						"type":        "integer",
						"description": "Numeric id of the caller's account.",
					},
				},
				"required": []string{"user_id"},
			},
			MaxDurationMs: maxDurationMs,
		},
		Handler:     handler(d),
		DeclaredP50: declaredP50Ms,
	}}
}

func handler(d balance.Describer) func(ctx context.Context, raw string) (string, error) {
	return func(ctx context.Context, raw string) (string, error) {
		var a args
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
		if a.UserID == nil {
			return "", errors.New("invalid arguments: user_id is required")
		}
		text, err := d.Describe(ctx, *a.UserID)
		if err != nil {
			return "", errors.New(balance.FailureText(err))
		}
		return text, nil
	}
}
