package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tmarks/tmarks/internal/apperr"
	"github.com/tmarks/tmarks/internal/service"
)

// maxToolLogs caps the usage rows a single tool call may return.
const maxToolLogs = 100

// requireString extracts a required, non-empty string argument.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || val == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// ownedKey loads the key named by the "id" argument. Keys of other users
// are reported as not found.
func (s *MCPServer) ownedKey(ctx context.Context, request mcp.CallToolRequest) (*service.KeyDetails, *mcp.CallToolResult) {
	id, err := requireString(request, "id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	details, err := s.keys.Get(ctx, s.userID, id)
	if err != nil {
		return nil, mcp.NewToolResultError(publicMessage(err))
	}
	return details, nil
}

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns a tool-level error result. The client sees it and the
// session stays open.
func toolError(format string, args ...any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

// serviceError reports a service failure by its public message only.
func serviceError(err error) (*mcp.CallToolResult, error) {
	return toolError("%s", publicMessage(err))
}

func publicMessage(err error) string {
	if e := apperr.As(err); e != nil {
		return e.Message
	}
	return apperr.Internal(err).Message
}

// clamp constrains val to [min, max].
func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
