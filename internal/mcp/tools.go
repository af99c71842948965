package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tmarks/tmarks/internal/permission"
)

// registerTools registers all tmarks MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Key inspection -----

	srv.AddTool(
		mcp.NewTool("tmarks_list_api_keys",
			mcp.WithDescription(
				"List the user's API keys, newest first. Returns metadata only: "+
					"prefix, name, permissions, status, expiry and last use. "+
					"Plaintext keys are never available after creation.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListAPIKeys,
	)

	srv.AddTool(
		mcp.NewTool("tmarks_get_api_key",
			mcp.WithDescription(
				"Get one API key with usage stats (total requests, last use) and "+
					"optionally its most recent usage log rows.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("ID of the API key"),
			),
			mcp.WithNumber("logs",
				mcp.Description("Number of recent usage rows to include (0 to 100, default 0)"),
			),
		),
		s.handleGetAPIKey,
	)

	// ----- Key lifecycle -----

	srv.AddTool(
		mcp.NewTool("tmarks_revoke_api_key",
			mcp.WithDescription(
				"Revoke an API key so it can no longer authenticate. Revocation is "+
					"permanent. With hard=true the key and its usage logs are deleted.",
			),
			mcp.WithToolAnnotation(destructiveAnnotation()),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("ID of the API key"),
			),
			mcp.WithBoolean("hard",
				mcp.Description("Delete the key and its logs instead of revoking it"),
			),
		),
		s.handleRevokeAPIKey,
	)

	// ----- Permissions -----

	srv.AddTool(
		mcp.NewTool("tmarks_list_permission_templates",
			mcp.WithDescription(
				"List the permission templates (READ_ONLY, BASIC, FULL) and the "+
					"capabilities each one expands to at key creation.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListTemplates,
	)

	srv.AddTool(
		mcp.NewTool("tmarks_check_permission",
			mcp.WithDescription(
				"Check whether a capability such as \"bookmarks.create\" is granted. "+
					"Grants come from an API key (key_id) or an explicit list (granted). "+
					"A grant ending in \".*\" covers its whole namespace.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("required",
				mcp.Required(),
				mcp.Description("Capability to check, e.g. \"tags.assign\""),
			),
			mcp.WithString("key_id",
				mcp.Description("ID of an API key whose permissions to check"),
			),
			mcp.WithArray("granted",
				mcp.Description("Explicit grant list, used when key_id is omitted"),
				mcp.WithStringItems(),
			),
		),
		s.handleCheckPermission,
	)
}

func (s *MCPServer) handleListAPIKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keys, err := s.keys.List(ctx, s.userID)
	if err != nil {
		return serviceError(err)
	}
	return successJSON(keys)
}

func (s *MCPServer) handleGetAPIKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	details, errResult := s.ownedKey(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	n := clamp(request.GetInt("logs", 0), 0, maxToolLogs)
	if n == 0 {
		return successJSON(details)
	}

	logs, err := s.keys.Logs(ctx, s.userID, details.ID, n)
	if err != nil {
		return serviceError(err)
	}
	return successJSON(map[string]any{
		"key":  details,
		"logs": logs,
	})
}

func (s *MCPServer) handleRevokeAPIKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	id, err := requireString(request, "id")
	if err != nil {
		return toolError("%v", err)
	}

	if request.GetBool("hard", false) {
		if err := s.keys.HardDelete(ctx, s.userID, id); err != nil {
			return serviceError(err)
		}
		s.logger.Info("api key deleted via MCP", "key_id", id, "user_id", s.userID)
		return successJSON(map[string]string{"id": id, "result": "deleted"})
	}

	if err := s.keys.Revoke(ctx, s.userID, id); err != nil {
		return serviceError(err)
	}
	s.logger.Info("api key revoked via MCP", "key_id", id, "user_id", s.userID)
	return successJSON(map[string]string{"id": id, "result": "revoked"})
}

func (s *MCPServer) handleListTemplates(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {
	return successJSON(permission.Templates())
}

func (s *MCPServer) handleCheckPermission(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	required, err := requireString(request, "required")
	if err != nil {
		return toolError("%v", err)
	}
	if !permission.IsValid(required) {
		return toolError("%q is not a valid capability", required)
	}

	granted := request.GetStringSlice("granted", nil)
	source := "granted"
	if keyID := request.GetString("key_id", ""); keyID != "" {
		details, err := s.keys.Get(ctx, s.userID, keyID)
		if err != nil {
			return serviceError(err)
		}
		granted = details.Permissions
		source = "key:" + details.KeyPrefix
	} else if granted == nil {
		return toolError("provide either key_id or granted")
	}

	return successJSON(map[string]any{
		"required": required,
		"allowed":  permission.HasPermission(granted, required),
		"source":   source,
	})
}
