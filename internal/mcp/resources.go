package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tmarks/tmarks/internal/permission"
)

const (
	templatesURI   = "tmarks://permission-templates"
	apiKeyURIStart = "tmarks://api-keys/"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// tmarks://permission-templates: the fixed template catalog
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			templatesURI,
			"Permission Templates",
			mcp.WithResourceDescription(
				"Named permission bundles and the capabilities each expands to.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleTemplatesResource,
	)

	// -------------------------------------------------------------------
	// tmarks://api-keys/{id}: one key with usage stats (template)
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			apiKeyURIStart+"{id}",
			"API Key",
			mcp.WithTemplateDescription(
				"Metadata and usage stats for one of the user's API keys.",
			),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleAPIKeyResource,
	)
}

func (s *MCPServer) handleTemplatesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {
	return jsonResource(templatesURI, permission.Templates())
}

func (s *MCPServer) handleAPIKeyResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	id := strings.TrimPrefix(uri, apiKeyURIStart)
	if id == "" || id == uri {
		return nil, fmt.Errorf("invalid api key URI %q: expected %s{id}", uri, apiKeyURIStart)
	}

	details, err := s.keys.Get(ctx, s.userID, id)
	if err != nil {
		return nil, fmt.Errorf("api key %q: %s", id, publicMessage(err))
	}
	return jsonResource(uri, details)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
