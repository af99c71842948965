// Package openapi builds the OpenAPI 3.1 document describing the tmarks
// authentication and API key endpoints.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/tmarks/tmarks/internal/permission"
)

// Options configures the generated document.
type Options struct {
	BaseURL      string
	Version      string
	APIKeyHeader string
}

// Generate returns the OpenAPI document for the HTTP API.
func Generate(opts Options) *openapi3.T {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "tmarks API",
			Description: "Session authentication and API key management for tmarks.",
			Version:     opts.Version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: opts.APIKeyHeader,
		},
	}
	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}

	addSchemas(doc)
	doc.Paths = openapi3.NewPaths()
	addAuthPaths(doc)
	addAPIKeyPaths(doc)
	return doc
}

// ---------------------------------------------------------------------------
// Component schemas
// ---------------------------------------------------------------------------

func addSchemas(doc *openapi3.T) {
	s := doc.Components.Schemas

	s["ErrorResponse"] = object(openapi3.Schemas{
		"error": object(openapi3.Schemas{
			"code":    integer("HTTP status code."),
			"reason":  str("Stable machine-readable error code."),
			"message": str("Human-readable message."),
		}, "code", "reason", "message"),
	}, "error")

	s["User"] = object(openapi3.Schemas{
		"id":       str(""),
		"username": str(""),
		"email":    str(""),
		"role":     str("Defaults to \"user\"."),
	}, "id", "username", "email", "role")

	s["LoginRequest"] = object(openapi3.Schemas{
		"username":    str("Username or email, matched case-insensitively."),
		"password":    str(""),
		"remember_me": boolean(),
	}, "username", "password")

	s["LogoutRequest"] = object(openapi3.Schemas{
		"refresh_token": str(""),
		"revoke_all":    boolean(),
	}, "refresh_token")

	s["RefreshRequest"] = object(openapi3.Schemas{
		"refresh_token": str(""),
	}, "refresh_token")

	s["Session"] = object(openapi3.Schemas{
		"access_token":  str("HS256 session token."),
		"refresh_token": str("Opaque refresh token. Shown once."),
		"token_type":    str("Always \"Bearer\"."),
		"expires_in":    integer("Access token lifetime in seconds."),
		"user":          ref("User"),
	}, "access_token", "refresh_token", "token_type", "expires_in")

	status := str("")
	status.Value.Enum = []any{"active", "revoked", "expired"}

	template := str("Permission template, expanded when stored.")
	for _, t := range permission.Templates() {
		template.Value.Enum = append(template.Value.Enum, t.Name)
	}

	s["APIKey"] = object(openapi3.Schemas{
		"id":           str(""),
		"user_id":      str(""),
		"key_prefix":   str("First 13 characters of the key."),
		"name":         str(""),
		"description":  nullable(str("")),
		"permissions":  stringArray(),
		"status":       status,
		"expires_at":   nullable(dateTime()),
		"last_used_at": nullable(dateTime()),
		"last_used_ip": nullable(str("")),
		"created_at":   dateTime(),
		"updated_at":   dateTime(),
	}, "id", "key_prefix", "name", "permissions", "status")

	s["CreatedAPIKey"] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		AllOf: openapi3.SchemaRefs{
			ref("APIKey"),
			object(openapi3.Schemas{"key": str("Plaintext key. Returned only at creation.")}, "key"),
		},
	}}

	s["APIKeyStats"] = object(openapi3.Schemas{
		"total_requests": integer(""),
		"last_used_at":   nullable(dateTime()),
		"last_used_ip":   nullable(str("")),
	}, "total_requests")

	s["APIKeyDetails"] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		AllOf: openapi3.SchemaRefs{
			ref("APIKey"),
			object(openapi3.Schemas{"stats": ref("APIKeyStats")}, "stats"),
		},
	}}

	s["APIKeyLog"] = object(openapi3.Schemas{
		"id":         str(""),
		"api_key_id": str(""),
		"user_id":    str(""),
		"endpoint":   str(""),
		"method":     str(""),
		"status":     integer(""),
		"ip":         nullable(str("")),
		"created_at": dateTime(),
	}, "id", "endpoint", "method", "status", "created_at")

	expiry := str("Relative \"<N>d\" or an ISO 8601 date or timestamp in the future.")

	s["CreateAPIKeyRequest"] = object(openapi3.Schemas{
		"name":        str("1 to 100 characters."),
		"description": str(""),
		"permissions": stringArray(),
		"template":    template,
		"expires_at":  expiry,
	}, "name")

	s["UpdateAPIKeyRequest"] = object(openapi3.Schemas{
		"name":        str(""),
		"description": nullable(str("")),
		"permissions": stringArray(),
		"template":    template,
		"expires_at":  nullable(expiry),
	})

	s["Message"] = object(openapi3.Schemas{"message": str("")}, "message")
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

func addAuthPaths(doc *openapi3.T) {
	login := operation("auth", "login", "Log in with username or email", nil,
		body("LoginRequest"), "200", "Session issued", ref("Session"))
	login.Responses.Set("429", errorResponse("Too many login attempts"))
	doc.Paths.Set("/v1/auth/login", &openapi3.PathItem{Post: login})

	doc.Paths.Set("/v1/auth/refresh", &openapi3.PathItem{
		Post: operation("auth", "refresh", "Rotate a refresh token", nil,
			body("RefreshRequest"), "200", "New session", ref("Session")),
	})

	logout := operation("auth", "logout", "Revoke one or all refresh tokens", sessionOnly(),
		body("LogoutRequest"), "", "", nil)
	noContent := "Logged out"
	logout.Responses.Set("204", &openapi3.ResponseRef{Value: &openapi3.Response{Description: &noContent}})
	doc.Paths.Set("/v1/auth/logout", &openapi3.PathItem{Post: logout})

	me := object(openapi3.Schemas{
		"user": ref("User"),
		"auth": object(openapi3.Schemas{
			"kind":        str("\"session\" or \"api_key\"."),
			"permissions": stringArray(),
		}, "kind"),
	}, "user", "auth")
	doc.Paths.Set("/v1/me", &openapi3.PathItem{
		Get: operation("auth", "me", "Current user; API keys need user.read",
			&openapi3.SecurityRequirements{{"bearerAuth": {}}, {"apiKey": {}}},
			nil, "200", "Current user", me),
	})
}

func addAPIKeyPaths(doc *openapi3.T) {
	list := object(openapi3.Schemas{
		"resource": &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: ref("APIKey"),
		}},
		"meta": metaSchema(),
	}, "resource")

	doc.Paths.Set("/v1/settings/api-keys", &openapi3.PathItem{
		Get: operation("api-keys", "listApiKeys", "List API keys", sessionOnly(),
			nil, "200", "Keys, newest first", list),
		Post: operation("api-keys", "createApiKey", "Create an API key", sessionOnly(),
			body("CreateAPIKeyRequest"), "201", "Created key with plaintext secret", ref("CreatedAPIKey")),
	})

	idParam := &openapi3.ParameterRef{Value: openapi3.NewPathParameter("id").
		WithSchema(openapi3.NewStringSchema())}

	get := operation("api-keys", "getApiKey", "Get an API key with usage stats", sessionOnly(),
		nil, "200", "Key details", ref("APIKeyDetails"))
	patch := operation("api-keys", "updateApiKey", "Update an API key", sessionOnly(),
		body("UpdateAPIKeyRequest"), "200", "Updated key", ref("APIKey"))
	del := operation("api-keys", "deleteApiKey", "Revoke, or with hard=true delete, an API key", sessionOnly(),
		nil, "200", "Confirmation", ref("Message"))
	del.Parameters = openapi3.Parameters{{Value: openapi3.NewQueryParameter("hard").
		WithSchema(openapi3.NewBoolSchema())}}

	doc.Paths.Set("/v1/settings/api-keys/{id}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParam},
		Get:        get,
		Patch:      patch,
		Delete:     del,
	})

	logs := operation("api-keys", "listApiKeyLogs", "Recent usage of an API key", sessionOnly(),
		nil, "200", "Usage rows, newest first", object(openapi3.Schemas{
			"resource": &openapi3.SchemaRef{Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: ref("APIKeyLog"),
			}},
			"meta": metaSchema(),
		}, "resource"))
	limit := openapi3.NewQueryParameter("limit").WithSchema(
		openapi3.NewIntegerSchema().WithMin(1).WithMax(100).WithDefault(10))
	logs.Parameters = openapi3.Parameters{{Value: limit}}
	doc.Paths.Set("/v1/settings/api-keys/{id}/logs", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParam},
		Get:        logs,
	})
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

func operation(tag, id, summary string, security *openapi3.SecurityRequirements,
	reqBody *openapi3.RequestBodyRef, status, description string, schema *openapi3.SchemaRef,
) *openapi3.Operation {
	op := &openapi3.Operation{
		Tags:        []string{tag},
		OperationID: id,
		Summary:     summary,
		RequestBody: reqBody,
		Responses:   openapi3.NewResponses(),
	}
	if security != nil {
		op.Security = security
	}
	if status != "" {
		desc := description
		op.Responses.Set(status, &openapi3.ResponseRef{Value: &openapi3.Response{
			Description: &desc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		}})
	}
	op.Responses.Set("400", errorResponse("Bad request"))
	op.Responses.Set("401", errorResponse("Unauthorized"))
	if security != nil {
		op.Responses.Set("403", errorResponse("Forbidden"))
		op.Responses.Set("404", errorResponse("Not found"))
	}
	op.Responses.Set("500", errorResponse("Internal server error"))
	return op
}

func sessionOnly() *openapi3.SecurityRequirements {
	return &openapi3.SecurityRequirements{{"bearerAuth": {}}}
}

func body(schema string) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().
		WithRequired(true).
		WithJSONSchemaRef(ref(schema))}
}

func errorResponse(description string) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{Value: &openapi3.Response{
		Description: &description,
		Content:     openapi3.NewContentWithJSONSchemaRef(ref("ErrorResponse")),
	}}
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func object(props openapi3.Schemas, required ...string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: props,
		Required:   required,
	}}
}

func str(description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{"string"},
		Description: description,
	}}
}

func integer(description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{"integer"},
		Format:      "int64",
		Description: description,
	}}
}

func boolean() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}
}

func dateTime() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:   &openapi3.Types{"string"},
		Format: "date-time",
	}}
}

func stringArray() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:  &openapi3.Types{"array"},
		Items: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
	}}
}

// nullable widens s to also accept null, the 3.1 way.
func nullable(s *openapi3.SchemaRef) *openapi3.SchemaRef {
	types := append(openapi3.Types{}, s.Value.Type.Slice()...)
	types = append(types, "null")
	s.Value.Type = &types
	return s
}

func metaSchema() *openapi3.SchemaRef {
	return object(openapi3.Schemas{
		"count": integer("Number of records returned."),
		"limit": integer("Maximum records requested."),
	}, "count")
}
