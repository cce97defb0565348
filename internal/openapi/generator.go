// Package openapi builds the OpenAPI 3.1 document describing the keyhub
// HTTP API. The document is generated in code so that it tracks the route
// table in internal/server.
package openapi

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

// Route describes one documented operation.
type Route struct {
	Method      string
	Path        string
	Tag         string
	OperationID string
	Summary     string
	Security    string // "", "bearer" or "apiKey"
	Params      openapi3.Parameters
	Body        string // component schema name of the request body
	Status      string
	Response    *openapi3.SchemaRef
}

// Generate returns the document for the given server URL and version.
func Generate(baseURL, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "keyhub API",
			Description: "Session authentication and OpenAPI auth key lifecycle.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "Access token. A renewed token may be returned in the X-New-Access-Token response header.",
			},
		},
		"apiKey": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type: "apiKey",
				In:   "header",
				Name: "X-API-Key",
			},
		},
	}
	doc.Components = &components

	doc.Paths = openapi3.NewPaths()
	for _, rt := range Routes() {
		addRoute(doc, rt)
	}
	return doc
}

// Routes lists every documented operation.
func Routes() []Route {
	keyID := pathParam("keyId", "Auth key ID")
	keyRef := ref("AuthKey")
	adminKeyRef := ref("AdminAuthKey")

	return []Route{
		// Session
		{Method: http.MethodPost, Path: "/api/v1/auth/login", Tag: "auth", OperationID: "login",
			Summary: "Log in with a password", Body: "LoginRequest", Status: "200", Response: ref("LoginResponse")},
		{Method: http.MethodPost, Path: "/api/v1/auth/refresh", Tag: "auth", OperationID: "refresh",
			Summary: "Exchange a refresh token for a new access token", Body: "RefreshRequest", Status: "200", Response: ref("LoginResponse")},
		{Method: http.MethodPost, Path: "/api/v1/auth/logout", Tag: "auth", OperationID: "logout",
			Summary: "Log out", Security: "bearer", Status: "200", Response: ref("SuccessResponse")},

		// User keys
		{Method: http.MethodGet, Path: "/api/v1/keys", Tag: "keys", OperationID: "listKeys",
			Summary: "List the caller's auth keys", Security: "bearer",
			Params: openapi3.Parameters{boolParam("include_inactive", "Include pending and expired keys")},
			Status: "200", Response: listOf(keyRef)},
		{Method: http.MethodPost, Path: "/api/v1/keys", Tag: "keys", OperationID: "createKey",
			Summary: "Create an auth key", Security: "bearer", Body: "CreateKeyRequest", Status: "201", Response: keyRef},
		{Method: http.MethodGet, Path: "/api/v1/keys/stats", Tag: "keys", OperationID: "keyStats",
			Summary: "Count the caller's keys by status", Security: "bearer", Status: "200", Response: ref("KeyCounts")},
		{Method: http.MethodGet, Path: "/api/v1/keys/{keyId}", Tag: "keys", OperationID: "getKey",
			Summary: "Get an auth key", Security: "bearer", Params: openapi3.Parameters{keyID}, Status: "200", Response: keyRef},
		{Method: http.MethodPut, Path: "/api/v1/keys/{keyId}/extend", Tag: "keys", OperationID: "extendKey",
			Summary: "Replace an auth key's validity window", Security: "bearer", Params: openapi3.Parameters{keyID},
			Body: "ExtendKeyRequest", Status: "200", Response: keyRef},
		{Method: http.MethodDelete, Path: "/api/v1/keys/{keyId}", Tag: "keys", OperationID: "revokeKey",
			Summary: "Revoke an auth key", Security: "bearer", Params: openapi3.Parameters{keyID}, Status: "200", Response: ref("SuccessResponse")},

		// Admin keys
		{Method: http.MethodGet, Path: "/api/v1/admin/keys", Tag: "admin", OperationID: "adminListKeys",
			Summary: "List auth keys of any owner", Security: "bearer",
			Params: openapi3.Parameters{intParam("owner_id", "Restrict to one owner"), boolParam("include_inactive", "Include pending and expired keys")},
			Status: "200", Response: listOf(adminKeyRef)},
		{Method: http.MethodGet, Path: "/api/v1/admin/keys/stats", Tag: "admin", OperationID: "adminKeyStats",
			Summary: "Count keys by status", Security: "bearer",
			Params: openapi3.Parameters{intParam("owner_id", "Restrict to one owner")},
			Status: "200", Response: ref("KeyCounts")},
		{Method: http.MethodGet, Path: "/api/v1/admin/keys/{keyId}", Tag: "admin", OperationID: "adminGetKey",
			Summary: "Get any auth key", Security: "bearer", Params: openapi3.Parameters{keyID}, Status: "200", Response: adminKeyRef},
		{Method: http.MethodPost, Path: "/api/v1/admin/keys/{keyId}/approve", Tag: "admin", OperationID: "approveKey",
			Summary: "Approve an auth key", Security: "bearer", Params: openapi3.Parameters{keyID}, Status: "200", Response: adminKeyRef},
		{Method: http.MethodPost, Path: "/api/v1/admin/keys/{keyId}/reject", Tag: "admin", OperationID: "rejectKey",
			Summary: "Reject an auth key", Security: "bearer", Params: openapi3.Parameters{keyID},
			Body: "RejectKeyRequest", Status: "200", Response: adminKeyRef},
		{Method: http.MethodPut, Path: "/api/v1/admin/keys/{keyId}/extend", Tag: "admin", OperationID: "adminExtendKey",
			Summary: "Replace any key's validity window", Security: "bearer", Params: openapi3.Parameters{keyID},
			Body: "ExtendKeyRequest", Status: "200", Response: adminKeyRef},
		{Method: http.MethodDelete, Path: "/api/v1/admin/keys/{keyId}", Tag: "admin", OperationID: "adminRevokeKey",
			Summary: "Revoke any auth key", Security: "bearer", Params: openapi3.Parameters{keyID}, Status: "200", Response: ref("SuccessResponse")},
		{Method: http.MethodGet, Path: "/api/v1/admin/audit", Tag: "admin", OperationID: "listAudit",
			Summary: "Query the audit trail", Security: "bearer", Params: auditParams(),
			Status: "200", Response: listOf(ref("AuditEvent"))},

		// External API gate
		{Method: http.MethodGet, Path: "/openapi/v1/ping", Tag: "external", OperationID: "ping",
			Summary: "Check an auth key", Security: "apiKey", Status: "200", Response: ref("PingResponse")},
	}
}

func addRoute(doc *openapi3.T, rt Route) {
	op := &openapi3.Operation{
		Tags:        []string{rt.Tag},
		Summary:     rt.Summary,
		OperationID: rt.OperationID,
		Parameters:  rt.Params,
		Responses:   newResponses(rt.Status, rt.Summary, rt.Response),
	}
	switch rt.Security {
	case "bearer":
		op.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}}}
	case "apiKey":
		op.Security = &openapi3.SecurityRequirements{{"apiKey": {}}}
	default:
		op.Security = &openapi3.SecurityRequirements{}
	}
	if rt.Body != "" {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithRequired(true).
				WithJSONSchemaRef(ref(rt.Body)),
		}
	}

	item := doc.Paths.Value(rt.Path)
	if item == nil {
		item = &openapi3.PathItem{}
		doc.Paths.Set(rt.Path, item)
	}
	item.SetOperation(rt.Method, op)
}

// ─── Parameter Builders ─────────────────────────────────────────────────────

func pathParam(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewPathParameter(name).
			WithDescription(description).
			WithSchema(openapi3.NewInt64Schema()),
	}
}

func intParam(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewQueryParameter(name).
			WithDescription(description).
			WithSchema(openapi3.NewInt64Schema()),
	}
}

func boolParam(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewQueryParameter(name).
			WithDescription(description).
			WithSchema(openapi3.NewBoolSchema()),
	}
}

func stringParam(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewQueryParameter(name).
			WithDescription(description).
			WithSchema(openapi3.NewStringSchema()),
	}
}

func auditParams() openapi3.Parameters {
	return openapi3.Parameters{
		stringParam("actor_kind", "U or A"),
		intParam("actor_id", "Actor account ID"),
		stringParam("event_type", "LOGIN, LOGOUT, REFRESH, KEY_CREATE, KEY_APPROVE, KEY_REJECT, KEY_EXTEND or KEY_REVOKE"),
		stringParam("result", "SUCCESS or FAILURE"),
		intParam("key_id", "Target auth key ID"),
		stringParam("from", "Start of the time range (YYYY-MM-DD or RFC 3339)"),
		stringParam("to", "End of the time range (YYYY-MM-DD or RFC 3339)"),
		intParam("limit", "Maximum number of events to return"),
		intParam("offset", "Number of events to skip"),
	}
}

// ─── Response Helpers ───────────────────────────────────────────────────────

// newResponses builds a Responses map with a success response and the
// standard error responses.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Delete("default")

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := ref("ErrorResponse")
	for _, e := range []struct{ code, desc string }{
		{"400", "Validation failed"},
		{"401", "Unauthenticated; the client must discard its credentials"},
		{"403", "Forbidden"},
		{"404", "Not found"},
		{"409", "Conflict"},
		{"503", "Storage failure; safe to retry"},
	} {
		desc := e.desc
		responses.Set(e.code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func listOf(item *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"resource": &openapi3.SchemaRef{
					Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: item},
				},
				"meta": metaSchema(),
			},
		},
	}
}

// metaSchema returns the schema for the "meta" field in list responses.
func metaSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"count":  intSchema("Number of records in this page."),
				"total":  intSchema("Total number of records matching the query."),
				"limit":  intSchema("Maximum records returned per page."),
				"offset": intSchema("Number of records skipped."),
			},
		},
	}
}
