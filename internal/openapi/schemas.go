package openapi

import "github.com/getkin/kin-openapi/openapi3"

// componentSchemas returns the reusable schemas referenced by the routes.
func componentSchemas() openapi3.Schemas {
	return openapi3.Schemas{
		"AuthKey":        authKeySchema(false),
		"AdminAuthKey":   authKeySchema(true),
		"KeyCounts":      keyCountsSchema(),
		"AuditEvent":     auditEventSchema(),
		"LoginRequest":   loginRequestSchema(),
		"RefreshRequest": object([]string{"refresh_token"}, openapi3.Schemas{"refresh_token": stringSchema("Refresh token from login.")}),
		"LoginResponse":  loginResponseSchema(),
		"CreateKeyRequest": object([]string{"name", "purpose"}, openapi3.Schemas{
			"owner_id":    intSchema("Owner account ID. Admin only; users always own their keys."),
			"name":        stringSchema("Display name."),
			"purpose":     stringSchema("Why the key is needed."),
			"valid_from":  dateSchema("Start of the validity window."),
			"valid_until": dateSchema("End of the validity window. Required for users; a bare date means end of that day."),
		}),
		"ExtendKeyRequest": object([]string{"valid_until"}, openapi3.Schemas{
			"valid_from":  dateSchema("New start of the window. Omit to keep the current start."),
			"valid_until": dateSchema("New end of the window."),
		}),
		"RejectKeyRequest": object([]string{"reason"}, openapi3.Schemas{
			"reason": stringSchema("Why the key was rejected."),
		}),
		"PingResponse": object(nil, openapi3.Schemas{
			"status": stringSchema("Always \"ok\"."),
			"key_id": intSchema("The authenticated key."),
		}),
		"SuccessResponse": object(nil, openapi3.Schemas{
			"success": {Value: openapi3.NewBoolSchema()},
		}),
		"ErrorResponse": errorResponseSchema(),
	}
}

func authKeySchema(admin bool) *openapi3.SchemaRef {
	props := openapi3.Schemas{
		"key_id":           intSchema("Auth key ID."),
		"secret":           stringSchema("The credential presented in X-API-Key."),
		"name":             stringSchema("Display name."),
		"purpose":          stringSchema("Why the key is needed."),
		"valid_from":       dateTimeSchema("Start of the validity window, inclusive."),
		"valid_until":      dateTimeSchema("End of the validity window, inclusive."),
		"status":           enumSchema("Derived status.", "PENDING", "ACTIVE", "EXPIRED"),
		"created_at":       dateTimeSchema("Creation time."),
		"last_accessed_at": dateTimeSchema("Last successful use."),
	}
	if admin {
		props["owner_id"] = intSchema("Owner account ID.")
		props["approved"] = &openapi3.SchemaRef{Value: openapi3.NewBoolSchema()}
		props["reject_reason"] = stringSchema("Set while the key is rejected.")
		props["lifecycle"] = enumSchema("Detailed state.", "pending", "rejected", "scheduled", "active", "expired")
		props["created_by"] = intSchema("Creator account ID.")
		props["updated_at"] = dateTimeSchema("Last modification time.")
		props["updated_by"] = intSchema("Last modifier account ID.")
		props["last_approved_at"] = dateTimeSchema("Last approval time.")
	}
	return object([]string{"key_id", "secret", "name", "purpose", "status", "created_at"}, props)
}

func keyCountsSchema() *openapi3.SchemaRef {
	return object([]string{"total", "active", "expired", "pending"}, openapi3.Schemas{
		"total":   intSchema("All keys in scope. Equals active + expired + pending."),
		"active":  intSchema("Keys currently usable."),
		"expired": intSchema("Keys past valid_until."),
		"pending": intSchema("Keys awaiting approval, rejected, or not yet in their window."),
	})
}

func auditEventSchema() *openapi3.SchemaRef {
	return object([]string{"id", "actor_kind", "actor_id", "event_type", "result", "occurred_at"}, openapi3.Schemas{
		"id":            intSchema("Event ID."),
		"actor_kind":    enumSchema("Actor kind.", "U", "A"),
		"actor_id":      intSchema("Actor account ID."),
		"event_type":    enumSchema("Event type.", "LOGIN", "LOGOUT", "REFRESH", "KEY_CREATE", "KEY_APPROVE", "KEY_REJECT", "KEY_EXTEND", "KEY_REVOKE"),
		"result":        enumSchema("Outcome.", "SUCCESS", "FAILURE"),
		"target_key_id": intSchema("Affected auth key."),
		"detail":        stringSchema("Free-form detail."),
		"ip":            stringSchema("Client address."),
		"user_agent":    stringSchema("Client user agent."),
		"occurred_at":   dateTimeSchema("When the event happened."),
	})
}

func loginRequestSchema() *openapi3.SchemaRef {
	return object([]string{"kind", "login_id", "password"}, openapi3.Schemas{
		"kind":     enumSchema("Account kind.", "U", "A"),
		"login_id": stringSchema("Login identifier."),
		"password": {Value: openapi3.NewStringSchema().WithFormat("password")},
	})
}

func loginResponseSchema() *openapi3.SchemaRef {
	return object([]string{"access_token", "token_type", "expires_in", "user"}, openapi3.Schemas{
		"access_token":       stringSchema("Short-lived bearer token."),
		"token_type":         stringSchema("Always \"Bearer\"."),
		"expires_in":         intSchema("Access token lifetime in seconds."),
		"expires_at":         dateTimeSchema("Access token expiry."),
		"refresh_token":      stringSchema("Long-lived refresh token. Returned by login only."),
		"refresh_expires_at": dateTimeSchema("Refresh token expiry."),
		"user": object([]string{"id", "kind"}, openapi3.Schemas{
			"id":       intSchema("Account ID."),
			"kind":     enumSchema("Account kind.", "U", "A"),
			"login_id": stringSchema("Login identifier."),
			"name":     stringSchema("Display name."),
			"role":     stringSchema("Account role."),
		}),
	})
}

// errorResponseSchema returns the schema for the standard error envelope.
func errorResponseSchema() *openapi3.SchemaRef {
	logout := openapi3.NewBoolSchema()
	logout.Description = "The client must discard its tokens."
	return object([]string{"error"}, openapi3.Schemas{
		"error": object([]string{"code", "message"}, openapi3.Schemas{
			"code":    intSchema("HTTP status code."),
			"kind":    enumSchema("Error kind.", "UNAUTHENTICATED", "FORBIDDEN", "NOT_FOUND", "VALIDATION_FAILED", "CONFLICT", "STORAGE_FAILURE"),
			"message": stringSchema("Human-readable message."),
			"logout":  {Value: logout},
			"context": {Value: openapi3.NewObjectSchema()},
		}),
	})
}

// ─── Schema Builders ────────────────────────────────────────────────────────

func object(required []string, props openapi3.Schemas) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Required:   required,
			Properties: props,
		},
	}
}

func intSchema(description string) *openapi3.SchemaRef {
	s := openapi3.NewInt64Schema()
	s.Description = description
	return &openapi3.SchemaRef{Value: s}
}

func stringSchema(description string) *openapi3.SchemaRef {
	s := openapi3.NewStringSchema()
	s.Description = description
	return &openapi3.SchemaRef{Value: s}
}

func dateTimeSchema(description string) *openapi3.SchemaRef {
	s := openapi3.NewDateTimeSchema()
	s.Description = description
	return &openapi3.SchemaRef{Value: s}
}

// dateSchema accepts either YYYY-MM-DD or RFC 3339, so no format is set.
func dateSchema(description string) *openapi3.SchemaRef {
	s := openapi3.NewStringSchema()
	s.Description = description
	return &openapi3.SchemaRef{Value: s}
}

func enumSchema(description string, values ...string) *openapi3.SchemaRef {
	enum := make([]interface{}, len(values))
	for i, v := range values {
		enum[i] = v
	}
	s := openapi3.NewStringSchema()
	s.Description = description
	s.Enum = enum
	return &openapi3.SchemaRef{Value: s}
}
