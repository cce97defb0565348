package handler

import (
	"net/http"
	"sync"

	"github.com/faucetdb/keyhub/internal/openapi"
)

// OpenAPIHandler serves the API document. The document is static for the
// life of the process, so it is built once on first request.
type OpenAPIHandler struct {
	baseURL string
	version string

	once sync.Once
	doc  interface{}
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(baseURL, version string) *OpenAPIHandler {
	return &OpenAPIHandler{baseURL: baseURL, version: version}
}

// ServeSpec returns the OpenAPI 3.1 document.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		h.doc = openapi.Generate(h.baseURL, h.version)
	})
	writeJSON(w, http.StatusOK, h.doc)
}
