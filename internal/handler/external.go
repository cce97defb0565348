package handler

import (
	"net/http"

	"github.com/faucetdb/keyhub/internal/server/middleware"
)

// Ping answers external API calls authenticated by an auth key.
// GET /openapi/v1/ping
func Ping(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if k := middleware.GetAuthKey(r.Context()); k != nil {
		resp["key_id"] = k.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
