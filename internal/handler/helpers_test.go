package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/keyhub/internal/service"
)

// ---------------------------------------------------------------------------
// queryInt tests
// ---------------------------------------------------------------------------

func TestQueryInt(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		key        string
		defaultVal int
		want       int
	}{
		{"returns default for missing param", "/test", "limit", 25, 25},
		{"parses integer param", "/test?limit=100", "limit", 25, 100},
		{"returns default for non-integer", "/test?limit=abc", "limit", 25, 25},
		{"parses zero", "/test?offset=0", "offset", 10, 0},
		{"parses negative", "/test?offset=-5", "offset", 0, -5},
		{"returns default for empty value", "/test?limit=", "limit", 25, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryInt(r, tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("queryInt(%q, %d) = %d, want %d", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// queryBool tests
// ---------------------------------------------------------------------------

func TestQueryBool(t *testing.T) {
	tests := []struct {
		name string
		url  string
		key  string
		want bool
	}{
		{"true for 'true'", "/test?include_count=true", "include_count", true},
		{"true for '1'", "/test?include_count=1", "include_count", true},
		{"false for 'false'", "/test?include_count=false", "include_count", false},
		{"false for missing", "/test", "include_count", false},
		{"false for '0'", "/test?include_count=0", "include_count", false},
		{"false for empty", "/test?include_count=", "include_count", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryBool(r, tt.key)
			if got != tt.want {
				t.Errorf("queryBool(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// queryString tests
// ---------------------------------------------------------------------------

func TestQueryString(t *testing.T) {
	tests := []struct {
		name string
		url  string
		key  string
		want string
	}{
		{"returns value", "/test?filter=age>21", "filter", "age>21"},
		{"returns empty for missing", "/test", "filter", ""},
		{"returns empty string for empty", "/test?filter=", "filter", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryString(r, tt.key)
			if got != tt.want {
				t.Errorf("queryString(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// clampInt tests
// ---------------------------------------------------------------------------

func TestClampInt(t *testing.T) {
	tests := []struct {
		name       string
		val        int
		min        int
		max        int
		want       int
	}{
		{"within range", 50, 0, 100, 50},
		{"at min", 0, 0, 100, 0},
		{"at max", 100, 0, 100, 100},
		{"below min clamps to min", -5, 0, 100, 0},
		{"above max clamps to max", 500, 0, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clampInt(tt.val, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("clampInt(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// writeError tests
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	t.Run("writes JSON error response", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeError(w, http.StatusBadRequest, service.KindValidationFailed, "Invalid input")

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body := w.Body.String()
		if !strings.Contains(body, `"code":400`) {
			t.Errorf("expected code 400 in body: %s", body)
		}
		if !strings.Contains(body, `"message":"Invalid input"`) {
			t.Errorf("expected message in body: %s", body)
		}
		if strings.Contains(body, `"logout"`) {
			t.Errorf("400 should not carry the logout flag: %s", body)
		}
	})

	t.Run("401 tells the client to log out", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeError(w, http.StatusUnauthorized, service.KindUnauthenticated, "token expired")
		if !strings.Contains(w.Body.String(), `"logout":true`) {
			t.Errorf("expected logout flag: %s", w.Body.String())
		}
	})
}

// ---------------------------------------------------------------------------
// writeJSON tests
// ---------------------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	t.Run("writes JSON with correct content type", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})

		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body := w.Body.String()
		if !strings.Contains(body, `"hello":"world"`) {
			t.Errorf("expected JSON body, got: %s", body)
		}
	})
}

// ---------------------------------------------------------------------------
// writeServiceError tests
// ---------------------------------------------------------------------------

func TestWriteServiceError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		kind service.ErrorKind
		want int
	}{
		{service.KindUnauthenticated, http.StatusUnauthorized},
		{service.KindForbidden, http.StatusForbidden},
		{service.KindNotFound, http.StatusNotFound},
		{service.KindValidationFailed, http.StatusBadRequest},
		{service.KindConflict, http.StatusConflict},
		{service.KindStorageFailure, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			w := httptest.NewRecorder()
			writeServiceError(w, logger, &service.Error{Kind: tt.kind, Message: "m"})
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if !strings.Contains(w.Body.String(), `"kind":"`+tt.kind.String()+`"`) {
				t.Errorf("body missing kind: %s", w.Body.String())
			}
		})
	}

	t.Run("storage cause is not leaked", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeServiceError(w, logger, errors.New("dial tcp 10.1.2.3:5432: connection refused"))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
		if strings.Contains(w.Body.String(), "10.1.2.3") {
			t.Errorf("driver error leaked: %s", w.Body.String())
		}
	})
}

// ---------------------------------------------------------------------------
// parseTime tests
// ---------------------------------------------------------------------------

func TestParseTime(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		endOfDay bool
		want     string
		wantErr  bool
	}{
		{"empty is absent", "", false, "", false},
		{"blank is absent", "   ", true, "", false},
		{"date start of day", "2024-01-31", false, "2024-01-31T00:00:00Z", false},
		{"date end of day", "2024-01-31", true, "2024-01-31T23:59:59Z", false},
		{"rfc3339 kept exact", "2024-01-31T10:00:00Z", true, "2024-01-31T10:00:00Z", false},
		{"rfc3339 offset to utc", "2024-01-31T10:00:00+02:00", false, "2024-01-31T08:00:00Z", false},
		{"garbage", "next tuesday", false, "", true},
		{"bad month", "2024-13-01", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTime("valid_until", tt.in, tt.endOfDay)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), "valid_until") {
					t.Errorf("error should name the field: %v", err)
				}
				return
			}
			if tt.want == "" {
				if got != nil {
					t.Errorf("got %v, want nil", got)
				}
				return
			}
			if got == nil || got.Format(time.RFC3339) != tt.want {
				t.Errorf("got %v, want %s", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// decodeRequest tests
// ---------------------------------------------------------------------------

func TestDecodeRequest(t *testing.T) {
	t.Run("invalid JSON", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader("{"))
		var req createKeyRequest
		if err := decodeRequest(r, &req); err == nil || err.Error() != "invalid JSON body" {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("struct tags are checked", func(t *testing.T) {
		body := `{"name":"` + strings.Repeat("x", 101) + `","purpose":"p"}`
		r := httptest.NewRequest("POST", "/", strings.NewReader(body))
		var req createKeyRequest
		err := decodeRequest(r, &req)
		if err == nil || !strings.Contains(err.Error(), "name failed max") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("valid body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"n","purpose":"p","valid_until":"2024-02-01"}`))
		var req createKeyRequest
		if err := decodeRequest(r, &req); err != nil {
			t.Fatalf("err = %v", err)
		}
		if req.ValidUntil != "2024-02-01" {
			t.Errorf("ValidUntil = %q", req.ValidUntil)
		}
	})
}

// ---------------------------------------------------------------------------
// path and query ID tests
// ---------------------------------------------------------------------------

func TestPathID(t *testing.T) {
	r := chi.NewRouter()
	var got int64
	var gotErr error
	r.Get("/keys/{keyId}", func(w http.ResponseWriter, req *http.Request) {
		got, gotErr = pathID(req, "keyId")
	})

	for path, want := range map[string]int64{"/keys/42": 42, "/keys/0": 0, "/keys/-1": 0, "/keys/abc": 0} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
		if got != want || (want == 0) != (gotErr != nil) {
			t.Errorf("%s: got %d, %v", path, got, gotErr)
		}
	}
}

func TestQueryID(t *testing.T) {
	id, err := queryID(httptest.NewRequest("GET", "/?owner_id=7", nil), "owner_id")
	if err != nil || id == nil || *id != 7 {
		t.Errorf("queryID = %v, %v", id, err)
	}
	id, err = queryID(httptest.NewRequest("GET", "/", nil), "owner_id")
	if err != nil || id != nil {
		t.Errorf("missing param = %v, %v", id, err)
	}
	if _, err := queryID(httptest.NewRequest("GET", "/?owner_id=x", nil), "owner_id"); err == nil {
		t.Error("expected error for non-numeric id")
	}
}
