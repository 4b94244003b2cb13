package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID_GeneratesUUID(t *testing.T) {
	var capturedID, headerID string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = GetRequestID(r.Context())
		headerID = r.Header.Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/pool", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	parsed, err := uuid.Parse(capturedID)
	if err != nil {
		t.Fatalf("expected a UUID, got %q: %v", capturedID, err)
	}
	if parsed.Version() != 4 {
		t.Errorf("expected UUID v4, got v%d", parsed.Version())
	}
	if rec.Header().Get("X-Request-ID") != capturedID {
		t.Errorf("response header %q != context ID %q", rec.Header().Get("X-Request-ID"), capturedID)
	}
	if headerID != capturedID {
		t.Errorf("request header %q != context ID %q", headerID, capturedID)
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	existingID := "my-custom-request-id"

	var capturedID string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedID = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/pool", nil)
	req.Header.Set("X-Request-ID", existingID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if capturedID != existingID {
		t.Errorf("expected preserved ID %q, got %q", existingID, capturedID)
	}
	if rec.Header().Get("X-Request-ID") != existingID {
		t.Errorf("response header %q != existing ID %q", rec.Header().Get("X-Request-ID"), existingID)
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	ids := make(map[string]bool)
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		id := rec.Header().Get("X-Request-ID")
		if ids[id] {
			t.Fatalf("duplicate request ID generated: %s", id)
		}
		ids[id] = true
	}
}

func TestGetRequestID_EmptyContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id := GetRequestID(req.Context()); id != "" {
		t.Errorf("expected empty string for context without request ID, got %q", id)
	}
}
