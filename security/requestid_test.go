package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if id1 == "" || id1 == id2 {
		t.Errorf("request IDs must be non-empty and unique: %q, %q", id1, id2)
	}
	if !requestIDPattern.MatchString(id1) {
		t.Errorf("generated ID %q does not match its own validation pattern", id1)
	}
}

func TestRequestIDMiddleware_PropagatesValidID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if seen != "upstream-id-42" {
		t.Errorf("context request ID = %q, want upstream value", seen)
	}
	if got := rr.Header().Get(RequestIDHeader); got != "upstream-id-42" {
		t.Errorf("response header = %q, want upstream value", got)
	}
}

func TestRequestIDMiddleware_ReplacesInvalidID(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "bad id with spaces\n")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	got := rr.Header().Get(RequestIDHeader)
	if got == "" || got == "bad id with spaces\n" {
		t.Errorf("response header = %q, want a freshly generated ID", got)
	}
}

func TestGetRequestID_MissingReturnsEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := GetRequestID(req.Context()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty for bare context", got)
	}
}
