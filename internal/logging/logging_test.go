package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

func TestBuildFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		t.Run(format, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "log")
			logger, err := Build(Config{Level: "debug", Format: format, OutputPath: out})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			logger.Debug("hello")
			if !logger.Core().Enabled(zapcore.DebugLevel) {
				t.Error("debug level not enabled")
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	if _, err := Build(Config{Level: "info", Format: "json", OutputPath: filepath.Join(t.TempDir(), "log")}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := SetLevel("error"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if globalLevel.Level() != zapcore.ErrorLevel || Level() != "error" {
		t.Errorf("level = %s", globalLevel.Level())
	}
	if err := SetLevel("bogus"); err == nil {
		t.Error("SetLevel accepted an unknown level")
	}
	if globalLevel.Level() != zapcore.ErrorLevel {
		t.Errorf("invalid level changed the level to %s", globalLevel.Level())
	}
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	if got := GetRequestID(ctx); got != "abc" {
		t.Errorf("GetRequestID = %q", got)
	}
	if GetRequestID(context.Background()) != "" {
		t.Error("empty context has a request id")
	}
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"propagated", "req-1"},
		{"generated", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/hub/fetch", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(RequestIDHeader)
			if got != seen {
				t.Errorf("response id %q, handler saw %q", got, seen)
			}
			if tt.header != "" && got != tt.header {
				t.Errorf("id = %q, want %q", got, tt.header)
			}
			if tt.header == "" {
				if _, err := uuid.Parse(got); err != nil {
					t.Errorf("generated id %q is not a uuid", got)
				}
			}
			if rec.Code != http.StatusTeapot {
				t.Errorf("status = %d", rec.Code)
			}
		})
	}
}

func TestRequestVerb(t *testing.T) {
	tests := map[string]string{
		"/api/hub/fetch":  "fetch",
		"/api/hub/status": "status",
		"/api/hub/":       "",
		"/health":         "",
		"/events":         "",
	}
	for path, want := range tests {
		if got := requestVerb(path); got != want {
			t.Errorf("requestVerb(%q) = %q, want %q", path, got, want)
		}
	}
}
