package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// captureLog installs a JSON slog default writing into the returned buffer.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func lastLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestStructuredLoggerLevelTracksStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{"success is info", http.StatusOK, "INFO"},
		{"client error is warn", http.StatusNotFound, "WARN"},
		{"server error is error", http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)

			handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/calls/", nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			entry := lastLogEntry(t, buf)
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", entry["level"], tt.wantLevel)
			}
			// JSON numbers decode as float64.
			if entry["status"] != float64(tt.status) {
				t.Errorf("status = %v, want %d", entry["status"], tt.status)
			}
			if entry["method"] != "POST" {
				t.Errorf("method = %v, want POST", entry["method"])
			}
			if entry["path"] != "/api/v1/calls/" {
				t.Errorf("path = %v, want /api/v1/calls/", entry["path"])
			}
		})
	}
}

func TestStructuredLoggerCountsBodyBytes(t *testing.T) {
	buf := captureLog(t)

	body := []byte(`{"data":{"status":"ok"}}`)
	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := lastLogEntry(t, buf)
	if entry["status"] != float64(200) {
		t.Errorf("implicit status = %v, want 200", entry["status"])
	}
	if entry["bytes"] != float64(len(body)) {
		t.Errorf("bytes = %v, want %d", entry["bytes"], len(body))
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected duration_ms in log output")
	}
}

func TestStructuredLoggerIncludesRequestID(t *testing.T) {
	buf := captureLog(t)

	var handler http.Handler = StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	handler = chimw.RequestID(handler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calls/c1/answer", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := lastLogEntry(t, buf)
	id, ok := entry["request_id"].(string)
	if !ok || id == "" {
		t.Fatalf("expected non-empty request_id, got %v", entry["request_id"])
	}
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	buf := captureLog(t)

	handler := StructuredLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError) // ignored
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/backends/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entry := lastLogEntry(t, buf)
	if entry["status"] != float64(201) {
		t.Errorf("status = %v, want first write 201", entry["status"])
	}
}

func TestStatusWriterImplicitOKOnWrite(t *testing.T) {
	rr := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rr}

	sw.Write([]byte("x"))

	if sw.status != http.StatusOK {
		t.Fatalf("status = %d, want 200 after bare Write", sw.status)
	}
	if sw.bytes != 1 {
		t.Fatalf("bytes = %d, want 1", sw.bytes)
	}
}
