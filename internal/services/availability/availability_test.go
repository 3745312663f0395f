package availability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wavefetch/internal/core/source"
	perr "wavefetch/internal/platform/errors"
)

func writeRequestFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.txt")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write request file: %v", err)
	}
	return path
}

func TestClient_Fetch_ParsesRecordsAndPrependsMergeDirectives(t *testing.T) {
	t.Parallel()

	var seenBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		io.WriteString(w, "# comment\nIU ANMO 00 BHZ 2024-01-15T00:00:00.000000 2024-01-15T01:00:00.000000\nIU ANMO -- BHZ 2024-01-15T01:00:00.000000 2024-01-15T02:00:00.000000\n")
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Timeout: time.Second, Retries: 1})
	reqPath := writeRequestFile(t, "IU ANMO 00 BHZ 2024-01-15 2024-01-16\n")

	records, err := c.Fetch(context.Background(), reqPath)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[1].Stream.Location != "" {
		t.Fatalf("expected dashed location to parse as empty, got %q", records[1].Stream.Location)
	}
	if !strings.HasPrefix(seenBody, "mergequality=true\nmergesamplerate=true\n") {
		t.Fatalf("expected merge directives prepended, got body head: %q", seenBody[:min(60, len(seenBody))])
	}
	if !strings.Contains(seenBody, "IU ANMO 00 BHZ 2024-01-15 2024-01-16") {
		t.Fatalf("expected user body preserved in request, got %q", seenBody)
	}
}

func TestClient_Fetch_MalformedLineIsIncompleteRetrieval(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "this is not a valid record line\n")
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Timeout: time.Second, Retries: 1})
	reqPath := writeRequestFile(t, "IU ANMO 00 BHZ 2024-01-15 2024-01-16\n")

	_, err := c.Fetch(context.Background(), reqPath)
	if err == nil {
		t.Fatalf("expected error on malformed response line")
	}
	if !perr.IsCode(err, perr.ErrorCodeIncompleteRetrieval) {
		t.Fatalf("expected ErrorCodeIncompleteRetrieval, got %v", perr.CodeOf(err))
	}

	d, ok := err.(source.Diagnosable)
	if !ok {
		t.Fatalf("expected error to implement Diagnosable")
	}
	reqLines, respLines := d.Diagnostics()
	if len(reqLines) == 0 || len(respLines) == 0 {
		t.Fatalf("expected non-empty request and response diagnostics, got req=%v resp=%v", reqLines, respLines)
	}
}

func TestClient_Fetch_RetriesTransportErrorThenSucceeds(t *testing.T) {
	t.Parallel()

	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "IU ANMO 00 BHZ 2024-01-15T00:00:00.000000 2024-01-15T01:00:00.000000\n")
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Timeout: time.Second, Retries: 3, RetryBase: time.Millisecond})
	reqPath := writeRequestFile(t, "IU ANMO 00 BHZ 2024-01-15 2024-01-16\n")

	records, err := c.Fetch(context.Background(), reqPath)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after retrying past one failure, got %d", len(records))
	}
	if attempt != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempt)
	}
}

func TestClient_Fetch_MissingRequestFile(t *testing.T) {
	t.Parallel()

	c := New(Config{URL: "http://example.invalid", Timeout: time.Second, Retries: 1})
	_, err := c.Fetch(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil {
		t.Fatalf("expected error reading a missing request file")
	}
}
