package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/peershare/internal/catalog"
	"github.com/fruitsalade/peershare/internal/events"
	"github.com/fruitsalade/peershare/internal/node"
)

func newTestServer(t *testing.T) (*httptest.Server, *node.Node) {
	t.Helper()
	n := node.New(node.Options{})
	ts := httptest.NewServer(NewServer(n).Handler())
	t.Cleanup(ts.Close)
	return ts, n
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestSetSharedFolder(t *testing.T) {
	ts, n := newTestServer(t)
	dir := t.TempDir()

	resp := do(t, http.MethodPut, ts.URL+"/api/v1/folders/shared", pathRequest{Path: dir})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if n.Status().SharedDir != dir {
		t.Errorf("expected shared dir %s, got %s", dir, n.Status().SharedDir)
	}

	resp = do(t, http.MethodPut, ts.URL+"/api/v1/folders/shared", pathRequest{Path: filepath.Join(dir, "nope")})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var errResp ErrorResponse
	json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp.Code != http.StatusBadRequest || errResp.Error == "" {
		t.Errorf("unexpected error body %+v", errResp)
	}
}

func TestInvalidJSON(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/v1/policy/masks", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	ts, n := newTestServer(t)

	do(t, http.MethodPost, ts.URL+"/api/v1/policy/masks", maskRequest{Mask: "*.iso"})
	do(t, http.MethodPost, ts.URL+"/api/v1/policy/folders", pathRequest{Path: "/tmp/private"})
	resp := do(t, http.MethodPut, ts.URL+"/api/v1/policy/root-only", toggleRequest{Enabled: true})

	var p catalog.Policy
	json.NewDecoder(resp.Body).Decode(&p)
	if !p.RootOnly || len(p.ExcludedMasks) != 1 || len(p.ExcludedFolders) != 1 {
		t.Fatalf("unexpected policy %+v", p)
	}

	do(t, http.MethodDelete, ts.URL+"/api/v1/policy/masks", maskRequest{Mask: "*.iso"})
	do(t, http.MethodDelete, ts.URL+"/api/v1/policy/folders", pathRequest{Path: "/tmp/private"})
	if got := n.Policy(); len(got.ExcludedMasks) != 0 || len(got.ExcludedFolders) != 0 {
		t.Errorf("expected exclusions removed, got %+v", got)
	}
}

func TestLifecycleConflicts(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/disconnect", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 when not connected, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPost, ts.URL+"/api/v1/downloads/abc", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for download while disconnected, got %d", resp.StatusCode)
	}
}

func TestListsAreJSONArrays(t *testing.T) {
	ts, _ := newTestServer(t)
	for _, path := range []string{"/api/v1/found", "/api/v1/downloads", "/api/v1/peers", "/api/v1/shared"} {
		resp := do(t, http.MethodGet, ts.URL+path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
			continue
		}
		var v []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			t.Errorf("%s: expected JSON array: %v", path, err)
		}
	}
}

func TestSharedByName(t *testing.T) {
	ts, n := newTestServer(t)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "Report.PDF"), []byte("pdf"), 0644)
	n.SetSharedFolder(dir)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/shared?name=report.pdf", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any scan, got %d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	ts, n := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if line, _ := r.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connected comment, got %q", line)
	}
	r.ReadString('\n')

	n.Events().Publish(events.Event{Type: events.EventPeerDiscovered, Peer: "10.0.0.9:4113"})

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if line != "event: "+events.EventPeerDiscovered+"\n" {
		t.Errorf("unexpected event line %q", line)
	}
	data, _ := r.ReadString('\n')
	if !strings.Contains(data, `"peer":"10.0.0.9:4113"`) {
		t.Errorf("unexpected data line %q", data)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	do(t, http.MethodGet, ts.URL+"/health", nil)
	resp := do(t, http.MethodGet, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
