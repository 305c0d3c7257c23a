package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/flatironinstitute/kbucket/pkg/tunnel"
)

const testKey = "agent-test-key"

// captureWriter records outbound tunnel frames in order.
type captureWriter struct {
	mu       sync.Mutex
	messages []*tunnel.Message
}

func (w *captureWriter) WriteMessage(m *tunnel.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, m)
	return nil
}

func (w *captureWriter) all() []*tunnel.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*tunnel.Message(nil), w.messages...)
}

func newTestAgent(t *testing.T, dir string) *Agent {
	t.Helper()
	a, err := New(Config{
		HubURL:    "http://hub.example",
		ShareKey:  testKey,
		Directory: dir,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return a
}

// collectResponse splits captured frames into headers, body, end, and error.
func collectResponse(t *testing.T, msgs []*tunnel.Message) (headers map[string]string, body []byte, ended bool, errMsg string) {
	t.Helper()
	for _, m := range msgs {
		if m.ShareKey != testKey {
			t.Fatalf("frame carries key %q, want %q", m.ShareKey, testKey)
		}
		switch m.Command {
		case tunnel.CmdSetResponseHeaders:
			headers = m.Headers
		case tunnel.CmdWriteResponseData:
			body = append(body, m.Data...)
		case tunnel.CmdEndResponse:
			ended = true
		case tunnel.CmdReportError:
			errMsg = m.Error
		default:
			t.Fatalf("unexpected frame command %q", m.Command)
		}
	}
	return headers, body, ended, errMsg
}

// TestResolve verifies safe-path enforcement over the shared directory.
func TestResolve(t *testing.T) {
	dir := t.TempDir()
	a := newTestAgent(t, dir)

	tests := []struct {
		name    string
		rel     string
		want    string
		wantErr bool
	}{
		{"empty means root", "", dir, false},
		{"plain file", "data.txt", filepath.Join(dir, "data.txt"), false},
		{"nested path", "sub/deep/file.bin", filepath.Join(dir, "sub", "deep", "file.bin"), false},
		{"dot-dot escape", "../outside", "", true},
		{"embedded dot-dot", "sub/../../outside", "", true},
		{"dot component", "./file", "", true},
		{"tilde component", "~root/x", "", true},
		{"empty component", "sub//file", "", true},
		{"backslash component", `sub\evil`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.resolve(tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("resolve(%q) = %q, want error", tt.rel, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve(%q) failed: %v", tt.rel, err)
			}
			if got != tt.want {
				t.Errorf("resolve(%q) = %q, want %q", tt.rel, got, tt.want)
			}
		})
	}
}

// TestServeReaddir verifies directory listings.
func TestServeReaddir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("12345"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.bin"), []byte("1234567890"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	a := newTestAgent(t, dir)
	out := &captureWriter{}
	a.serve(out, "req-1", &inboundRequest{method: "GET", path: testKey + "/api/readdir/"})

	headers, body, ended, errMsg := collectResponse(t, out.all())
	if errMsg != "" {
		t.Fatalf("readdir reported error: %s", errMsg)
	}
	if !ended {
		t.Fatal("response never ended")
	}
	if headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q", headers["Content-Type"])
	}

	var listing readdirResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("failed to parse listing: %v", err)
	}
	if !listing.Success {
		t.Error("listing success = false")
	}
	if len(listing.Files) != 2 {
		t.Fatalf("got %d files, want 2", len(listing.Files))
	}
	sizes := map[string]int64{}
	for _, f := range listing.Files {
		sizes[f.Name] = f.Size
	}
	if sizes["a.txt"] != 5 || sizes["b.bin"] != 10 {
		t.Errorf("file sizes = %v", sizes)
	}
	if len(listing.Dirs) != 1 || listing.Dirs[0].Name != "sub" {
		t.Errorf("dirs = %v", listing.Dirs)
	}
}

// TestServeReaddirSubdirectory verifies listing below the root, with a query
// string on the forwarded path.
func TestServeReaddirSubdirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "inner.dat"), []byte("xyz"), 0644); err != nil {
		t.Fatal(err)
	}

	a := newTestAgent(t, dir)
	out := &captureWriter{}
	a.serve(out, "req-2", &inboundRequest{method: "GET", path: testKey + "/api/readdir/sub?cachebust=1"})

	_, body, ended, errMsg := collectResponse(t, out.all())
	if errMsg != "" || !ended {
		t.Fatalf("readdir failed: ended=%v err=%q", ended, errMsg)
	}

	var listing readdirResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("failed to parse listing: %v", err)
	}
	if len(listing.Files) != 1 || listing.Files[0].Name != "inner.dat" {
		t.Errorf("files = %v", listing.Files)
	}
}

// TestServeDownload verifies file streaming, including content larger than
// one response frame.
func TestServeDownload(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, responseChunkSize+100)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), content, 0644); err != nil {
		t.Fatal(err)
	}

	a := newTestAgent(t, dir)
	out := &captureWriter{}
	a.serve(out, "req-3", &inboundRequest{method: "GET", path: testKey + "/download/big.bin"})

	headers, body, ended, errMsg := collectResponse(t, out.all())
	if errMsg != "" {
		t.Fatalf("download reported error: %s", errMsg)
	}
	if !ended {
		t.Fatal("response never ended")
	}
	if headers["Content-Length"] != strconv.Itoa(len(content)) {
		t.Errorf("Content-Length = %q, want %d", headers["Content-Length"], len(content))
	}
	if len(body) != len(content) {
		t.Fatalf("body has %d bytes, want %d", len(body), len(content))
	}
	for i := range body {
		if body[i] != content[i] {
			t.Fatalf("body differs at byte %d", i)
		}
	}
}

// TestServeErrors verifies the error-report paths.
func TestServeErrors(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	a := newTestAgent(t, dir)

	tests := []struct {
		name string
		path string
	}{
		{"missing file", testKey + "/download/nope.txt"},
		{"directory download", testKey + "/download/sub"},
		{"path escape", testKey + "/download/../secret"},
		{"unknown endpoint", testKey + "/api/frobnicate"},
		{"foreign key prefix", "other-key/download/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &captureWriter{}
			a.serve(out, "req-e", &inboundRequest{method: "GET", path: tt.path})

			_, _, ended, errMsg := collectResponse(t, out.all())
			if errMsg == "" {
				t.Fatal("expected an error report")
			}
			if ended {
				t.Error("errored response should not also end normally")
			}
		})
	}
}

// TestConnectURL verifies hub URL to websocket endpoint derivation.
func TestConnectURL(t *testing.T) {
	tests := []struct {
		hubURL  string
		want    string
		wantErr bool
	}{
		{"http://hub.example:3240", "ws://hub.example:3240/connect", false},
		{"https://kbucket.flatironinstitute.org", "wss://kbucket.flatironinstitute.org/connect", false},
		{"https://hub.example/base/", "wss://hub.example/base/connect", false},
		{"ftp://hub.example", "", true},
	}

	for _, tt := range tests {
		got, err := connectURL(tt.hubURL)
		if tt.wantErr {
			if err == nil {
				t.Errorf("connectURL(%q) = %q, want error", tt.hubURL, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("connectURL(%q) failed: %v", tt.hubURL, err)
			continue
		}
		if got != tt.want {
			t.Errorf("connectURL(%q) = %q, want %q", tt.hubURL, got, tt.want)
		}
	}
}

// TestNewValidation verifies agent configuration checks.
func TestNewValidation(t *testing.T) {
	dir := t.TempDir()

	if _, err := New(Config{HubURL: "http://h", ShareKey: "short", Directory: dir}); err == nil {
		t.Error("New() should reject a short share key")
	}
	if _, err := New(Config{HubURL: "http://h", ShareKey: testKey, Directory: filepath.Join(dir, "missing")}); err == nil {
		t.Error("New() should reject a missing directory")
	}

	file := filepath.Join(dir, "plain")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{HubURL: "http://h", ShareKey: testKey, Directory: file}); err == nil {
		t.Error("New() should reject a non-directory")
	}
}
