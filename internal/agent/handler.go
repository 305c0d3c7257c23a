package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flatironinstitute/kbucket/internal/logger"
	"github.com/flatironinstitute/kbucket/pkg/tunnel"
)

// responseChunkSize bounds the body bytes carried by one response frame.
const responseChunkSize = 32 * 1024

// serve answers one forwarded request. The path arrives key-prefixed; the
// agent recognizes directory listings and file downloads under its own key.
func (a *Agent) serve(out tunnel.MessageWriter, id string, req *inboundRequest) {
	resp := &responder{out: out, key: a.cfg.ShareKey, id: id}

	path := req.path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	prefix := a.cfg.ShareKey + "/"
	if !strings.HasPrefix(path, prefix) {
		resp.fail("path %q does not match share key", path)
		return
	}
	rest := strings.TrimPrefix(path, prefix)

	logger.Debug("Serving %s %s (%s)", req.method, rest, id)

	switch {
	case rest == "api/readdir" || strings.HasPrefix(rest, "api/readdir/"):
		sub := strings.TrimPrefix(strings.TrimPrefix(rest, "api/readdir"), "/")
		a.serveReaddir(resp, sub)
	case strings.HasPrefix(rest, "download/"):
		a.serveDownload(resp, strings.TrimPrefix(rest, "download/"))
	default:
		resp.fail("unrecognized request path %q", rest)
	}
}

// resolve maps a slash-separated relative path onto the shared directory,
// rejecting anything that could escape it. Every component must be a plain
// name; dot, dot-dot, tilde, and empty components are refused outright.
func (a *Agent) resolve(rel string) (string, error) {
	if rel == "" {
		return a.cfg.Directory, nil
	}
	for _, part := range strings.Split(rel, "/") {
		switch {
		case part == "" || part == "." || part == "..":
			return "", fmt.Errorf("unsafe path %q", rel)
		case strings.ContainsAny(part, `~\`):
			return "", fmt.Errorf("unsafe path %q", rel)
		}
	}
	return filepath.Join(a.cfg.Directory, filepath.FromSlash(rel)), nil
}

type fileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type dirEntry struct {
	Name string `json:"name"`
}

type readdirResponse struct {
	Success bool        `json:"success"`
	Files   []fileEntry `json:"files"`
	Dirs    []dirEntry  `json:"dirs"`
}

// serveReaddir lists one level of the shared tree.
func (a *Agent) serveReaddir(resp *responder, sub string) {
	dir, err := a.resolve(sub)
	if err != nil {
		resp.fail("%v", err)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		resp.fail("failed to read directory %q: %v", sub, err)
		return
	}

	listing := readdirResponse{
		Success: true,
		Files:   []fileEntry{},
		Dirs:    []dirEntry{},
	}
	for _, e := range entries {
		if e.IsDir() {
			listing.Dirs = append(listing.Dirs, dirEntry{Name: e.Name()})
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Entry vanished between the listing and the stat; skip it.
			continue
		}
		listing.Files = append(listing.Files, fileEntry{Name: e.Name(), Size: info.Size()})
	}

	body, err := json.Marshal(listing)
	if err != nil {
		resp.fail("failed to encode listing: %v", err)
		return
	}

	if err := resp.setHeaders(map[string]string{"Content-Type": "application/json"}); err != nil {
		return
	}
	if err := resp.write(body); err != nil {
		return
	}
	resp.end()
}

// serveDownload streams one shared file back through the tunnel.
func (a *Agent) serveDownload(resp *responder, rel string) {
	path, err := a.resolve(rel)
	if err != nil {
		resp.fail("%v", err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		resp.fail("failed to open %q: %v", rel, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		resp.fail("failed to stat %q: %v", rel, err)
		return
	}
	if info.IsDir() {
		resp.fail("%q is a directory", rel)
		return
	}

	err = resp.setHeaders(map[string]string{
		"Content-Type":   "application/octet-stream",
		"Content-Length": strconv.FormatInt(info.Size(), 10),
	})
	if err != nil {
		return
	}

	buf := make([]byte, responseChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := resp.write(buf[:n]); err != nil {
				return
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			resp.fail("failed to read %q: %v", rel, readErr)
			return
		}
	}
	resp.end()
}

// responder emits one request's response frames through the shared writer.
type responder struct {
	out tunnel.MessageWriter
	key string
	id  string
}

func (r *responder) setHeaders(headers map[string]string) error {
	return r.out.WriteMessage(&tunnel.Message{
		Command:   tunnel.CmdSetResponseHeaders,
		ShareKey:  r.key,
		RequestID: r.id,
		Headers:   headers,
	})
}

func (r *responder) write(data []byte) error {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	return r.out.WriteMessage(&tunnel.Message{
		Command:   tunnel.CmdWriteResponseData,
		ShareKey:  r.key,
		RequestID: r.id,
		Data:      chunk,
	})
}

func (r *responder) end() {
	err := r.out.WriteMessage(&tunnel.Message{
		Command:   tunnel.CmdEndResponse,
		ShareKey:  r.key,
		RequestID: r.id,
	})
	if err != nil {
		logger.Debug("Failed to end response %s: %v", r.id, err)
	}
}

func (r *responder) fail(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	logger.Warn("Request %s failed: %s", r.id, message)
	err := r.out.WriteMessage(&tunnel.Message{
		Command:   tunnel.CmdReportError,
		ShareKey:  r.key,
		RequestID: r.id,
		Error:     message,
	})
	if err != nil {
		logger.Debug("Failed to report error for %s: %v", r.id, err)
	}
}
