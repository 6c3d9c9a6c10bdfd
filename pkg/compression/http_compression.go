// Package compression provides response compression for the admin HTTP
// surface's /status endpoint, whose JSON body carries the current job's
// stats snapshot.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor is one supported response-compression algorithm.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	ContentEncoding() string
	MinSize() int
}

// Manager selects and applies a compressor based on the request's
// Accept-Encoding header and the response's size.
type Manager struct {
	compressors map[string]Compressor
	mu          sync.RWMutex
	defaultAlgo string
}

// NewManager returns a Manager with gzip and zstd registered.
func NewManager() *Manager {
	m := &Manager{compressors: make(map[string]Compressor), defaultAlgo: "gzip"}
	m.Register("gzip", &GzipCompressor{})
	m.Register("zstd", &ZstdCompressor{})
	return m
}

// Register adds or replaces a named compressor.
func (m *Manager) Register(name string, c Compressor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compressors[name] = c
}

// Middleware wraps next, compressing its response body when the client
// accepts an algorithm the Manager knows and the body clears that
// algorithm's minimum size.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := &bytes.Buffer{}
		rec := &responseRecorder{ResponseWriter: w, body: buf, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		algo := m.selectAlgorithm(r.Header.Get("Accept-Encoding"), buf.Len())
		m.mu.RLock()
		compressor, ok := m.compressors[algo]
		m.mu.RUnlock()

		if !ok || buf.Len() < compressor.MinSize() {
			w.WriteHeader(rec.status)
			w.Write(buf.Bytes())
			return
		}

		compressed, err := compressor.Compress(buf.Bytes())
		if err != nil || len(compressed) >= buf.Len() {
			w.WriteHeader(rec.status)
			w.Write(buf.Bytes())
			return
		}

		w.Header().Set("Content-Encoding", compressor.ContentEncoding())
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(compressed)))
		w.WriteHeader(rec.status)
		w.Write(compressed)
	})
}

func (m *Manager) selectAlgorithm(acceptEncoding string, bodySize int) string {
	supported := strings.Split(acceptEncoding, ",")
	has := func(name string) bool {
		for _, s := range supported {
			if strings.TrimSpace(strings.SplitN(s, ";", 2)[0]) == name {
				return true
			}
		}
		return false
	}
	if bodySize >= 1024 && has("zstd") {
		return "zstd"
	}
	if has("gzip") {
		return "gzip"
	}
	if has(m.defaultAlgo) {
		return m.defaultAlgo
	}
	return ""
}

// responseRecorder buffers a handler's body so its final size is known
// before choosing whether, and how, to compress it.
type responseRecorder struct {
	http.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }
func (r *responseRecorder) WriteHeader(status int)       { r.status = status }

// GzipCompressor implements gzip compression for smaller responses.
type GzipCompressor struct{}

func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *GzipCompressor) ContentEncoding() string { return "gzip" }
func (g *GzipCompressor) MinSize() int            { return 256 }

// ZstdCompressor implements zstd compression for larger responses.
type ZstdCompressor struct {
	mu      sync.Mutex
	encoder *zstd.Encoder
}

func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.encoder == nil {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		z.encoder = encoder
	}
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *ZstdCompressor) ContentEncoding() string { return "zstd" }
func (z *ZstdCompressor) MinSize() int            { return 512 }
