// Package gateway implements the hub's HTTP surface: blob stat/find/download,
// resumable uploads, the websocket endpoint share agents connect to, and
// proxying of /share/ requests through live tunnels.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flatironinstitute/kbucket/internal/logger"
	"github.com/flatironinstitute/kbucket/internal/ratelimiter"
	"github.com/flatironinstitute/kbucket/pkg/metrics"
	"github.com/flatironinstitute/kbucket/pkg/store/blob"
	"github.com/flatironinstitute/kbucket/pkg/store/blobindex"
	"github.com/flatironinstitute/kbucket/pkg/tunnel"
	"github.com/flatironinstitute/kbucket/pkg/upload"
)

// Config carries the gateway's collaborators. Store, Uploads, and Shares are
// required; Index, Limiter, Metrics, and Registry may be nil.
type Config struct {
	// HubURL is the externally advertised base URL used in download links.
	HubURL string

	Store   blob.Store
	Index   blobindex.Index
	Uploads *upload.Manager
	Shares  *tunnel.Registry
	Limiter *ratelimiter.RateLimiter
	Metrics *metrics.HubMetrics

	// Registry, when set, is served on /metrics.
	Registry *prometheus.Registry
}

// Gateway routes hub HTTP traffic.
type Gateway struct {
	hubURL   string
	store    blob.Store
	index    blobindex.Index
	uploads  *upload.Manager
	shares   *tunnel.Registry
	limiter  *ratelimiter.RateLimiter
	metrics  *metrics.HubMetrics
	registry *prometheus.Registry
}

// New creates a gateway from its collaborators.
func New(cfg Config) *Gateway {
	return &Gateway{
		hubURL:   cfg.HubURL,
		store:    cfg.Store,
		index:    cfg.Index,
		uploads:  cfg.Uploads,
		shares:   cfg.Shares,
		limiter:  cfg.Limiter,
		metrics:  cfg.Metrics,
		registry: cfg.Registry,
	}
}

// Router builds the hub's HTTP router.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/stat/{hash}", g.handleStat).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/find/{hash}", g.handleFind).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/find/{hash}/{filename}", g.handleFind).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/download/{hash}", g.handleDownload).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/download/{hash}/{filename}", g.handleDownload).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/upload", g.handleUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/connect", g.handleConnect).Methods(http.MethodGet)
	r.HandleFunc("/share/{key}/{rest:.*}", g.handleShare)

	if g.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return r
}

// corsMiddleware allows cross-origin browser clients; uploads and finds come
// from web apps hosted elsewhere.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to encode response: %v", err)
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorResponse{
		Success: false,
		Status:  "error",
		Message: fmt.Sprintf(format, args...),
	})
}
