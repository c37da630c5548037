// Package api exposes the gateway over REST/JSON plus a websocket live
// stream: snapshots, device enablement, alarm thresholds, log access, and
// operational health.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mokuloa/aquagate/internal/alarm"
	"github.com/mokuloa/aquagate/internal/family"
	"github.com/mokuloa/aquagate/internal/livecache"
	"github.com/mokuloa/aquagate/internal/poller"
	"github.com/mokuloa/aquagate/internal/tlog"
)

// TickStats reports polling statistics for the health endpoint.
type TickStats interface {
	Stats() poller.Stats
}

// BrokerStatus reports broker connectivity for the health endpoint.
type BrokerStatus interface {
	Connected() bool
}

// Options configures the HTTP server.
type Options struct {
	Host        string
	Port        int
	SiteID      string
	DisableHSTS bool
}

// Server wires the HTTP surface to the gateway's collaborators.
type Server struct {
	opts   Options
	cache  *livecache.Cache
	loader *family.Loader
	alarms *alarm.Engine
	logs   *tlog.Reader
	stats  TickStats
	broker BrokerStatus
	hub    *Hub
	logger *slog.Logger

	httpSrv *http.Server
}

// NewServer builds the server. stats and broker may be nil; the health
// endpoint then omits their sections.
func NewServer(opts Options, cache *livecache.Cache, loader *family.Loader, alarms *alarm.Engine,
	logs *tlog.Reader, stats TickStats, broker BrokerStatus, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:   opts,
		cache:  cache,
		loader: loader,
		alarms: alarms,
		logs:   logs,
		stats:  stats,
		broker: broker,
		hub:    hub,
		logger: logger,
	}
}

// Router assembles all routes and middleware. The middleware wraps the mux
// from outside so CORS preflights are answered even for method mismatches.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/snapshots", s.handleSnapshots).Methods("GET")
	r.HandleFunc("/api/snapshots/{tank}", s.handleSnapshot).Methods("GET")
	r.HandleFunc("/api/tanks", s.handleTanks).Methods("GET")

	r.HandleFunc("/api/devices/enabled", s.handleGetEnabled).Methods("GET")
	r.HandleFunc("/api/devices/enabled", s.handleSetEnabled).Methods("POST")

	r.HandleFunc("/api/alarms/thresholds", s.handleGetThresholds).Methods("GET")
	r.HandleFunc("/api/alarms/thresholds", s.handleSetThresholds).Methods("POST")

	r.HandleFunc("/api/co2", s.handleCO2).Methods("GET")

	r.HandleFunc("/api/logs", s.handleListLogs).Methods("GET")
	r.HandleFunc("/api/logs/download", s.handleDownloadLog).Methods("GET")
	r.HandleFunc("/api/logs/query", s.handleQueryLogs).Methods("GET")

	if s.hub != nil {
		r.HandleFunc("/api/live", s.hub.HandleWebSocket)
	}

	return s.corsMiddleware(s.secureHeaders(s.logRequests(r)))
}

// Start runs the HTTP server until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("[API] listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// corsMiddleware allows browser dashboards on other origins to call the API.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		if !s.opts.DisableHSTS {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("[API] request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
