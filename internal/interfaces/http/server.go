package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ServerConfig holds the listen address and connection timeouts.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig binds to localhost only. HTTP_PORT overrides the
// port for container setups.
func DefaultServerConfig() ServerConfig {
	cfg := ServerConfig{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	return cfg
}

// Server is the read-mostly HTTP surface: on-demand computes, snapshot
// reads, health, and Prometheus metrics.
type Server struct {
	listener net.Listener
	server   *http.Server
	router   *mux.Router
}

// NewServer binds the listen address immediately, so a busy port fails
// here instead of inside Start. Nil handlers get inert defaults, which
// keeps compute-only setups working without a store.
func NewServer(config ServerConfig, api *VelocityAPI, health *HealthHandler) (*Server, error) {
	if api == nil {
		api = NewVelocityAPI(nil, nil)
	}
	if health == nil {
		health = NewHealthHandler(nil, nil, "dev", "unknown")
	}

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", addr, err)
	}

	router := buildRouter(api, health)
	return &Server{
		listener: listener,
		router:   router,
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}, nil
}

// buildRouter wires middleware and routes. The metrics route bypasses
// the JSON content-type middleware because Prometheus scrapes text
// exposition format.
func buildRouter(api *VelocityAPI, health *HealthHandler) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(requestTimeout)
	r.Use(localCORS)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	jsonRoutes := r.PathPrefix("/").Subrouter()
	jsonRoutes.Use(jsonContentType)
	jsonRoutes.Handle("/health", health).Methods("GET")
	jsonRoutes.HandleFunc("/v1/velocity", api.Compute).Methods("POST")
	jsonRoutes.HandleFunc("/v1/users/{user_id}/velocity", api.Latest).Methods("GET")

	r.NotFoundHandler = http.HandlerFunc(api.NotFound)
	return r
}

type contextKey string

const requestIDKey contextKey = "request_id"

// reqID returns the id stamped on the context by the requestID
// middleware, or "" outside the middleware chain.
func reqID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID stamps a short id on the context and echoes it in the
// X-Request-ID header so clients can quote it in reports.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog writes one structured line per request. It runs inside the
// requestID middleware so the line carries the id sent to the client.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info().
			Str("request_id", reqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// requestTimeout bounds every request, including on-demand computes.
func requestTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// localCORS answers preflights for localhost origins only. The server
// is a local surface, so no other origin is ever allowed.
func localCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Start serves on the bound listener until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	log.Info().Str("addr", s.GetAddress()).Msg("Starting HTTP server")
	return s.server.Serve(s.listener)
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// GetAddress returns the bound address, with the real port even when
// the config asked for port 0.
func (s *Server) GetAddress() string {
	return s.listener.Addr().String()
}

// Router exposes the configured routes for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}
