package handlers

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/aanthord/ingest-amqp/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// NewRouter builds the ops HTTP surface: liveness, readiness and metrics.
func NewRouter(checker ReadinessChecker, logger *zap.SugaredLogger) http.Handler {
	router := mux.NewRouter()

	router.Use(recoveryMiddleware(logger))
	router.Use(loggingMiddleware(logger))
	router.Use(metricsMiddleware)

	health := NewHealthHandler(checker)
	router.HandleFunc("/healthz", health.Live).Methods(http.MethodGet)
	router.HandleFunc("/readyz", health.Ready).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	corsOpts := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return corsOpts.Handler(router)
}

// NewServer wraps the router in a server with the timeouts used for ops traffic.
func NewServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(log *zap.SugaredLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debugw("Request processed",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start),
			)
		})
	}
}

func recoveryMiddleware(log *zap.SugaredLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Errorw("Panic occurred",
						"error", err,
						"stacktrace", string(debug.Stack()),
					)
					respondWithJSON(w, r, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// metricsMiddleware labels by route template so unknown paths do not grow
// the label set.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := "unknown"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.HTTPRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(path).Inc()
	})
}
