package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"exchange-sla-tracker/pkg/handlers"
)

// NewRouter wires the handler routes, /metrics and request logging
func NewRouter(handler *handlers.Handler, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// API routes
	router.HandleFunc("/requests/{id}", handler.RegisterRequest).Methods("POST")
	router.HandleFunc("/requests/{id}", handler.GetRequest).Methods("GET")
	router.HandleFunc("/requests/{id}/status", handler.UpdateStatus).Methods("POST")
	router.HandleFunc("/roles/{role}/users/{user}", handler.AssignRole).Methods("PUT")
	router.HandleFunc("/users/{user}/active", handler.SetUserActive).Methods("PUT")
	router.HandleFunc("/jobs/{name}/run", handler.RunJob).Methods("POST")
	router.HandleFunc("/audit", handler.RecentAudit).Methods("GET")
	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(loggingMiddleware(logger))
	return router
}

func NewHTTPServer(port string, handler *handlers.Handler, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      NewRouter(handler, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // manual job runs answer when the run ends
		IdleTimeout:  60 * time.Second,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
