// Package web implements the read-only status API for a running batch. It
// never mutates queue state, all writes stay with the run driver.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/crypto/bcrypt"

	"buildq/app/history"
	"buildq/app/queue"
)

// QueueInfo provides the pending part of the queue
type QueueInfo interface {
	Pending() ([]queue.Job, error)
}

// LedgerInfo provides completed attempt records
type LedgerInfo interface {
	Records() []queue.Record
}

// HistoryInfo provides recent executions from the sqlite store
type HistoryInfo interface {
	RecentExecutions(limit int) ([]history.Execution, error)
}

// Server represents the status API server
type Server struct {
	Queue        QueueInfo
	Ledger       LedgerInfo
	History      HistoryInfo // optional, nil disables the executions endpoint
	Version      string
	Hostname     string
	Tool         string
	PasswordHash string // bcrypt hash for basic auth, empty disables auth
	PreviewLimit int    // next-up jobs included in status, 0 means 10
}

// Run starts the server and blocks until the context is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown status server: %v", err)
		}
	}()

	log.Printf("[INFO] starting status server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(100),
		rest.AppInfo("buildq", "umputun", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(1024), // read-only API, no meaningful request bodies
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.PasswordHash != "" {
		log.Printf("[INFO] authentication enabled for status API")
		router.Use(s.authMiddleware)
	}

	limiter := tollbooth.NewLimiter(10, nil)
	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.Use(tollbooth.HTTPMiddleware(limiter))
		api.HandleFunc("GET /status", s.handleStatus)
		api.HandleFunc("GET /progress", s.handleProgress)
		api.HandleFunc("GET /executions", s.handleExecutions)
	})

	return router
}

// authMiddleware checks basic auth credentials against the bcrypt hash.
// Username is ignored, only the password matters.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if ok {
			if err := bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="buildq"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
