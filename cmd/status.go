package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/monitoring"
	"github.com/sells-group/listing-cli/internal/resilience"
)

// deadLetterLister lists persisted dead letters for the status API.
type deadLetterLister interface {
	ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error)
}

// newStatusRouter serves the run snapshot and recent dead letters as JSON.
// dl may be nil.
func newStatusRouter(collector *monitoring.Collector, dl deadLetterLister, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		snap, err := collector.Collect(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	if dl != nil {
		r.Get("/dead-letters", func(w http.ResponseWriter, r *http.Request) {
			filter := resilience.DeadLetterFilter{
				Source:    r.URL.Query().Get("source"),
				ErrorKind: r.URL.Query().Get("kind"),
			}
			if raw := r.URL.Query().Get("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n < 0 {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
					return
				}
				filter.Limit = n
			}
			dls, err := dl.ListDeadLetters(r.Context(), filter)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if dls == nil {
				dls = []resilience.DeadLetter{}
			}
			writeJSON(w, http.StatusOK, dls)
		})
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	zap.L().Error("status request failed", zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// startStatusServer listens on addr and serves h until ctx is done. The
// returned channel closes once the server has shut down.
func startStatusServer(ctx context.Context, addr string, h http.Handler) (<-chan struct{}, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, eris.Wrapf(err, "status: listen on %s", addr)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		zap.L().Info("status server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("status server failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return done, nil
}
