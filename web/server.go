// Package web exposes the store over a small read-only HTTP surface, plus
// the Prometheus metrics endpoint.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"f0oster/admirror/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles HTTP requests for the query interface.
type Server struct {
	st   *store.Store
	mux  *http.ServeMux
	addr string
	log  *slog.Logger
}

func NewServer(st *store.Store, addr string, registry *prometheus.Registry, log *slog.Logger) *Server {
	s := &Server{
		st:   st,
		mux:  http.NewServeMux(),
		addr: addr,
		log:  log,
	}

	s.mux.HandleFunc("/lookup", s.handleLookup)
	s.mux.HandleFunc("/members", s.handleMembers)
	s.mux.HandleFunc("/memberofs", s.handleMemberOfs)
	s.mux.HandleFunc("/deferred", s.handleDeferred)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return s
}

// Start runs the server in the background.
func (s *Server) Start() *http.Server {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("web server failed", "err", err)
		}
	}()
	s.log.Info("web server listening", "addr", s.addr)
	return srv
}
