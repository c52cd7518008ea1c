// Package httpapi wires every component into the process's one HTTP
// listener. Route registration follows the teacher's own bare
// http.HandleFunc usage in src/main.go (no router framework), generalized
// to net/http.ServeMux's Go 1.22+ method+wildcard patterns so the proxy's
// four routes (GET/POST, with or without a /v1 prefix) can share one
// handler each instead of hand-parsing the method inside every handler.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sats-gateway/cashu-proxy/internal/authn"
	"github.com/sats-gateway/cashu-proxy/internal/proxy"
)

var log = logrus.WithField("module", "httpapi")

// Server owns the process's single HTTP listener.
type Server struct {
	httpServer *http.Server
}

// New builds the Server, wiring auth in front of the proxy handlers.
func New(addr string, authenticator *authn.Authenticator, handler *proxy.Handler) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{path...}", wrapGet(handler))
	mux.HandleFunc("GET /v1/{path...}", wrapGet(handler))
	mux.HandleFunc("POST /{path...}", wrapPost(handler))
	mux.HandleFunc("POST /v1/{path...}", wrapPost(handler))

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      authenticator.Middleware(mux),
			ReadTimeout:  0,
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func wrapGet(h *proxy.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ForwardGET(w, r, r.PathValue("path"))
	}
}

func wrapPost(h *proxy.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ForwardPOST(w, r, r.PathValue("path"))
	}
}

// ListenAndServe blocks serving requests until the process is asked to
// shut down.
func (s *Server) ListenAndServe() error {
	log.WithField("addr", s.httpServer.Addr).Info("listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
