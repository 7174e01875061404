package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaultkit/vaultkit/pkg/logging"
)

// Server exposes a Prometheus gatherer on /metrics.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen starts serving g on addr in the background.
func Listen(addr string, g prometheus.Gatherer) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{srv: &http.Server{Handler: mux}, ln: ln}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorErr("metrics server stopped", err, map[string]any{"addr": ln.Addr().String()})
		}
	}()
	logging.Info("metrics server listening", map[string]any{"addr": ln.Addr().String()})
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
