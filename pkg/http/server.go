package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orgsearch/tenant-index/pkg/logger"
)

type ServerOpts struct {
	ListenAddr string

	// ShutdownTimeout bounds how long Close waits for in-flight requests.  Defaults to 10s.
	ShutdownTimeout time.Duration
}

// HttpServer serves /metrics and /healthz plus any handler added with RegisterHandler.
type HttpServer struct {
	mux  *http.ServeMux
	opts *ServerOpts
	srv  *http.Server
	ln   net.Listener
}

func NewServer(opts *ServerOpts) *HttpServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &HttpServer{
		opts: opts,
		mux:  mux,
	}
}

// Open binds the listen address and serves in the background.  A bind failure is returned, not logged.
func (s *HttpServer) Open(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to serve on %s: %s", ln.Addr(), err)
		}
	}()
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *HttpServer) Addr() string {
	if s.ln == nil {
		return s.opts.ListenAddr
	}
	return s.ln.Addr().String()
}

func (s *HttpServer) Close() error {
	if s.srv == nil {
		return nil
	}
	timeout := s.opts.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// RegisterHandler adds a handler at path.  It must be called before Open.
func (s *HttpServer) RegisterHandler(path string, handlerFunc http.HandlerFunc) {
	s.mux.Handle(path, handlerFunc)
}
