package service

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes the default prometheus registry.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
}

func (m *MetricsServer) Listen(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.listener = listener
	m.server = &http.Server{Handler: mux}
	return nil
}

func (m *MetricsServer) Serve() error {
	return m.server.Serve(m.listener)
}

func (m *MetricsServer) Addr() net.Addr {
	return m.listener.Addr()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
