package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum-optimism/infra/op-pagetest/metrics"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
)

// Config selects the side servers started next to a run.
type Config struct {
	// HealthzAddr is the health check listen address, empty to disable.
	HealthzAddr string
	Metrics     opmetrics.CLIConfig
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer

	cfg Config
	log log.Logger
}

func New(cfg Config, logger log.Logger) *Service {
	s := &Service{
		cfg: cfg,
		log: logger.New("component", "service"),
	}
	if cfg.HealthzAddr != "" {
		s.Healthz = &HealthzServer{log: s.log}
	}
	if cfg.Metrics.Enabled {
		s.Metrics = &MetricsServer{}
	}
	return s
}

// Start binds the enabled servers and serves them in the background.
func (s *Service) Start(ctx context.Context) error {
	s.log.Info("service starting")

	if s.Healthz != nil {
		if err := s.Healthz.Listen(s.cfg.HealthzAddr); err != nil {
			return err
		}
		s.log.Info("starting healthz server", "addr", s.Healthz.Addr())
		go func() {
			if err := s.Healthz.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error serving healthz", "err", err)
				metrics.RecordErrorDetails("error serving healthz", err)
			}
		}()
	}

	if s.Metrics != nil {
		addr := net.JoinHostPort(s.cfg.Metrics.ListenAddr, strconv.Itoa(s.cfg.Metrics.ListenPort))
		if err := s.Metrics.Listen(addr); err != nil {
			return err
		}
		s.log.Info("starting metrics server", "addr", s.Metrics.Addr())
		go func() {
			if err := s.Metrics.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error serving metrics", "err", err)
				metrics.RecordErrorDetails("error serving metrics", err)
			}
		}()
	}

	s.log.Info("service started")
	return nil
}

func (s *Service) Shutdown(ctx context.Context) {
	s.log.Info("service shutting down")

	if s.Healthz != nil {
		_ = s.Healthz.Shutdown(ctx)
		s.log.Info("healthz stopped")
	}
	if s.Metrics != nil {
		_ = s.Metrics.Shutdown(ctx)
		s.log.Info("metrics stopped")
	}

	s.log.Info("service stopped")
}
