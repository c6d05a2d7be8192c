package main

import (
	"context"
	"time"

	"github.com/astrolab/finkstream/admin"
	"github.com/astrolab/finkstream/cfg"
	"github.com/astrolab/finkstream/telemetry"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// startHTTP starts the admin and Prometheus listeners that are enabled and
// returns a function stopping them
func startHTTP(sources admin.Sources) (func(), error) {
	metrics := telemetry.GetMetricsHandler()
	sources.Metrics = metrics

	var servers []*admin.Server
	stopAll := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.Stop(ctx); err != nil {
				log.Warn().Err(err).Msg("HTTP server shutdown failed")
			}
		}
	}

	if cfg.Config.Admin.Enabled {
		s := admin.NewServer("admin", cfg.Config.Admin.Address, cfg.Config.Admin.Port,
			admin.NewRouter(admin.NewAdminHandlers(sources)))
		if err := s.Start(); err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}

	if metrics != nil {
		s := admin.NewServer("metrics", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port,
			admin.NewMetricsRouter(metrics))
		if err := s.Start(); err != nil {
			stopAll()
			return nil, err
		}
		servers = append(servers, s)
	}

	return stopAll, nil
}
