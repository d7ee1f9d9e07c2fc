package entrypoint

import (
	"context"
	"fmt"

	"celestenet/netcore/pkg/config"
	"celestenet/netcore/pkg/ext"
	"celestenet/netcore/pkg/log"
	"celestenet/netcore/pkg/metrics"
	"celestenet/netcore/pkg/packet"
	"celestenet/netcore/pkg/server"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "netcore"

// Serve runs a relay server until ctx is canceled.
func Serve(ctx context.Context, shared *config.Shared, cfg *config.Server) error {
	logger := log.NewLogger(shared.Verbose)

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New(metricsNamespace)
	}

	return serve(ctx, shared, cfg, logger, m, nil)
}

// serve calls ready, if set, once the server listens.
func serve(ctx context.Context, shared *config.Shared, cfg *config.Server, logger *log.Logger, m *metrics.Metrics, ready func(*server.Server)) error {
	reg := packet.NewRegistry()
	ext.Register(reg)

	r := &relay{logger: logger}
	srv := server.New(shared, cfg, reg, r.handlers(), logger, m)
	r.out = srv

	if ready != nil {
		go func() {
			select {
			case <-srv.Ready():
				ready(srv)
			case <-ctx.Done():
			}
		}()
	}

	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
