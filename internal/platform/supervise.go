package platform

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thatjpcsguy/platformup/internal/health"
	"github.com/thatjpcsguy/platformup/internal/launcher"
	"github.com/thatjpcsguy/platformup/internal/metrics"
	"github.com/thatjpcsguy/platformup/internal/service"
	"github.com/thatjpcsguy/platformup/internal/supervisor"
)

// Supervise keeps the platform in the foreground: it serves /metrics and
// /health on addr, reconciles and re-polls health every interval, and shuts
// everything down once ctx ends. The shutdown report is returned.
func (p *Platform) Supervise(ctx context.Context, addr string, interval time.Duration) (*launcher.Report, error) {
	if interval <= 0 {
		interval = p.Config.Metrics.ReconcileInterval
	}

	g, gctx := errgroup.WithContext(ctx)
	if addr != "" {
		srv := metrics.NewServer(addr, p.Metrics, p.metricsStatus, &p.log)
		g.Go(func() error {
			// the services keep running without the endpoint
			if err := srv.Serve(gctx); err != nil {
				p.log.Error().Err(err).Str("addr", addr).Msg("metrics endpoint unavailable")
			}
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				p.Check(gctx)
			}
		}
	})
	_ = g.Wait()

	p.log.Info().Msg("shutting down")
	return p.Down(context.Background(), false)
}

// Check reconciles every configured service and re-polls the health of the
// live ones. Results for processes replaced in the meantime are discarded.
func (p *Platform) Check(ctx context.Context) {
	for _, d := range p.Config.Services() {
		rec, found, err := p.Supervisor.Get(ctx, d.Name)
		if err != nil {
			p.log.Error().Err(err).Str("service", d.Name).Msg("reconcile failed")
			continue
		}
		if !found {
			continue
		}
		p.checkHealth(ctx, d, rec)
	}
	if err := p.refreshRunning(ctx); err != nil {
		p.log.Warn().Err(err).Msg("failed to count running services")
	}
}

func (p *Platform) checkHealth(ctx context.Context, d service.Descriptor, rec supervisor.ProcessRecord) {
	prober, err := health.NewProber(d.Health, rec.Port)
	if err != nil || prober == nil {
		return
	}
	timeout := d.Health.Timeout
	if timeout <= 0 {
		timeout = p.Config.Health.Timeout
	}

	probeCtx, done := p.Supervisor.ProbeContext(ctx, d.Name)
	res := p.Monitor.Poll(probeCtx, d.Name, prober, timeout, 1)
	done()
	if res.Cancelled {
		return
	}

	p.Metrics.HealthChecked(d.Name, res.Succeeded, res.Attempts)
	if _, err := p.Supervisor.ReportHealth(ctx, d.Name, rec.PID, res.Succeeded); err != nil {
		p.log.Error().Err(err).Str("service", d.Name).Msg("failed to record health")
	}
}
