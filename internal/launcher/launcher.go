package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thatjpcsguy/platformup/internal/health"
	"github.com/thatjpcsguy/platformup/internal/registry"
	"github.com/thatjpcsguy/platformup/internal/service"
	"github.com/thatjpcsguy/platformup/internal/supervisor"
)

// ErrRequiredServiceFailed stops tier progression
var ErrRequiredServiceFailed = errors.New("required service failed")

// Allocator hands out ports
type Allocator interface {
	Allocate(ctx context.Context, name string, category service.Category, scope service.Scope, description string) (int, bool, error)
	Reserve(ctx context.Context, name string, port int, category service.Category, scope service.Scope, description string) (bool, error)
	Release(ctx context.Context, name string) error
	CheckBindable(port int) error
}

// Processes starts and stops service processes
type Processes interface {
	Reconcile(ctx context.Context, name string) (supervisor.State, error)
	Get(ctx context.Context, name string) (supervisor.ProcessRecord, bool, error)
	Start(ctx context.Context, d service.Descriptor, port int) (supervisor.ProcessRecord, error)
	Stop(ctx context.Context, name string) (supervisor.StopResult, error)
	List(ctx context.Context) ([]supervisor.ProcessRecord, error)
	ProbeContext(parent context.Context, name string) (context.Context, context.CancelFunc)
	ReportHealth(ctx context.Context, name string, pid int, healthy bool) (bool, error)
}

// Poller runs a bounded health poll
type Poller interface {
	Poll(ctx context.Context, name string, p health.Prober, timeout time.Duration, maxAttempts int) health.Result
}

// ProberFactory builds the prober for a service listening on port. A nil
// prober means the service has no health check.
type ProberFactory func(check service.HealthCheck, port int) (health.Prober, error)

// Observer receives launch, health and stop events
type Observer interface {
	LaunchFinished(service, state string)
	HealthChecked(service string, healthy bool, attempts int)
	Stopped(service, method string)
}

type nopObserver struct{}

func (nopObserver) LaunchFinished(string, string)   {}
func (nopObserver) HealthChecked(string, bool, int) {}
func (nopObserver) Stopped(string, string)          {}

// Options configures a Launcher
type Options struct {
	// MaxParallel bounds concurrent starts within a tier. Zero means unbounded.
	MaxParallel int
	// GateOnHealth makes an exhausted health budget on a required service fail its tier
	GateOnHealth bool
	// HealthTimeout and HealthAttempts apply when a service sets neither
	HealthTimeout  time.Duration
	HealthAttempts int
	NewProber      ProberFactory
	Observer       Observer
	Logger         *zerolog.Logger
}

// Launcher brings tiers of services up and down in dependency order
type Launcher struct {
	ports  Allocator
	procs  Processes
	health Poller
	opts   Options
	log    zerolog.Logger
}

// New creates a Launcher
func New(ports Allocator, procs Processes, poller Poller, opts Options) *Launcher {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	if opts.HealthAttempts <= 0 {
		opts.HealthAttempts = 10
	}
	if opts.NewProber == nil {
		opts.NewProber = health.NewProber
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	l := &Launcher{ports: ports, procs: procs, health: poller, opts: opts, log: log.Logger}
	if opts.Logger != nil {
		l.log = *opts.Logger
	}
	l.log = l.log.With().Str("component", "launcher").Logger()
	return l
}

// LaunchAll starts tiers strictly in order. Services inside a tier start
// concurrently. A failed required service aborts the remaining tiers, whose
// services are reported as skipped. Background health polls are collected
// before the report is returned.
func (l *Launcher) LaunchAll(ctx context.Context, tiers []service.Tier) *Report {
	report := newReport(ActionUp)
	var polls sync.WaitGroup

	for i, tier := range tiers {
		outcomes := make([]*Outcome, len(tier.Services))
		for j, d := range tier.Services {
			outcomes[j] = &Outcome{Service: d.Name, Tier: d.Tier, Required: d.Required, State: OutcomeSkipped}
		}

		if report.Aborted {
			report.add(outcomes...)
			continue
		}
		if err := ctx.Err(); err != nil {
			report.abort(err)
			report.add(outcomes...)
			continue
		}

		l.log.Info().Int("tier", i).Str("name", tier.Name).Int("services", len(tier.Services)).Msg("starting tier")

		var g errgroup.Group
		if l.opts.MaxParallel > 0 {
			g.SetLimit(l.opts.MaxParallel)
		}
		for j, d := range tier.Services {
			d := d
			out := outcomes[j]
			g.Go(func() error {
				l.launchOne(ctx, d, out, &polls)
				return nil
			})
		}
		_ = g.Wait()

		var failures []error
		for _, o := range outcomes {
			if o.Required && o.Err != nil {
				failures = append(failures, fmt.Errorf("%w: %s: %w", ErrRequiredServiceFailed, o.Service, o.Err))
			} else if o.Err != nil {
				l.log.Warn().Err(o.Err).Str("service", o.Service).Msg("optional service failed")
			}
		}
		report.add(outcomes...)
		if len(failures) > 0 {
			l.log.Error().Int("tier", i).Msg("required service failed, skipping remaining tiers")
			report.abort(errors.Join(failures...))
		}
	}

	polls.Wait()
	report.finish()
	return report
}

// launchOne takes one service through reconcile, allocate, start and health.
// It writes only to out; background polls write to out once the tier is
// done, and are waited on through polls.
func (l *Launcher) launchOne(ctx context.Context, d service.Descriptor, out *Outcome, polls *sync.WaitGroup) {
	logger := l.log.With().Str("service", d.Name).Logger()

	state, err := l.procs.Reconcile(ctx, d.Name)
	if err != nil {
		l.fail(out, err)
		return
	}
	if state.Up() {
		rec, found, err := l.procs.Get(ctx, d.Name)
		if err != nil {
			l.fail(out, err)
			return
		}
		if found {
			logger.Info().Int("pid", rec.PID).Int("port", rec.Port).Msg("already running, reusing")
			out.State = OutcomeReused
			out.setRecord(rec)
			l.opts.Observer.LaunchFinished(d.Name, string(out.State))
			l.checkHealth(ctx, d, out, polls)
			return
		}
	}

	port, err := l.allocate(ctx, d)
	out.Port = port
	if err != nil {
		l.fail(out, err)
		return
	}

	rec, err := l.procs.Start(ctx, d, port)
	if err != nil {
		out.LogPath = rec.LogPath
		l.fail(out, err)
		return
	}
	out.State = OutcomeStarted
	out.setRecord(rec)
	l.opts.Observer.LaunchFinished(d.Name, string(out.State))

	l.checkHealth(ctx, d, out, polls)
}

func (l *Launcher) fail(out *Outcome, err error) {
	out.State = OutcomeFailed
	out.Err = err
	l.opts.Observer.LaunchFinished(out.Service, string(out.State))
}

// allocate reserves the preferred port when one is configured. A service that
// already holds another port keeps it.
func (l *Launcher) allocate(ctx context.Context, d service.Descriptor) (int, error) {
	if d.PreferredPort > 0 {
		isNew, err := l.ports.Reserve(ctx, d.Name, d.PreferredPort, d.Category, d.Scope, d.Description)
		if err == nil {
			return l.checkKept(d.Name, d.PreferredPort, isNew)
		}
		if !errors.Is(err, registry.ErrAlreadyAllocated) {
			return 0, err
		}
		l.log.Warn().Err(err).Str("service", d.Name).Msg("keeping existing port")
	}

	port, isNew, err := l.ports.Allocate(ctx, d.Name, d.Category, d.Scope, d.Description)
	if err != nil {
		return 0, err
	}
	return l.checkKept(d.Name, port, isNew)
}

// checkKept fails a port kept from an earlier run when another process has
// bound it since. New allocations were checked when they were handed out.
func (l *Launcher) checkKept(name string, port int, isNew bool) (int, error) {
	if isNew {
		return port, nil
	}
	if err := l.ports.CheckBindable(port); err != nil {
		l.log.Error().Err(err).Str("service", name).Int("port", port).Msg("allocated port was taken by another process")
		return port, err
	}
	return port, nil
}

// checkHealth polls in the background, or inline when the tier is gated on it
func (l *Launcher) checkHealth(ctx context.Context, d service.Descriptor, out *Outcome, polls *sync.WaitGroup) {
	prober, err := l.opts.NewProber(d.Health, out.Port)
	if err != nil {
		out.Health = HealthUnchecked
		l.log.Warn().Err(err).Str("service", d.Name).Msg("no usable health check")
		return
	}
	if prober == nil {
		out.Health = HealthUnchecked
		return
	}

	timeout := d.Health.Timeout
	if timeout <= 0 {
		timeout = l.opts.HealthTimeout
	}
	attempts := d.Health.MaxAttempts
	if attempts <= 0 {
		attempts = l.opts.HealthAttempts
	}

	if l.opts.GateOnHealth && d.Required {
		l.poll(ctx, d.Name, out, prober, timeout, attempts)
		if out.Health == HealthUnhealthy {
			out.Err = out.healthErr
		}
		return
	}

	out.Health = HealthPending
	polls.Add(1)
	go func() {
		defer polls.Done()
		l.poll(ctx, d.Name, out, prober, timeout, attempts)
	}()
}

func (l *Launcher) poll(ctx context.Context, name string, out *Outcome, prober health.Prober, timeout time.Duration, attempts int) {
	pid := out.PID
	probeCtx, done := l.procs.ProbeContext(ctx, name)
	res := l.health.Poll(probeCtx, name, prober, timeout, attempts)
	done()

	out.HealthAttempts = res.Attempts
	if res.Cancelled {
		out.Health = HealthCancelled
		return
	}

	out.Health = HealthHealthy
	if !res.Succeeded {
		out.Health = HealthUnhealthy
		out.healthErr = res.LastError
	}
	l.opts.Observer.HealthChecked(name, res.Succeeded, res.Attempts)

	applied, err := l.procs.ReportHealth(context.Background(), name, pid, res.Succeeded)
	if err != nil {
		l.log.Error().Err(err).Str("service", name).Msg("failed to record health")
	} else if !applied {
		out.Health = HealthDiscarded
	}
}

// ShutdownAll stops services in reverse tier order and reverse declaration
// order within a tier, then any supervised process the tiers do not name.
// Every service is attempted; failures are joined into the report error.
func (l *Launcher) ShutdownAll(ctx context.Context, tiers []service.Tier, releasePorts bool) *Report {
	return l.shutdown(ctx, tiers, releasePorts, true)
}

// Shutdown is ShutdownAll without the sweep of unnamed processes, for
// stopping a subset of the platform
func (l *Launcher) Shutdown(ctx context.Context, tiers []service.Tier, releasePorts bool) *Report {
	return l.shutdown(ctx, tiers, releasePorts, false)
}

func (l *Launcher) shutdown(ctx context.Context, tiers []service.Tier, releasePorts, orphans bool) *Report {
	report := newReport(ActionDown)
	named := make(map[string]bool)
	var errs []error

	for i := len(tiers) - 1; i >= 0; i-- {
		svcs := tiers[i].Services
		for j := len(svcs) - 1; j >= 0; j-- {
			d := svcs[j]
			named[d.Name] = true
			out := Outcome{Service: d.Name, Tier: d.Tier, Required: d.Required}
			if err := l.stopOne(ctx, d.Name, &out, releasePorts); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
			}
			report.add(&out)
		}
	}

	if orphans {
		records, err := l.procs.List(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list orphaned processes: %w", err))
		}
		for _, rec := range records {
			if named[rec.ServiceName] {
				continue
			}
			l.log.Warn().Str("service", rec.ServiceName).Int("pid", rec.PID).Msg("stopping process not in configuration")
			out := Outcome{Service: rec.ServiceName, Tier: -1, Orphan: true}
			if err := l.stopOne(ctx, rec.ServiceName, &out, releasePorts); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", rec.ServiceName, err))
			}
			report.add(&out)
		}
	}

	report.Err = errors.Join(errs...)
	report.finish()
	return report
}

func (l *Launcher) stopOne(ctx context.Context, name string, out *Outcome, releasePorts bool) error {
	res, err := l.procs.Stop(ctx, name)
	out.PID = res.PID
	out.StopMethod = string(res.Method)
	l.opts.Observer.Stopped(name, string(res.Method))

	switch {
	case err != nil:
		out.State = OutcomeFailed
		out.Err = err
	case res.Method == supervisor.StopNone:
		out.State = OutcomeNotRunning
	default:
		out.State = OutcomeStopped
	}

	if releasePorts {
		if relErr := l.ports.Release(ctx, name); relErr != nil {
			err = errors.Join(err, relErr)
			out.Err = err
		}
	}
	return err
}
