package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatjpcsguy/platformup/internal/adapter"
	"github.com/thatjpcsguy/platformup/internal/config"
	"github.com/thatjpcsguy/platformup/internal/health"
	"github.com/thatjpcsguy/platformup/internal/hooks"
	"github.com/thatjpcsguy/platformup/internal/launcher"
	"github.com/thatjpcsguy/platformup/internal/metrics"
	"github.com/thatjpcsguy/platformup/internal/registry"
	"github.com/thatjpcsguy/platformup/internal/service"
	"github.com/thatjpcsguy/platformup/internal/statedb"
	"github.com/thatjpcsguy/platformup/internal/supervisor"
)

// Platform holds every component for one configured platform
type Platform struct {
	Config     *config.Config
	Ports      *registry.Registry
	Supervisor *supervisor.Supervisor
	Monitor    *health.Monitor
	Launcher   *launcher.Launcher
	Metrics    *metrics.Collector
	Hooks      *hooks.Runner

	db  *sql.DB
	log zerolog.Logger
}

// Options tweaks Open
type Options struct {
	// Probe overrides the OS port check, mainly for tests
	Probe      func(port int) bool
	HookOutput io.Writer
	Logger     *zerolog.Logger
}

// Open opens the state database and builds the components
func Open(cfg *config.Config, opts Options) (*Platform, error) {
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}

	db, err := statedb.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	ports, err := registry.New(db, registry.Options{
		StartPort: cfg.Ports.Start,
		EndPort:   cfg.Ports.End,
		Probe:     opts.Probe,
		Logger:    &lg,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	sup, err := supervisor.New(supervisor.NewStore(db), supervisor.Options{
		LogDir:      cfg.LogDir(),
		EntryPoints: cfg.EntryPoints,
		GracePeriod: cfg.GracePeriod,
		StopTimeout: cfg.StopTimeout,
		Logger:      &lg,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	mon := health.NewMonitor(health.Options{Interval: cfg.Health.Interval, Logger: &lg})
	collector := metrics.NewCollector()

	p := &Platform{
		Config:     cfg,
		Ports:      ports,
		Supervisor: sup,
		Monitor:    mon,
		Metrics:    collector,
		Launcher: launcher.New(ports, sup, mon, launcher.Options{
			MaxParallel:    cfg.MaxParallel,
			GateOnHealth:   cfg.GateOnHealth,
			HealthTimeout:  cfg.Health.Timeout,
			HealthAttempts: cfg.Health.MaxAttempts,
			Observer:       collector,
			Logger:         &lg,
		}),
		Hooks: &hooks.Runner{Dir: cfg.BaseDir, Stdout: opts.HookOutput, Stderr: opts.HookOutput, Logger: &lg},
		db:    db,
		log:   lg.With().Str("component", "platform").Logger(),
	}
	return p, nil
}

// Close releases the state database
func (p *Platform) Close() error {
	return p.db.Close()
}

// Up runs the pre-up hook, launches the selected services and runs the
// post-up hook. A failing pre-up hook stops the launch.
func (p *Platform) Up(ctx context.Context, services ...string) (*launcher.Report, error) {
	tiers, err := p.Config.Select(services...)
	if err != nil {
		return nil, err
	}

	env, err := p.hookEnv(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := p.Hooks.Execute(ctx, hooks.PreUp, p.HookScript(hooks.PreUp), env); err != nil {
		return nil, err
	}

	report := p.Launcher.LaunchAll(ctx, tiers)
	if err := p.refreshRunning(ctx); err != nil {
		p.log.Warn().Err(err).Msg("failed to count running services")
	}

	if env, err = p.hookEnv(ctx); err == nil {
		if _, err := p.Hooks.Execute(ctx, hooks.PostUp, p.HookScript(hooks.PostUp), env); err != nil {
			p.log.Warn().Err(err).Msg("post-up hook failed")
		}
	}
	return report, report.Err
}

// Down stops the selected services, or everything including processes the
// configuration no longer names. Hook failures are logged, never fatal.
func (p *Platform) Down(ctx context.Context, release bool, services ...string) (*launcher.Report, error) {
	tiers, err := p.Config.Select(services...)
	if err != nil {
		return nil, err
	}

	env, err := p.hookEnv(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := p.Hooks.Execute(ctx, hooks.PreDown, p.HookScript(hooks.PreDown), env); err != nil {
		p.log.Warn().Err(err).Msg("pre-down hook failed")
	}

	var report *launcher.Report
	if len(services) == 0 {
		report = p.Launcher.ShutdownAll(ctx, tiers, release)
	} else {
		report = p.Launcher.Shutdown(ctx, tiers, release)
	}
	if err := p.refreshRunning(ctx); err != nil {
		p.log.Warn().Err(err).Msg("failed to count running services")
	}

	if _, err := p.Hooks.Execute(ctx, hooks.PostDown, p.HookScript(hooks.PostDown), env); err != nil {
		p.log.Warn().Err(err).Msg("post-down hook failed")
	}
	return report, report.Err
}

// hookEnv exposes the current port allocations to hooks
func (p *Platform) hookEnv(ctx context.Context) (map[string]string, error) {
	allocations, err := p.Ports.List(ctx)
	if err != nil {
		return nil, err
	}
	ports := make(map[string]int, len(allocations))
	for _, a := range allocations {
		ports[a.ServiceName] = a.Port
	}
	return hooks.Env(p.Config.Name, ports), nil
}

// HookScript returns the fallback script configured for a hook
func (p *Platform) HookScript(hook hooks.HookType) string {
	switch hook {
	case hooks.PreUp:
		return p.Config.Hooks.PreUp
	case hooks.PostUp:
		return p.Config.Hooks.PostUp
	case hooks.PreDown:
		return p.Config.Hooks.PreDown
	case hooks.PostDown:
		return p.Config.Hooks.PostDown
	}
	return ""
}

// RunHook runs one hook by hand with the current port environment
func (p *Platform) RunHook(ctx context.Context, hook hooks.HookType) (bool, error) {
	env, err := p.hookEnv(ctx)
	if err != nil {
		return false, err
	}
	return p.Hooks.Execute(ctx, hook, p.HookScript(hook), env)
}

func (p *Platform) refreshRunning(ctx context.Context) error {
	records, err := p.Supervisor.List(ctx)
	if err != nil {
		return err
	}
	p.Metrics.SetRunning(len(records))
	return nil
}

// ServiceStatus is the combined port and process view of one service
type ServiceStatus struct {
	Name      string           `json:"name"`
	Tier      int              `json:"tier"`
	Required  bool             `json:"required"`
	Category  service.Category `json:"category"`
	Scope     service.Scope    `json:"scope"`
	State     supervisor.State `json:"state"`
	Port      int              `json:"port,omitempty"`
	PID       int              `json:"pid,omitempty"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	LogPath   string           `json:"log_path,omitempty"`
	// Health is the last observed health of the live process. An unhealthy
	// record that has since passed a check reports healthy here.
	Health string `json:"health,omitempty"`
	// Orphan marks a process the configuration no longer names
	Orphan bool `json:"orphan,omitempty"`
}

// Status reports every configured service plus orphaned processes, sorted
// by tier then name. Stale records are cleared on the way.
func (p *Platform) Status(ctx context.Context) ([]ServiceStatus, error) {
	records, err := p.Supervisor.List(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]supervisor.ProcessRecord, len(records))
	for _, rec := range records {
		byName[rec.ServiceName] = rec
	}

	allocations, err := p.Ports.List(ctx)
	if err != nil {
		return nil, err
	}
	portOf := make(map[string]int, len(allocations))
	for _, a := range allocations {
		portOf[a.ServiceName] = a.Port
	}

	var out []ServiceStatus
	for _, d := range p.Config.Services() {
		st := ServiceStatus{
			Name:     d.Name,
			Tier:     d.Tier,
			Required: d.Required,
			Category: d.Category,
			Scope:    d.Scope,
			State:    supervisor.StateNotRunning,
			Port:     portOf[d.Name],
		}
		if rec, ok := byName[d.Name]; ok {
			st.applyRecord(rec)
			st.Health = p.observedHealth(rec)
			delete(byName, d.Name)
		}
		out = append(out, st)
	}
	for _, rec := range byName {
		st := ServiceStatus{Name: rec.ServiceName, Tier: -1, Orphan: true, State: supervisor.StateNotRunning}
		st.applyRecord(rec)
		st.Health = p.observedHealth(rec)
		out = append(out, st)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Orphan != out[j].Orphan {
			return out[j].Orphan
		}
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *ServiceStatus) applyRecord(rec supervisor.ProcessRecord) {
	started := rec.StartedAt
	s.State = rec.State
	s.PID = rec.PID
	s.Port = rec.Port
	s.LogPath = rec.LogPath
	s.StartedAt = &started
}

// observedHealth falls back to the stored state when no check has run
// against this process yet
func (p *Platform) observedHealth(rec supervisor.ProcessRecord) string {
	if healthy, ok := p.Supervisor.ObservedHealth(rec.ServiceName, rec.PID); ok {
		if healthy {
			return "healthy"
		}
		return "unhealthy"
	}
	if rec.State == supervisor.StateUnhealthy {
		return "unhealthy"
	}
	return ""
}

// metricsStatus adapts Status for the /health endpoint
func (p *Platform) metricsStatus(ctx context.Context) ([]metrics.ServiceStatus, error) {
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]metrics.ServiceStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, metrics.ServiceStatus{Name: s.Name, State: string(s.State), Health: s.Health, Port: s.Port, PID: s.PID})
	}
	return out, nil
}

// ReleasePort drops a service's allocation. A running service keeps its port.
func (p *Platform) ReleasePort(ctx context.Context, name string) error {
	if _, found, err := p.Supervisor.Get(ctx, name); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%s is running; stop it before releasing its port", name)
	}
	return p.Ports.Release(ctx, name)
}

// Compose builds the orchestration adapter, dialling the remote host when one
// is configured. Locally the project's .env receives the allocated ports as
// PORT_<SERVICE> and SERVICE_PORTS. The returned func closes the connection.
func (p *Platform) Compose(ctx context.Context, stdout, stderr io.Writer) (*adapter.Compose, func() error, error) {
	cc := p.Config.Compose
	c := &adapter.Compose{
		Project: cc.Project,
		Dir:     cc.Dir,
		Files:   cc.Files,
		Stdout:  stdout,
		Stderr:  stderr,
		Logger:  &p.log,
	}
	if cc.Remote.Host == "" {
		env, err := p.hookEnv(ctx)
		if err != nil {
			return nil, nil, err
		}
		c.Env = env
		c.Runner = adapter.LocalRunner{}
		return c, func() error { return nil }, nil
	}

	// The .env on a remote host is managed there
	if cc.Remote.User == "" {
		return nil, nil, errors.New("compose.remote.user is required with compose.remote.host")
	}
	runner, err := adapter.DialSSH(cc.Remote.User, cc.Remote.Host)
	if err != nil {
		return nil, nil, err
	}
	c.Runner = runner
	c.Dir = cc.Remote.Dir
	return c, runner.Close, nil
}
