package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatjpcsguy/platformup/internal/health"
	"github.com/thatjpcsguy/platformup/internal/registry"
	"github.com/thatjpcsguy/platformup/internal/service"
	"github.com/thatjpcsguy/platformup/internal/supervisor"
)

type fakePorts struct {
	mu       sync.Mutex
	next     int
	ports    map[string]int
	reserved []string
	released []string
	// bound marks ports another process listens on
	bound map[int]bool
}

func newFakePorts() *fakePorts {
	return &fakePorts{next: 9000, ports: map[string]int{}, bound: map[int]bool{}}
}

func (f *fakePorts) Allocate(_ context.Context, name string, _ service.Category, _ service.Scope, _ string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.ports[name]; ok {
		return p, false, nil
	}
	p := f.next
	f.next++
	f.ports[name] = p
	return p, true, nil
}

func (f *fakePorts) Reserve(_ context.Context, name string, port int, _ service.Category, _ service.Scope, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.ports[name]; ok {
		if p != port {
			return false, registry.ErrAlreadyAllocated
		}
		return false, nil
	}
	f.ports[name] = port
	f.reserved = append(f.reserved, name)
	return true, nil
}

func (f *fakePorts) Release(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ports, name)
	f.released = append(f.released, name)
	return nil
}

func (f *fakePorts) CheckBindable(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bound[port] {
		return fmt.Errorf("%w: port %d is bound by another process", registry.ErrPortConflict, port)
	}
	return nil
}

type fakeProcs struct {
	mu        sync.Mutex
	nextPID   int
	records   map[string]supervisor.ProcessRecord
	startErr  map[string]error
	stopErr   map[string]error
	started   []string
	stopped   []string
	health    map[string]bool
	supersede map[string]bool
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{
		nextPID:   1000,
		records:   map[string]supervisor.ProcessRecord{},
		startErr:  map[string]error{},
		stopErr:   map[string]error{},
		health:    map[string]bool{},
		supersede: map[string]bool{},
	}
}

func (f *fakeProcs) Reconcile(_ context.Context, name string) (supervisor.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[name]; ok {
		return rec.State, nil
	}
	return supervisor.StateNotRunning, nil
}

func (f *fakeProcs) Get(_ context.Context, name string) (supervisor.ProcessRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[name]
	return rec, ok, nil
}

func (f *fakeProcs) Start(_ context.Context, d service.Descriptor, port int) (supervisor.ProcessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, d.Name)
	if err := f.startErr[d.Name]; err != nil {
		return supervisor.ProcessRecord{ServiceName: d.Name, Port: port, State: supervisor.StateFailed, LogPath: "/logs/" + d.Name + ".log"}, err
	}
	f.nextPID++
	rec := supervisor.ProcessRecord{
		ServiceName: d.Name,
		PID:         f.nextPID,
		Port:        port,
		LogPath:     "/logs/" + d.Name + ".log",
		StartedAt:   time.Now(),
		State:       supervisor.StateRunning,
	}
	f.records[d.Name] = rec
	return rec, nil
}

func (f *fakeProcs) Stop(_ context.Context, name string) (supervisor.StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	rec, ok := f.records[name]
	delete(f.records, name)
	if !ok {
		return supervisor.StopResult{ServiceName: name, Method: supervisor.StopNone}, nil
	}
	res := supervisor.StopResult{ServiceName: name, PID: rec.PID, Method: supervisor.StopGraceful}
	return res, f.stopErr[name]
}

func (f *fakeProcs) List(_ context.Context) ([]supervisor.ProcessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []supervisor.ProcessRecord
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeProcs) ProbeContext(parent context.Context, _ string) (context.Context, context.CancelFunc) {
	return context.WithCancel(parent)
}

func (f *fakeProcs) ReportHealth(_ context.Context, name string, pid int, healthy bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.supersede[name] {
		return false, nil
	}
	if rec, ok := f.records[name]; !ok || rec.PID != pid {
		return false, nil
	}
	f.health[name] = healthy
	return true, nil
}

func (f *fakeProcs) startedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// fakePoller answers from a table; services not listed are healthy
type fakePoller struct {
	delay     time.Duration
	unhealthy map[string]bool
}

func (p *fakePoller) Poll(ctx context.Context, name string, _ health.Prober, _ time.Duration, maxAttempts int) health.Result {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return health.Result{ServiceName: name, Attempts: 1, Cancelled: true, LastError: ctx.Err()}
		}
	}
	if p.unhealthy[name] {
		return health.Result{
			ServiceName: name,
			Attempts:    maxAttempts,
			LastError:   fmt.Errorf("%w after %d attempts: refused", health.ErrHealthCheckExhausted, maxAttempts),
		}
	}
	return health.Result{ServiceName: name, Attempts: 1, Succeeded: true}
}

func anyProber(service.HealthCheck, int) (health.Prober, error) {
	return health.ProberFunc(func(context.Context) error { return nil }), nil
}

func newTestLauncher(ports *fakePorts, procs *fakeProcs, poller *fakePoller, opts Options) *Launcher {
	nop := zerolog.Nop()
	opts.Logger = &nop
	if opts.NewProber == nil {
		opts.NewProber = anyProber
	}
	return New(ports, procs, poller, opts)
}

func tiers(groups ...[]service.Descriptor) []service.Tier {
	var out []service.Tier
	for i, svcs := range groups {
		out = append(out, service.Tier{Name: fmt.Sprintf("t%d", i), Services: svcs})
	}
	return service.Normalize(out)
}

func TestLaunchAll_StartsTiersInOrder(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{MaxParallel: 2})

	report := l.LaunchAll(context.Background(), tiers(
		[]service.Descriptor{{Name: "db", Required: true}, {Name: "cache", Required: true}},
		[]service.Descriptor{{Name: "api", Required: true}},
		[]service.Descriptor{{Name: "web"}},
	))

	require.NoError(t, report.Err)
	assert.False(t, report.Aborted)
	assert.NotEmpty(t, report.RunID)

	started := procs.startedNames()
	require.Len(t, started, 4)
	assert.ElementsMatch(t, []string{"db", "cache"}, started[:2])
	assert.Equal(t, []string{"api", "web"}, started[2:])

	for _, o := range report.Outcomes {
		assert.Equal(t, OutcomeStarted, o.State, o.Service)
		assert.Equal(t, HealthHealthy, o.Health, o.Service)
		assert.Greater(t, o.PID, 0)
	}
	assert.Equal(t, []string{"cache", "db", "api", "web"}, []string{
		report.Outcomes[0].Service, report.Outcomes[1].Service, report.Outcomes[2].Service, report.Outcomes[3].Service,
	})
}

func TestLaunchAll_RequiredFailureAbortsLaterTiers(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	procs.startErr["api"] = fmt.Errorf("api: %w", supervisor.ErrNoEntryPoint)
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})

	report := l.LaunchAll(context.Background(), tiers(
		[]service.Descriptor{{Name: "db", Required: true}},
		[]service.Descriptor{{Name: "api", Required: true}, {Name: "worker"}},
		[]service.Descriptor{{Name: "web", Required: true}},
	))

	assert.True(t, report.Aborted)
	assert.ErrorIs(t, report.Err, ErrRequiredServiceFailed)
	assert.ErrorIs(t, report.Err, supervisor.ErrNoEntryPoint)
	assert.NotContains(t, procs.startedNames(), "web")
	assert.Contains(t, procs.startedNames(), "worker", "siblings in the failing tier still run")

	web, ok := report.Outcome("web")
	require.True(t, ok)
	assert.Equal(t, OutcomeSkipped, web.State)
	api, _ := report.Outcome("api")
	assert.Equal(t, OutcomeFailed, api.State)
	assert.Equal(t, "/logs/api.log", api.LogPath)
	assert.Equal(t, []string{"api"}, report.Failed())
}

func TestLaunchAll_OptionalFailureContinues(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	procs.startErr["metrics"] = supervisor.ErrLaunchFailed
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})

	report := l.LaunchAll(context.Background(), tiers(
		[]service.Descriptor{{Name: "metrics"}},
		[]service.Descriptor{{Name: "api", Required: true}},
	))

	assert.False(t, report.Aborted)
	assert.NoError(t, report.Err)
	assert.Equal(t, []string{"metrics", "api"}, procs.startedNames())
	m, _ := report.Outcome("metrics")
	assert.Equal(t, OutcomeFailed, m.State)
	assert.ErrorIs(t, m.Err, supervisor.ErrLaunchFailed)
}

func TestLaunchAll_ReusesRunningService(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	procs.records["db"] = supervisor.ProcessRecord{ServiceName: "db", PID: 42, Port: 9500, State: supervisor.StateRunning}
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})

	report := l.LaunchAll(context.Background(), tiers([]service.Descriptor{{Name: "db", Required: true}}))

	db, _ := report.Outcome("db")
	assert.Equal(t, OutcomeReused, db.State)
	assert.Equal(t, 42, db.PID)
	assert.Equal(t, 9500, db.Port)
	assert.Empty(t, procs.startedNames())
	assert.Empty(t, ports.ports, "no port is allocated for a reused service")
}

func TestLaunchAll_PreferredPort(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})

	report := l.LaunchAll(context.Background(), tiers([]service.Descriptor{
		{Name: "gateway", PreferredPort: 8013},
		{Name: "api"},
	}))

	gw, _ := report.Outcome("gateway")
	assert.Equal(t, 8013, gw.Port)
	assert.Equal(t, []string{"gateway"}, ports.reserved)
	api, _ := report.Outcome("api")
	assert.Equal(t, 9000, api.Port)

	// a changed preferred port keeps the existing allocation
	_, _ = procs.Stop(context.Background(), "gateway")
	report = l.LaunchAll(context.Background(), tiers([]service.Descriptor{{Name: "gateway", PreferredPort: 8080}}))
	gw, _ = report.Outcome("gateway")
	assert.Equal(t, 8013, gw.Port)
}

func TestLaunchAll_KeptPortTakenByAnotherProcess(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	ports.ports["api"] = 9000
	ports.ports["gateway"] = 8013
	ports.next = 9001
	ports.bound[9000] = true
	ports.bound[8013] = true
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})

	report := l.LaunchAll(context.Background(), tiers(
		[]service.Descriptor{{Name: "api", Required: true}, {Name: "gateway", PreferredPort: 8013}},
		[]service.Descriptor{{Name: "web"}},
	))

	api, _ := report.Outcome("api")
	assert.Equal(t, OutcomeFailed, api.State)
	assert.Equal(t, 9000, api.Port)
	assert.ErrorIs(t, api.Err, registry.ErrPortConflict)

	gw, _ := report.Outcome("gateway")
	assert.Equal(t, OutcomeFailed, gw.State)
	assert.ErrorIs(t, gw.Err, registry.ErrPortConflict)

	assert.Empty(t, procs.startedNames(), "nothing starts on a port someone else holds")
	assert.ErrorIs(t, report.Err, ErrRequiredServiceFailed)
	assert.ErrorIs(t, report.Err, registry.ErrPortConflict)

	// a freed port is used again
	ports.bound[9000] = false
	ports.bound[8013] = false
	report = l.LaunchAll(context.Background(), tiers([]service.Descriptor{{Name: "api", Required: true}}))
	require.NoError(t, report.Err)
	api, _ = report.Outcome("api")
	assert.Equal(t, OutcomeStarted, api.State)
	assert.Equal(t, 9000, api.Port)
}

func TestLaunchAll_ReportsConfiguredTier(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})
	all := tiers(
		[]service.Descriptor{{Name: "db"}},
		[]service.Descriptor{{Name: "api"}},
		[]service.Descriptor{{Name: "gateway"}},
	)

	// only the last tier is selected
	report := l.LaunchAll(context.Background(), all[2:])
	gw, ok := report.Outcome("gateway")
	require.True(t, ok)
	assert.Equal(t, 2, gw.Tier)

	down := l.Shutdown(context.Background(), all[2:], false)
	gw, ok = down.Outcome("gateway")
	require.True(t, ok)
	assert.Equal(t, 2, gw.Tier)
}

func TestLaunchAll_BackgroundHealthCollected(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	poller := &fakePoller{delay: 50 * time.Millisecond, unhealthy: map[string]bool{"api": true}}
	l := newTestLauncher(ports, procs, poller, Options{})

	report := l.LaunchAll(context.Background(), tiers(
		[]service.Descriptor{{Name: "api", Required: true}},
		[]service.Descriptor{{Name: "web", Required: true}},
	))

	assert.False(t, report.Aborted, "health does not gate tiers by default")
	api, _ := report.Outcome("api")
	assert.Equal(t, HealthUnhealthy, api.Health)
	assert.NoError(t, api.Err)
	web, _ := report.Outcome("web")
	assert.Equal(t, HealthHealthy, web.Health)

	assert.False(t, procs.health["api"])
	assert.True(t, procs.health["web"])
}

func TestLaunchAll_GateOnHealth(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	poller := &fakePoller{unhealthy: map[string]bool{"db": true}}
	l := newTestLauncher(ports, procs, poller, Options{GateOnHealth: true})

	report := l.LaunchAll(context.Background(), tiers(
		[]service.Descriptor{{Name: "db", Required: true}},
		[]service.Descriptor{{Name: "api", Required: true}},
	))

	assert.True(t, report.Aborted)
	assert.ErrorIs(t, report.Err, health.ErrHealthCheckExhausted)
	api, _ := report.Outcome("api")
	assert.Equal(t, OutcomeSkipped, api.State)
}

func TestLaunchAll_NoHealthCheck(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{
		NewProber: func(service.HealthCheck, int) (health.Prober, error) { return nil, nil },
	})

	report := l.LaunchAll(context.Background(), tiers([]service.Descriptor{{Name: "job"}}))
	job, _ := report.Outcome("job")
	assert.Equal(t, HealthUnchecked, job.Health)
}

func TestLaunchAll_SupersededHealthDiscarded(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	procs.supersede["api"] = true
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})

	report := l.LaunchAll(context.Background(), tiers([]service.Descriptor{{Name: "api"}}))
	api, _ := report.Outcome("api")
	assert.Equal(t, HealthDiscarded, api.Health)
	_, recorded := procs.health["api"]
	assert.False(t, recorded)
}

func TestLaunchAll_CancelledContextSkipsEverything(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := l.LaunchAll(ctx, tiers([]service.Descriptor{{Name: "api"}}))

	assert.True(t, report.Aborted)
	assert.ErrorIs(t, report.Err, context.Canceled)
	assert.Empty(t, procs.startedNames())
}

func TestShutdownAll_ReverseOrderThenOrphans(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})
	ts := tiers(
		[]service.Descriptor{{Name: "db"}, {Name: "cache"}},
		[]service.Descriptor{{Name: "api"}, {Name: "worker"}},
		[]service.Descriptor{{Name: "web"}},
	)

	up := l.LaunchAll(context.Background(), ts)
	require.NoError(t, up.Err)
	procs.records["leftover"] = supervisor.ProcessRecord{ServiceName: "leftover", PID: 7, State: supervisor.StateRunning}

	down := l.ShutdownAll(context.Background(), ts, false)
	require.NoError(t, down.Err)
	assert.Equal(t, []string{"web", "worker", "api", "cache", "db", "leftover"}, procs.stopped)

	orphan, ok := down.Outcome("leftover")
	require.True(t, ok)
	assert.True(t, orphan.Orphan)
	assert.Equal(t, OutcomeStopped, orphan.State)
	assert.Empty(t, ports.released)
	assert.Len(t, ports.ports, 5)
}

func TestShutdownAll_ContinuesPastFailures(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})
	ts := tiers(
		[]service.Descriptor{{Name: "db"}},
		[]service.Descriptor{{Name: "api"}},
	)
	l.LaunchAll(context.Background(), ts)
	procs.stopErr["api"] = errors.New("survived SIGKILL")

	down := l.ShutdownAll(context.Background(), ts, true)

	require.Error(t, down.Err)
	assert.Contains(t, down.Err.Error(), "api: survived SIGKILL")
	assert.Equal(t, []string{"api", "db"}, procs.stopped)
	assert.ElementsMatch(t, []string{"api", "db"}, ports.released)

	api, _ := down.Outcome("api")
	assert.Equal(t, OutcomeFailed, api.State)
	db, _ := down.Outcome("db")
	assert.Equal(t, OutcomeStopped, db.State)
}

func TestShutdown_LeavesUnnamedProcesses(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})
	ts := tiers([]service.Descriptor{{Name: "db"}, {Name: "api"}})
	l.LaunchAll(context.Background(), ts)

	down := l.Shutdown(context.Background(), tiers([]service.Descriptor{{Name: "api"}}), false)
	require.NoError(t, down.Err)
	assert.Equal(t, []string{"api"}, procs.stopped)
	_, stillUp := procs.records["db"]
	assert.True(t, stillUp)
}

func TestShutdownAll_NothingRunning(t *testing.T) {
	l := newTestLauncher(newFakePorts(), newFakeProcs(), &fakePoller{}, Options{})
	down := l.ShutdownAll(context.Background(), tiers([]service.Descriptor{{Name: "api"}}), false)

	require.NoError(t, down.Err)
	api, _ := down.Outcome("api")
	assert.Equal(t, OutcomeNotRunning, api.State)
}

func TestReport_Rendering(t *testing.T) {
	ports, procs := newFakePorts(), newFakeProcs()
	procs.startErr["api"] = errors.New("exited\nwith trace")
	l := newTestLauncher(ports, procs, &fakePoller{}, Options{})

	report := l.LaunchAll(context.Background(), tiers(
		[]service.Descriptor{{Name: "api", Required: true}},
		[]service.Descriptor{{Name: "web"}},
	))

	var text bytes.Buffer
	require.NoError(t, report.WriteText(&text))
	assert.Contains(t, text.String(), report.RunID)
	assert.Contains(t, text.String(), `error="exited"`)
	assert.Contains(t, text.String(), "skipped")
	assert.Contains(t, text.String(), "aborted")

	var buf bytes.Buffer
	require.NoError(t, report.WriteJSON(&buf))
	var decoded struct {
		RunID    string `json:"run_id"`
		Aborted  bool   `json:"aborted"`
		Error    string `json:"error"`
		Outcomes []struct {
			Service string `json:"service"`
			State   string `json:"state"`
			Error   string `json:"error"`
		} `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, report.RunID, decoded.RunID)
	assert.True(t, decoded.Aborted)
	assert.Contains(t, decoded.Error, "required service failed")
	require.Len(t, decoded.Outcomes, 2)
	assert.Equal(t, "api", decoded.Outcomes[0].Service)
	assert.Equal(t, "exited\nwith trace", decoded.Outcomes[0].Error)
	assert.Equal(t, "skipped", decoded.Outcomes[1].State)
}
