package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/thatjpcsguy/platformup/internal/service"
)

const logTailLines = 20

// Options configures a Supervisor
type Options struct {
	LogDir           string
	EntryPoints      []EntryPoint
	GracePeriod      time.Duration
	StopTimeout      time.Duration
	StopPollInterval time.Duration
	Logger           *zerolog.Logger
}

// Supervisor starts, stops and tracks service processes. Records live in the
// Store; handles for processes started by this instance are kept in memory.
type Supervisor struct {
	store *Store
	opts  Options
	log   zerolog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	handles map[string]*handle
	probes  map[string]map[uint64]context.CancelFunc
	probeID uint64

	// observed holds the last health result per service, keyed to its pid
	observed map[string]observation
}

type observation struct {
	pid     int
	healthy bool
}

// handle tracks a child started by this process
type handle struct {
	pid     int
	done    chan struct{}
	exitErr error
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// New creates a supervisor
func New(store *Store, opts Options) (*Supervisor, error) {
	if opts.LogDir == "" {
		return nil, errors.New("log directory is required")
	}
	if err := os.MkdirAll(opts.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if len(opts.EntryPoints) == 0 {
		opts.EntryPoints = DefaultEntryPoints
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 2 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.StopPollInterval <= 0 {
		opts.StopPollInterval = 100 * time.Millisecond
	}

	s := &Supervisor{
		store:    store,
		opts:     opts,
		log:      log.Logger,
		locks:    make(map[string]*sync.Mutex),
		handles:  make(map[string]*handle),
		probes:   make(map[string]map[uint64]context.CancelFunc),
		observed: make(map[string]observation),
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	s.log = s.log.With().Str("component", "supervisor").Logger()
	return s, nil
}

// LogPath returns the log file for a service. It depends only on the name.
func (s *Supervisor) LogPath(name string) string {
	return filepath.Join(s.opts.LogDir, name+".log")
}

// lock serialises start, stop and reconcile for one service
func (s *Supervisor) lock(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Supervisor) handleFor(name string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[name]
}

func (s *Supervisor) setHandle(name string, h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.handles, name)
		delete(s.observed, name)
		return
	}
	s.handles[name] = h
}

// Start launches a service and waits out the grace period
func (s *Supervisor) Start(ctx context.Context, d service.Descriptor, port int) (ProcessRecord, error) {
	unlock := s.lock(d.Name)
	defer unlock()

	if rec, found, err := s.store.Get(ctx, d.Name); err != nil {
		return ProcessRecord{}, err
	} else if found {
		if s.alive(rec) {
			s.log.Debug().Str("service", d.Name).Int("pid", rec.PID).Msg("already running")
			return rec, nil
		}
		s.clearStale(ctx, rec)
	}

	failed := ProcessRecord{ServiceName: d.Name, Port: port, State: StateFailed}

	launch, err := ResolveEntryPoint(d.Dir, d.EntryPoint, s.opts.EntryPoints)
	if err != nil {
		return failed, fmt.Errorf("%s: %w", d.Name, err)
	}

	env, err := buildEnv(d, port)
	if err != nil {
		return failed, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, d.Name, err)
	}

	logPath := s.LogPath(d.Name)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return failed, fmt.Errorf("%w: %s: failed to open log file: %v", ErrLaunchFailed, d.Name, err)
	}
	failed.LogPath = logPath
	_, _ = fmt.Fprintf(logFile, "==> %s starting %s on port %d\n", time.Now().UTC().Format(time.RFC3339), d.Name, port)

	cmd := exec.Command(launch.Path, launch.Argv[1:]...)
	cmd.Dir = d.Dir
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return failed, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, d.Name, err)
	}

	h := &handle{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		h.exitErr = cmd.Wait()
		_ = logFile.Close()
		close(h.done)
	}()
	s.setHandle(d.Name, h)

	rec := ProcessRecord{
		ServiceName: d.Name,
		PID:         h.pid,
		Port:        port,
		LogPath:     logPath,
		StartedAt:   time.Now().UTC(),
		State:       StateStarting,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		_ = s.terminate(context.Background(), rec)
		s.setHandle(d.Name, nil)
		return failed, err
	}

	s.log.Info().Str("service", d.Name).Int("pid", h.pid).Int("port", port).Str("entry_point", launch.Argv[len(launch.Argv)-1]).Msg("process started")

	timer := time.NewTimer(s.opts.GracePeriod)
	defer timer.Stop()

	select {
	case <-h.done:
		// anything the leader backgrounded goes down with it
		if groupAlive(h.pid) {
			_ = s.terminate(context.Background(), rec)
		}
		_ = s.store.Delete(context.Background(), d.Name)
		s.setHandle(d.Name, nil)
		tail, _ := Tail(logPath, logTailLines)
		failed.PID = h.pid
		failed.StartedAt = rec.StartedAt
		return failed, fmt.Errorf("%w: %s exited within %s (%v)\n%s", ErrLaunchFailed, d.Name, s.opts.GracePeriod, h.exitErr, tail)
	case <-ctx.Done():
		_ = s.terminate(context.Background(), rec)
		_ = s.store.Delete(context.Background(), d.Name)
		s.setHandle(d.Name, nil)
		rec.State = StateStopped
		return rec, ctx.Err()
	case <-timer.C:
	}

	rec.State = StateRunning
	if err := s.store.Put(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// buildEnv layers the inherited environment, the env file, the descriptor env
// and finally the port contract
func buildEnv(d service.Descriptor, port int) ([]string, error) {
	vars := make(map[string]string)
	if d.EnvFile != "" {
		path := d.EnvFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(d.Dir, path)
		}
		fileVars, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for k, v := range d.Env {
		vars[k] = v
	}
	vars["PORT"] = strconv.Itoa(port)
	vars["SERVICE_NAME"] = d.Name

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, vars[k]))
	}
	return env, nil
}

// Stop terminates a service: SIGTERM to its process group, then SIGKILL once
// the stop timeout passes. The group is signalled even when its leader has
// already exited. The record is always removed. Stopping a service without a
// record succeeds.
func (s *Supervisor) Stop(ctx context.Context, name string) (StopResult, error) {
	s.cancelProbes(name)

	unlock := s.lock(name)
	defer unlock()

	result := StopResult{ServiceName: name, Method: StopNone}

	rec, found, err := s.store.Get(ctx, name)
	if err != nil {
		return result, err
	}
	if !found {
		return result, nil
	}
	result.PID = rec.PID

	var stopErr error
	if s.alive(rec) {
		result.Method, stopErr = s.terminateWithMethod(ctx, rec)
	}

	if err := s.store.Delete(context.Background(), name); err != nil {
		stopErr = errors.Join(stopErr, err)
	}
	s.setHandle(name, nil)

	if stopErr == nil {
		s.log.Info().Str("service", name).Int("pid", rec.PID).Str("method", string(result.Method)).Msg("process stopped")
	}
	return result, stopErr
}

func (s *Supervisor) terminate(ctx context.Context, rec ProcessRecord) error {
	_, err := s.terminateWithMethod(ctx, rec)
	return err
}

func (s *Supervisor) terminateWithMethod(ctx context.Context, rec ProcessRecord) (StopMethod, error) {
	signalGroup(rec.PID, unix.SIGTERM)
	if s.waitExit(ctx, rec) {
		return StopGraceful, nil
	}

	s.log.Warn().Err(ErrGracefulStopTimeout).Str("service", rec.ServiceName).Int("pid", rec.PID).Msg("escalating to SIGKILL")
	signalGroup(rec.PID, unix.SIGKILL)
	if s.waitExit(context.Background(), rec) {
		return StopForced, nil
	}
	return StopForced, fmt.Errorf("%s (pid %d) survived SIGKILL", rec.ServiceName, rec.PID)
}

// waitExit polls for exit until the stop timeout or ctx ends
func (s *Supervisor) waitExit(ctx context.Context, rec ProcessRecord) bool {
	deadline := time.NewTimer(s.opts.StopTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.StopPollInterval)
	defer ticker.Stop()

	for {
		if !s.alive(rec) {
			return true
		}
		select {
		case <-ctx.Done():
			return !s.alive(rec)
		case <-deadline.C:
			return !s.alive(rec)
		case <-ticker.C:
		}
	}
}

// signalGroup signals the process group led by pid, falling back to the pid alone
func signalGroup(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil {
		_ = unix.Kill(pid, sig)
	}
}

// alive reports whether anything in the record's process group still runs.
// The leader may have exited while processes it backgrounded live on, so
// the group is checked as well as the leader. Children of this instance are
// judged by their wait status so an unreaped leader does not count.
func (s *Supervisor) alive(rec ProcessRecord) bool {
	if h := s.handleFor(rec.ServiceName); h != nil && h.pid == rec.PID {
		if !h.exited() {
			return true
		}
		return groupAlive(rec.PID)
	}
	return processAlive(rec.PID) || groupAlive(rec.PID)
}

// groupAlive reports whether the process group led by pgid has any member
func groupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Reconcile clears a record whose process is gone and reports the service state
func (s *Supervisor) Reconcile(ctx context.Context, name string) (State, error) {
	unlock := s.lock(name)
	defer unlock()

	rec, found, err := s.store.Get(ctx, name)
	if err != nil {
		return StateNotRunning, err
	}
	if !found {
		return StateNotRunning, nil
	}
	if !s.alive(rec) {
		s.clearStale(ctx, rec)
		return StateNotRunning, nil
	}
	return rec.State, nil
}

func (s *Supervisor) clearStale(ctx context.Context, rec ProcessRecord) {
	s.log.Warn().Err(ErrStaleRecord).Str("service", rec.ServiceName).Int("pid", rec.PID).Msg("clearing record")
	if err := s.store.Delete(ctx, rec.ServiceName); err != nil {
		s.log.Error().Err(err).Str("service", rec.ServiceName).Msg("failed to clear stale record")
	}
	s.setHandle(rec.ServiceName, nil)
}

// Get returns the live record for a service after reconciling it
func (s *Supervisor) Get(ctx context.Context, name string) (ProcessRecord, bool, error) {
	state, err := s.Reconcile(ctx, name)
	if err != nil || state == StateNotRunning {
		return ProcessRecord{}, false, err
	}
	return s.store.Get(ctx, name)
}

// List returns the live records, sorted by service name
func (s *Supervisor) List(ctx context.Context) ([]ProcessRecord, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if _, err := s.Reconcile(ctx, rec.ServiceName); err != nil {
			return nil, err
		}
	}
	return s.store.List(ctx)
}

// ProbeContext derives a context for a health poll that is cancelled when the
// service is stopped
func (s *Supervisor) ProbeContext(parent context.Context, name string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	s.probeID++
	id := s.probeID
	if s.probes[name] == nil {
		s.probes[name] = make(map[uint64]context.CancelFunc)
	}
	s.probes[name][id] = cancel
	s.mu.Unlock()

	return ctx, func() {
		cancel()
		s.mu.Lock()
		delete(s.probes[name], id)
		s.mu.Unlock()
	}
}

func (s *Supervisor) cancelProbes(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.probes[name] {
		cancel()
	}
	delete(s.probes, name)
}

// ReportHealth applies a health outcome to the record started as pid. It
// returns false when the record is gone or belongs to a newer process, in
// which case the result is discarded. A failure marks the record unhealthy;
// a success is only observed, see ObservedHealth.
func (s *Supervisor) ReportHealth(ctx context.Context, name string, pid int, healthy bool) (bool, error) {
	unlock := s.lock(name)
	defer unlock()

	rec, found, err := s.store.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if !found || rec.PID != pid {
		s.log.Debug().Str("service", name).Int("pid", pid).Msg("discarding superseded health result")
		return false, nil
	}

	s.mu.Lock()
	s.observed[name] = observation{pid: pid, healthy: healthy}
	s.mu.Unlock()

	if healthy || rec.State != StateRunning {
		return true, nil
	}
	return s.store.SetState(ctx, name, pid, StateUnhealthy)
}

// ObservedHealth returns the last health result reported for the process
// started as pid. ok is false when nothing was reported for that process.
func (s *Supervisor) ObservedHealth(name string, pid int) (healthy, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, found := s.observed[name]
	if !found || o.pid != pid {
		return false, false
	}
	return o.healthy, true
}
