package supervisor

import (
	"errors"
	"time"
)

var (
	// ErrNoEntryPoint means none of the launch candidates exist in the service directory
	ErrNoEntryPoint = errors.New("no entry point found")
	// ErrLaunchFailed means the process could not be started or died within the grace period
	ErrLaunchFailed = errors.New("launch failed")
	// ErrStaleRecord marks a record whose PID is no longer alive. It is cleared, never returned.
	ErrStaleRecord = errors.New("stale process record")
	// ErrGracefulStopTimeout marks a process that ignored SIGTERM and was killed
	ErrGracefulStopTimeout = errors.New("graceful stop timed out")
)

// State is the lifecycle state of a supervised process
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateUnhealthy State = "unhealthy"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
	// StateNotRunning is reported for services without a live record
	StateNotRunning State = "not_running"
)

// Up reports whether the state counts as a live process
func (s State) Up() bool {
	return s == StateStarting || s == StateRunning || s == StateUnhealthy
}

// ProcessRecord is the supervisor's view of a launched service
type ProcessRecord struct {
	ServiceName string    `json:"service_name"`
	PID         int       `json:"pid"`
	Port        int       `json:"port"`
	LogPath     string    `json:"log_path"`
	StartedAt   time.Time `json:"started_at"`
	State       State     `json:"state"`
}

// StopMethod says how a process was terminated
type StopMethod string

const (
	StopNone     StopMethod = "none"
	StopGraceful StopMethod = "graceful"
	StopForced   StopMethod = "forced"
)

// StopResult describes the outcome of Stop
type StopResult struct {
	ServiceName string     `json:"service_name"`
	PID         int        `json:"pid,omitempty"`
	Method      StopMethod `json:"method"`
}
