package launcher

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thatjpcsguy/platformup/internal/supervisor"
)

// Action names what a report describes
type Action string

const (
	ActionUp   Action = "up"
	ActionDown Action = "down"
)

// OutcomeState is the result for one service
type OutcomeState string

const (
	OutcomeStarted    OutcomeState = "started"
	OutcomeReused     OutcomeState = "reused"
	OutcomeFailed     OutcomeState = "failed"
	OutcomeSkipped    OutcomeState = "skipped"
	OutcomeStopped    OutcomeState = "stopped"
	OutcomeNotRunning OutcomeState = "not_running"
)

// HealthStatus is the health poll result attached to an outcome
type HealthStatus string

const (
	HealthPending   HealthStatus = "pending"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnchecked HealthStatus = "unchecked"
	HealthCancelled HealthStatus = "cancelled"
	// HealthDiscarded means the process changed before the result arrived
	HealthDiscarded HealthStatus = "discarded"
)

// Outcome is what happened to one service
type Outcome struct {
	Service        string       `json:"service"`
	Tier           int          `json:"tier"`
	Required       bool         `json:"required"`
	Orphan         bool         `json:"orphan,omitempty"`
	State          OutcomeState `json:"state"`
	Port           int          `json:"port,omitempty"`
	PID            int          `json:"pid,omitempty"`
	LogPath        string       `json:"log_path,omitempty"`
	Health         HealthStatus `json:"health,omitempty"`
	HealthAttempts int          `json:"health_attempts,omitempty"`
	StopMethod     string       `json:"stop_method,omitempty"`
	Err            error        `json:"-"`

	healthErr error
}

func (o *Outcome) setRecord(rec supervisor.ProcessRecord) {
	o.PID = rec.PID
	o.Port = rec.Port
	o.LogPath = rec.LogPath
}

// MarshalJSON adds the error text
func (o Outcome) MarshalJSON() ([]byte, error) {
	type plain Outcome
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(o)}
	if o.Err != nil {
		out.Error = o.Err.Error()
	} else if o.healthErr != nil {
		out.Error = o.healthErr.Error()
	}
	return json.Marshal(out)
}

// Report summarises a LaunchAll or ShutdownAll run
type Report struct {
	RunID      string    `json:"run_id"`
	Action     Action    `json:"action"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcomes   []Outcome `json:"outcomes"`
	Aborted    bool      `json:"aborted"`
	Err        error     `json:"-"`

	pending []*Outcome
}

func newReport(action Action) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		Action:    action,
		StartedAt: time.Now().UTC(),
	}
}

func (r *Report) add(outcomes ...*Outcome) {
	r.pending = append(r.pending, outcomes...)
}

func (r *Report) abort(err error) {
	r.Aborted = true
	r.Err = err
}

// finish freezes the outcomes, ordered by tier then service name with
// orphans last
func (r *Report) finish() {
	r.Outcomes = make([]Outcome, 0, len(r.pending))
	for _, o := range r.pending {
		r.Outcomes = append(r.Outcomes, *o)
	}
	r.pending = nil
	sort.SliceStable(r.Outcomes, func(i, j int) bool {
		a, b := r.Outcomes[i], r.Outcomes[j]
		if a.Orphan != b.Orphan {
			return b.Orphan
		}
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		return a.Service < b.Service
	})
	r.FinishedAt = time.Now().UTC()
}

// Outcome returns the outcome for a service
func (r *Report) Outcome(name string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Service == name {
			return o, true
		}
	}
	return Outcome{}, false
}

// Failed returns the services that failed
func (r *Report) Failed() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.State == OutcomeFailed || o.Err != nil {
			names = append(names, o.Service)
		}
	}
	return names
}

// WriteText renders a sorted, human readable summary
func (r *Report) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "run %s (%s) in %s\n", r.RunID, r.Action, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)); err != nil {
		return err
	}
	for _, o := range r.Outcomes {
		tier := fmt.Sprintf("tier %d", o.Tier)
		if o.Orphan {
			tier = "orphan"
		}
		line := fmt.Sprintf("  %-24s %-8s %-11s", o.Service, tier, o.State)
		if o.Port > 0 {
			line += fmt.Sprintf(" port=%d", o.Port)
		}
		if o.PID > 0 {
			line += fmt.Sprintf(" pid=%d", o.PID)
		}
		if o.Health != "" {
			line += fmt.Sprintf(" health=%s", o.Health)
		}
		if o.StopMethod != "" && o.StopMethod != string(supervisor.StopNone) {
			line += fmt.Sprintf(" stop=%s", o.StopMethod)
		}
		if o.Err != nil {
			line += fmt.Sprintf(" error=%q", firstLine(o.Err.Error()))
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	if r.Aborted {
		_, err := fmt.Fprintln(w, "aborted: remaining tiers were skipped")
		return err
	}
	return nil
}

// WriteJSON renders the report as indented JSON
func (r *Report) WriteJSON(w io.Writer) error {
	out := struct {
		*Report
		Error string `json:"error,omitempty"`
	}{Report: r}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
