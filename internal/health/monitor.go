package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrHealthCheckExhausted is wrapped into Result.LastError when every attempt failed
var ErrHealthCheckExhausted = errors.New("health check attempts exhausted")

// Result is the outcome of a Poll
type Result struct {
	ServiceName string
	Attempts    int
	Succeeded   bool
	// Cancelled is set when the poll was abandoned through its context
	Cancelled bool
	LastError error
	Duration  time.Duration
}

// Options configures a Monitor
type Options struct {
	// Interval is the pause between attempts. It is taken out of the
	// attempt's own timeout, never added to it.
	Interval time.Duration
	Logger   *zerolog.Logger
}

// Monitor polls service liveness
type Monitor struct {
	interval time.Duration
	log      zerolog.Logger
}

// NewMonitor creates a Monitor
func NewMonitor(opts Options) *Monitor {
	m := &Monitor{interval: opts.Interval, log: log.Logger}
	if m.interval <= 0 {
		m.interval = time.Second
	}
	if opts.Logger != nil {
		m.log = *opts.Logger
	}
	m.log = m.log.With().Str("component", "health").Logger()
	return m
}

// Poll probes up to maxAttempts times, each attempt bounded by timeout, and
// stops at the first success. It finishes within maxAttempts*timeout.
func (m *Monitor) Poll(ctx context.Context, name string, p Prober, timeout time.Duration, maxAttempts int) Result {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	start := time.Now()
	res := Result{ServiceName: name}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slotEnd := time.Now().Add(timeout)
		attemptCtx, cancel := context.WithDeadline(ctx, slotEnd)
		err := p.Probe(attemptCtx)
		cancel()

		res.Attempts = attempt
		if err == nil {
			res.Succeeded = true
			res.LastError = nil
			break
		}
		res.LastError = err

		if ctx.Err() != nil {
			res.Cancelled = true
			res.LastError = ctx.Err()
			break
		}

		m.log.Debug().Str("service", name).Int("attempt", attempt).Int("max_attempts", maxAttempts).Err(err).Msg("probe failed")

		if attempt == maxAttempts {
			break
		}

		wait := m.interval
		if remaining := time.Until(slotEnd); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Cancelled = true
			res.LastError = ctx.Err()
		case <-timer.C:
		}
		if res.Cancelled {
			break
		}
	}

	res.Duration = time.Since(start)

	switch {
	case res.Succeeded:
		m.log.Info().Str("service", name).Int("attempts", res.Attempts).Dur("duration", res.Duration).Msg("healthy")
	case res.Cancelled:
		m.log.Debug().Str("service", name).Msg("health poll abandoned")
	default:
		res.LastError = fmt.Errorf("%w after %d attempts: %v", ErrHealthCheckExhausted, res.Attempts, res.LastError)
		m.log.Warn().Str("service", name).Int("attempts", res.Attempts).Err(res.LastError).Msg("unhealthy")
	}
	return res
}
