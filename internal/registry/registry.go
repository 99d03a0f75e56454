package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatjpcsguy/platformup/internal/service"
)

var (
	// ErrPortExhausted means no eligible port is left in the configured range
	ErrPortExhausted = errors.New("port range exhausted")
	// ErrPortConflict means a port is held outside the registry or by another service
	ErrPortConflict = errors.New("port conflict")
	// ErrAlreadyAllocated means the service already holds a different port
	ErrAlreadyAllocated = errors.New("service already holds a port")
)

// Options configures a Registry
type Options struct {
	StartPort int
	EndPort   int
	// Probe reports whether the OS lets us bind the port. Defaults to a TCP listen attempt.
	Probe  func(port int) bool
	Logger *zerolog.Logger
}

// Registry manages port allocations
type Registry struct {
	db    *sql.DB
	mu    sync.Mutex
	start int
	end   int
	probe func(port int) bool
	log   zerolog.Logger
}

// New creates a registry over an open state database
func New(db *sql.DB, opts Options) (*Registry, error) {
	if opts.StartPort <= 0 || opts.EndPort > 65535 || opts.StartPort > opts.EndPort {
		return nil, fmt.Errorf("invalid port range %d-%d", opts.StartPort, opts.EndPort)
	}

	r := &Registry{
		db:    db,
		start: opts.StartPort,
		end:   opts.EndPort,
		probe: opts.Probe,
		log:   log.Logger,
	}
	if r.probe == nil {
		r.probe = isPortAvailable
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	}
	r.log = r.log.With().Str("component", "registry").Logger()

	return r, nil
}

// Range returns the configured allocation range
func (r *Registry) Range() (int, int) {
	return r.start, r.end
}

// Allocate allocates a port for a service, or returns its existing allocation.
// isNew is false when the service already held a port.
func (r *Registry) Allocate(ctx context.Context, name string, category service.Category, scope service.Scope, description string) (port int, isNew bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Check if service already has a port
	existing, found, err := lookupPort(ctx, tx, name)
	if err != nil {
		return 0, false, err
	}
	if found {
		r.log.Debug().Str("service", name).Int("port", existing).Msg("reusing existing allocation")
		return existing, false, nil
	}

	// Get all allocated ports
	used, err := usedPorts(ctx, tx)
	if err != nil {
		return 0, false, err
	}

	// Find first available port in range
	port, err = r.findAvailablePort(used)
	if err != nil {
		return 0, false, err
	}

	// Store the allocation
	if err := insert(ctx, tx, name, port, category, scope, description); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit allocation: %w", err)
	}

	r.log.Info().Str("service", name).Int("port", port).Str("category", string(category)).Msg("allocated port")
	return port, true, nil
}

// Reserve pins a specific port for a service. isNew is false when the
// service already held exactly that port.
func (r *Registry) Reserve(ctx context.Context, name string, port int, category service.Category, scope service.Scope, description string) (isNew bool, err error) {
	if port <= 0 || port > 65535 {
		return false, fmt.Errorf("invalid port %d", port)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// A service holds at most one port
	existing, found, err := lookupPort(ctx, tx, name)
	if err != nil {
		return false, err
	}
	if found {
		if existing == port {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s holds %d, wanted %d", ErrAlreadyAllocated, name, existing, port)
	}

	// Check if another service holds the port
	var holder string
	err = tx.QueryRowContext(ctx, "SELECT service_name FROM port_allocations WHERE port = ?", port).Scan(&holder)
	switch {
	case err == nil:
		return false, fmt.Errorf("%w: port %d is held by %s", ErrPortConflict, port, holder)
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("failed to check port holder: %w", err)
	}

	// Then check the OS
	if !r.probe(port) {
		return false, fmt.Errorf("%w: port %d is already bound by another process", ErrPortConflict, port)
	}

	if err := insert(ctx, tx, name, port, category, scope, description); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit reservation: %w", err)
	}

	r.log.Info().Str("service", name).Int("port", port).Msg("reserved port")
	return true, nil
}

// findAvailablePort returns the first port in range that is neither in the
// registry nor bound at the OS level
func (r *Registry) findAvailablePort(used map[int]bool) (int, error) {
	for port := r.start; port <= r.end; port++ {
		if used[port] {
			continue
		}

		if !r.probe(port) {
			r.log.Warn().Int("port", port).Msg("port bound outside the registry, skipping")
			continue
		}
		return port, nil
	}

	return 0, fmt.Errorf("%w: no available ports in range %d-%d", ErrPortExhausted, r.start, r.end)
}

// IsFree reports whether port can be handed out. A port unknown to the
// registry but bound by the OS yields ErrPortConflict.
func (r *Registry) IsFree(ctx context.Context, port int) (bool, error) {
	// Registered ports are never free
	var holder string
	err := r.db.QueryRowContext(ctx, "SELECT service_name FROM port_allocations WHERE port = ?", port).Scan(&holder)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check port: %w", err)
	}

	if !r.probe(port) {
		return false, fmt.Errorf("%w: port %d is bound but not registered", ErrPortConflict, port)
	}
	return true, nil
}

// CheckBindable returns ErrPortConflict when another process listens on
// port. Allocations kept from an earlier run are checked with it before a
// service is started on them again.
func (r *Registry) CheckBindable(port int) error {
	if !r.probe(port) {
		return fmt.Errorf("%w: port %d is bound by another process", ErrPortConflict, port)
	}
	return nil
}

// isPortAvailable checks if a port is available by attempting to listen on it
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// Release removes a port allocation. Releasing an unknown service is not an error.
func (r *Registry) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, "DELETE FROM port_allocations WHERE service_name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to release port: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.log.Info().Str("service", name).Msg("released port")
	}
	return nil
}

// Get returns the allocation for a service
func (r *Registry) Get(ctx context.Context, name string) (*PortAllocation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT service_name, port, category, scope, description, allocated_at
		FROM port_allocations
		WHERE service_name = ?
	`, name)

	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no allocation found for %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return &a, nil
}

// List returns all allocations ordered by category, then service name
func (r *Registry) List(ctx context.Context) ([]PortAllocation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT service_name, port, category, scope, description, allocated_at
		FROM port_allocations
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var allocations []PortAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Infrastructure first, so dependencies read top-down
	sort.SliceStable(allocations, func(i, j int) bool {
		ri, rj := allocations[i].Category.Rank(), allocations[j].Category.Rank()
		if ri != rj {
			return ri < rj
		}
		return allocations[i].ServiceName < allocations[j].ServiceName
	})
	return allocations, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAllocation(s scanner) (PortAllocation, error) {
	var a PortAllocation
	var category, scope, allocatedAt string
	if err := s.Scan(&a.ServiceName, &a.Port, &category, &scope, &a.Description, &allocatedAt); err != nil {
		return a, err
	}
	a.Category = service.Category(category)
	a.Scope = service.Scope(scope)
	a.AllocatedAt, _ = time.Parse(time.RFC3339Nano, allocatedAt)
	return a, nil
}

func lookupPort(ctx context.Context, tx *sql.Tx, name string) (int, bool, error) {
	var port int
	err := tx.QueryRowContext(ctx, "SELECT port FROM port_allocations WHERE service_name = ?", name).Scan(&port)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to check existing port: %w", err)
	}
	return port, true, nil
}

func usedPorts(ctx context.Context, tx *sql.Tx) (map[int]bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT port FROM port_allocations")
	if err != nil {
		return nil, fmt.Errorf("failed to query ports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	used := make(map[int]bool)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		used[port] = true
	}
	return used, rows.Err()
}

func insert(ctx context.Context, tx *sql.Tx, name string, port int, category service.Category, scope service.Scope, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO port_allocations (service_name, port, category, scope, description, allocated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, name, port, string(category), string(scope), description, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}
