package health

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/thatjpcsguy/platformup/internal/service"
)

// DefaultPath is the liveness path probed when none is configured
const DefaultPath = "/health"

// Prober performs a single liveness probe. It must honour ctx's deadline.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) error

// Probe calls f
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber expects a 2xx answer to GET URL
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe implements Prober
func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// TCPProber succeeds when a connection to Addr can be opened
type TCPProber struct {
	Addr string
}

// Probe implements Prober
func (p *TCPProber) Probe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p.Addr, err)
	}
	return conn.Close()
}

// RedisProber sends PING to a Redis server
type RedisProber struct {
	Addr string
}

// Probe implements Prober
func (p *RedisProber) Probe(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{Addr: p.Addr, MaxRetries: -1})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", p.Addr, err)
	}
	return nil
}

// PostgresProber pings a Postgres database
type PostgresProber struct {
	DSN string
	// Open defaults to sql.Open
	Open func(driverName, dsn string) (*sql.DB, error)
}

// Probe implements Prober
func (p *PostgresProber) Probe(ctx context.Context) error {
	open := p.Open
	if open == nil {
		open = sql.Open
	}
	db, err := open("postgres", p.DSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// NewProber builds the prober for a service listening on port. It returns
// nil when the check kind is "none".
func NewProber(check service.HealthCheck, port int) (Prober, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	switch check.Kind {
	case "", "http":
		path := check.Path
		if path == "" {
			path = DefaultPath
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return &HTTPProber{URL: "http://" + addr + path}, nil
	case "tcp":
		return &TCPProber{Addr: addr}, nil
	case "redis":
		return &RedisProber{Addr: addr}, nil
	case "postgres":
		if check.DSN == "" {
			return nil, fmt.Errorf("postgres health check needs a dsn")
		}
		return &PostgresProber{DSN: strings.ReplaceAll(check.DSN, "{port}", strconv.Itoa(port))}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown health check kind %q", check.Kind)
	}
}
