package health

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatjpcsguy/platformup/internal/service"
)

func newTestMonitor(interval time.Duration) *Monitor {
	nop := zerolog.Nop()
	return NewMonitor(Options{Interval: interval, Logger: &nop})
}

func TestPoll_SucceedsAfterFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestMonitor(10 * time.Millisecond)
	res := m.Poll(context.Background(), "api", &HTTPProber{URL: srv.URL + "/health"}, time.Second, 5)

	assert.True(t, res.Succeeded)
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.LastError)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "no attempt after success")
}

func TestPoll_Exhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestMonitor(5 * time.Millisecond)
	res := m.Poll(context.Background(), "api", &HTTPProber{URL: srv.URL}, time.Second, 3)

	assert.False(t, res.Succeeded)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.LastError, ErrHealthCheckExhausted)
	assert.Contains(t, res.LastError.Error(), "returned status 500")
}

func TestPoll_BoundedWhenTargetHangs(t *testing.T) {
	hang := ProberFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	const attempts = 4
	const timeout = 50 * time.Millisecond
	m := newTestMonitor(time.Second)

	start := time.Now()
	res := m.Poll(context.Background(), "stuck", hang, timeout, attempts)
	elapsed := time.Since(start)

	assert.False(t, res.Succeeded)
	assert.False(t, res.Cancelled)
	assert.Equal(t, attempts, res.Attempts)
	assert.Less(t, elapsed, attempts*timeout+100*time.Millisecond)
}

func TestPoll_IntervalNeverExceedsSlot(t *testing.T) {
	fail := ProberFunc(func(ctx context.Context) error { return errors.New("refused") })

	m := newTestMonitor(10 * time.Second)
	start := time.Now()
	res := m.Poll(context.Background(), "fast-fail", fail, 40*time.Millisecond, 3)

	assert.Equal(t, 3, res.Attempts)
	assert.Less(t, time.Since(start), 3*40*time.Millisecond+100*time.Millisecond)
}

func TestPoll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fail := ProberFunc(func(ctx context.Context) error { return errors.New("refused") })

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	m := newTestMonitor(20 * time.Millisecond)
	res := m.Poll(ctx, "svc", fail, time.Second, 100)
	assert.True(t, res.Cancelled)
	assert.False(t, res.Succeeded)
	assert.ErrorIs(t, res.LastError, context.Canceled)
	assert.NotErrorIs(t, res.LastError, ErrHealthCheckExhausted)
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	p := &TCPProber{Addr: addr}
	assert.NoError(t, p.Probe(context.Background()))

	require.NoError(t, ln.Close())
	assert.Error(t, p.Probe(context.Background()))
}

func TestRedisProber(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	p := &RedisProber{Addr: mr.Addr()}
	assert.NoError(t, p.Probe(context.Background()))

	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, p.Probe(ctx))
}

func TestPostgresProber(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing()

	var gotDriver, gotDSN string
	p := &PostgresProber{
		DSN: "postgres://localhost:5432/app?sslmode=disable",
		Open: func(driverName, dsn string) (*sql.DB, error) {
			gotDriver, gotDSN = driverName, dsn
			return db, nil
		},
	}
	assert.NoError(t, p.Probe(context.Background()))
	assert.Equal(t, "postgres", gotDriver)
	assert.Equal(t, "postgres://localhost:5432/app?sslmode=disable", gotDSN)
	assert.NoError(t, mock.ExpectationsWereMet())

	db2, mock2, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock2.ExpectPing().WillReturnError(errors.New("connection refused"))
	p.Open = func(string, string) (*sql.DB, error) { return db2, nil }
	assert.ErrorContains(t, p.Probe(context.Background()), "connection refused")
}

func TestNewProber(t *testing.T) {
	p, err := NewProber(service.HealthCheck{Kind: "http"}, 9000)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000/health", p.(*HTTPProber).URL)

	p, err = NewProber(service.HealthCheck{Kind: "http", Path: "api/health"}, 9001)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9001/api/health", p.(*HTTPProber).URL)

	p, err = NewProber(service.HealthCheck{Kind: "tcp"}, 9002)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9002", p.(*TCPProber).Addr)

	p, err = NewProber(service.HealthCheck{Kind: "redis"}, 9003)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9003", p.(*RedisProber).Addr)

	p, err = NewProber(service.HealthCheck{Kind: "postgres", DSN: "postgres://u@127.0.0.1:{port}/db"}, 9004)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u@127.0.0.1:"+strconv.Itoa(9004)+"/db", p.(*PostgresProber).DSN)

	_, err = NewProber(service.HealthCheck{Kind: "postgres"}, 9004)
	assert.Error(t, err)

	p, err = NewProber(service.HealthCheck{Kind: "none"}, 9005)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewProber(service.HealthCheck{Kind: "grpc"}, 9006)
	assert.Error(t, err)
}
