package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatjpcsguy/platformup/internal/service"
)

const projectYAML = `
name: g1
ports:
  start: 9000
  end: 9010
grace_period: 3s
hooks:
  post_up: echo up
tiers:
  - name: infrastructure
    category: infrastructure
    services:
      - name: db
        required: true
        health:
          kind: postgres
          dsn: postgres://postgres@127.0.0.1:{port}/app?sslmode=disable
      - name: redis
        dir: $REDIS_HOME
        health:
          kind: redis
  - name: core
    services:
      - name: gateway
        dir: services/gateway
        port: 8013
        scope: external
        env:
          UPSTREAM: http://$UPSTREAM_HOST
        health:
          path: /health
          timeout: 500ms
          max_attempts: 3
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestLoad(t *testing.T) {
	isolateHome(t)
	t.Setenv("REDIS_HOME", "/opt/redis")
	t.Setenv("UPSTREAM_HOST", "localhost:9001")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectFile), projectYAML)

	cfg, err := Load(filepath.Join(dir, ProjectFile))
	require.NoError(t, err)

	assert.Equal(t, "g1", cfg.Name)
	assert.Equal(t, dir, cfg.BaseDir)
	assert.Equal(t, PortRange{Start: 9000, End: 9010}, cfg.Ports)
	assert.Equal(t, 3*time.Second, cfg.GracePeriod)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout, "defaults survive")
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, filepath.Join(dir, ".platformup", "state"), cfg.StateDir)
	assert.Equal(t, filepath.Join(dir, ".platformup", "state", "logs"), cfg.LogDir())
	assert.Equal(t, "echo up", cfg.Hooks.PostUp)
	assert.Equal(t, "g1", cfg.Compose.Project)
	assert.Equal(t, dir, cfg.Compose.Dir)

	require.Len(t, cfg.Tiers, 2)
	db := cfg.Tiers[0].Services[0]
	assert.Equal(t, filepath.Join(dir, "db"), db.Dir)
	assert.Equal(t, service.CategoryInfrastructure, db.Category)
	assert.True(t, db.Required)

	redis := cfg.Tiers[0].Services[1]
	assert.Equal(t, "/opt/redis", redis.Dir)

	gw, err := service.Find(cfg.Tiers, "gateway")
	require.NoError(t, err)
	assert.Equal(t, 1, gw.Tier)
	assert.Equal(t, filepath.Join(dir, "services", "gateway"), gw.Dir)
	assert.Equal(t, 8013, gw.PreferredPort)
	assert.Equal(t, service.ScopeExternal, gw.Scope)
	assert.Equal(t, service.CategoryCore, gw.Category)
	assert.Equal(t, "http", gw.Health.Kind)
	assert.Equal(t, 500*time.Millisecond, gw.Health.Timeout)
	assert.Equal(t, 3, gw.Health.MaxAttempts)
	assert.Equal(t, "http://localhost:9001", gw.Env["UPSTREAM"])

	assert.Equal(t, []string{"db", "redis", "gateway"}, service.Names(cfg.Tiers))
}

func TestLoad_Layers(t *testing.T) {
	home := isolateHome(t)
	writeFile(t, filepath.Join(home, ".platformup", "config.yaml"), "max_parallel: 8\nstop_timeout: 9s\nstate_dir: ~/state\n")

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectFile), projectYAML+"stop_timeout: 7s\n")
	writeFile(t, filepath.Join(dir, LocalFile), "gate_on_health: true\nports:\n  start: 9100\n  end: 9110\n")

	cfg, err := Load(filepath.Join(dir, ProjectFile))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxParallel, "global value kept")
	assert.Equal(t, 7*time.Second, cfg.StopTimeout, "project overrides global")
	assert.True(t, cfg.GateOnHealth, "local overrides project")
	assert.Equal(t, 9100, cfg.Ports.Start)
	assert.Equal(t, filepath.Join(home, "state"), cfg.StateDir)
	assert.Len(t, cfg.Tiers, 2, "tiers from the project file survive a local file without tiers")
}

func TestLoad_MissingProjectFile(t *testing.T) {
	isolateHome(t)
	_, err := Load(filepath.Join(t.TempDir(), ProjectFile))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectFile), "name: [unterminated\n")
	_, err := Load(filepath.Join(dir, ProjectFile))
	assert.ErrorContains(t, err, "parse platformup.yaml")
}

func TestValidate_ReportsEverything(t *testing.T) {
	cfg := Default()
	cfg.Ports = PortRange{Start: 10, End: 5}
	cfg.Tiers = service.Normalize([]service.Tier{
		{Name: "a", Services: []service.Descriptor{
			{Name: "api", PreferredPort: 8000},
			{Name: "api"},
			{Name: "web", PreferredPort: 8000, Health: service.HealthCheck{Kind: "grpc"}},
			{Name: "db", Health: service.HealthCheck{Kind: "postgres"}},
			{Name: "odd", Category: "misc"},
		}},
		{Name: "empty"},
	})

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"name is required",
		"invalid port range 10-5",
		"api is defined more than once",
		"both want port 8000",
		`unknown health kind "grpc"`,
		"postgres health check needs a dsn",
		`unknown category "misc"`,
		"tier 1 (empty) has no services",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_MetricsAddrOutsidePortRange(t *testing.T) {
	cfg := Default()
	cfg.Name = "demo"
	cfg.Tiers = service.Normalize([]service.Tier{{Name: "core", Services: []service.Descriptor{{Name: "api"}}}})
	require.NoError(t, cfg.Validate(), "default metrics addr must not collide with the default range")

	cfg.Metrics.Addr = "127.0.0.1:9090"
	assert.ErrorContains(t, cfg.Validate(), "metrics.addr port 9090 is inside the port range 9000-9999")

	cfg.Metrics.Addr = "localhost"
	assert.ErrorContains(t, cfg.Validate(), "metrics.addr")

	cfg.Metrics.Addr = ""
	assert.NoError(t, cfg.Validate())
}

func TestSelect(t *testing.T) {
	cfg := Default()
	cfg.Tiers = service.Normalize([]service.Tier{
		{Name: "infra", Services: []service.Descriptor{{Name: "db"}, {Name: "redis"}}},
		{Name: "core", Services: []service.Descriptor{{Name: "api"}}},
	})

	all, err := cfg.Select()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	some, err := cfg.Select("api", "redis")
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, []string{"redis", "api"}, service.Names(some))

	_, err = cfg.Select("nope")
	assert.Error(t, err)

	assert.Len(t, cfg.Services(), 3)
}
