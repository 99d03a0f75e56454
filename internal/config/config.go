package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thatjpcsguy/platformup/internal/service"
	"github.com/thatjpcsguy/platformup/internal/supervisor"
)

const (
	ProjectFile = "platformup.yaml"
	LocalFile   = "platformup.local.yaml"
)

// Config is the platform definition plus runtime settings
type Config struct {
	Name         string                  `yaml:"name"`
	StateDir     string                  `yaml:"state_dir"`
	Ports        PortRange               `yaml:"ports"`
	MaxParallel  int                     `yaml:"max_parallel"`
	GateOnHealth bool                    `yaml:"gate_on_health"`
	GracePeriod  time.Duration           `yaml:"grace_period"`
	StopTimeout  time.Duration           `yaml:"stop_timeout"`
	EntryPoints  []supervisor.EntryPoint `yaml:"entry_points"`
	Health       Health                  `yaml:"health"`
	Hooks        Hooks                   `yaml:"hooks"`
	Metrics      Metrics                 `yaml:"metrics"`
	Compose      Compose                 `yaml:"compose"`
	Tiers        []service.Tier          `yaml:"tiers"`

	// BaseDir is the directory of the project file; relative paths resolve against it
	BaseDir string `yaml:"-"`
}

// PortRange bounds port allocation
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Health holds defaults for services that leave their health settings empty
type Health struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// Hooks are fallback scripts used when no hook file exists
type Hooks struct {
	PreUp    string `yaml:"pre_up"`
	PostUp   string `yaml:"post_up"`
	PreDown  string `yaml:"pre_down"`
	PostDown string `yaml:"post_down"`
}

// Metrics configures foreground supervision
type Metrics struct {
	Addr              string        `yaml:"addr"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// Compose configures the container orchestration adapter
type Compose struct {
	Project string   `yaml:"project"`
	Dir     string   `yaml:"dir"`
	Files   []string `yaml:"files"`
	// Remote runs docker on another host over SSH when Host is set
	Remote Remote `yaml:"remote"`
}

// Remote is an SSH target
type Remote struct {
	Host string `yaml:"host"`
	User string `yaml:"user"`
	Dir  string `yaml:"dir"`
}

// Default returns a config with every default filled in
func Default() *Config {
	return &Config{
		StateDir:    ".platformup/state",
		Ports:       PortRange{Start: 9000, End: 9999},
		MaxParallel: 4,
		GracePeriod: 2 * time.Second,
		StopTimeout: 5 * time.Second,
		Health: Health{
			Timeout:     2 * time.Second,
			MaxAttempts: 10,
			Interval:    time.Second,
		},
		Metrics: Metrics{
			Addr:              "127.0.0.1:8765",
			ReconcileInterval: 10 * time.Second,
		},
	}
}

// Load reads the global config, the project file and its local override, in
// that order. An empty path means platformup.yaml in the working directory.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ProjectFile
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	cfg := Default()
	cfg.BaseDir = filepath.Dir(abs)

	// Global config first (lowest priority)
	if home, err := os.UserHomeDir(); err == nil {
		global := filepath.Join(home, ".platformup", "config.yaml")
		if err := loadOptional(global, cfg); err != nil {
			return nil, fmt.Errorf("failed to load global config: %w", err)
		}
	}

	if err := loadFile(abs, cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	// Local overrides (highest priority)
	if err := loadOptional(filepath.Join(cfg.BaseDir, LocalFile), cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", LocalFile, err)
	}

	if err := cfg.expandVariables(); err != nil {
		return nil, err
	}
	cfg.Tiers = service.Normalize(cfg.Tiers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOptional(path string, cfg *Config) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return loadFile(path, cfg)
}

// loadFile decodes path over cfg; keys absent from the file keep their value
func loadFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// expandVariables expands $VAR and ~ in local paths and makes them absolute
func (c *Config) expandVariables() error {
	var err error
	if c.StateDir, err = c.localPath(c.StateDir); err != nil {
		return fmt.Errorf("state_dir: %w", err)
	}
	if c.Compose.Dir != "" {
		if c.Compose.Dir, err = c.localPath(c.Compose.Dir); err != nil {
			return fmt.Errorf("compose.dir: %w", err)
		}
	} else {
		c.Compose.Dir = c.BaseDir
	}
	if c.Compose.Project == "" {
		c.Compose.Project = c.Name
	}
	c.Compose.Remote.User = os.ExpandEnv(c.Compose.Remote.User)

	// Remote dir is left alone so ~ is expanded by the remote shell

	for i := range c.Tiers {
		for j := range c.Tiers[i].Services {
			d := &c.Tiers[i].Services[j]
			if d.Dir == "" {
				d.Dir = d.Name
			}
			if d.Dir, err = c.localPath(d.Dir); err != nil {
				return fmt.Errorf("service %s: %w", d.Name, err)
			}
			for k, v := range d.Env {
				d.Env[k] = os.ExpandEnv(v)
			}
		}
	}
	return nil
}

func (c *Config) localPath(p string) (string, error) {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand ~: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.BaseDir, p)
	}
	return filepath.Clean(p), nil
}

var healthKinds = map[string]bool{"http": true, "tcp": true, "redis": true, "postgres": true, "none": true}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Ports.Start <= 0 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", c.Ports.Start, c.Ports.End))
	}
	if c.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("max_parallel must not be negative, got %d", c.MaxParallel))
	}
	if c.GracePeriod <= 0 || c.StopTimeout <= 0 {
		errs = append(errs, errors.New("grace_period and stop_timeout must be positive"))
	}
	if len(c.Tiers) == 0 {
		errs = append(errs, errors.New("at least one tier is required"))
	}
	if err := c.checkMetricsAddr(); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool)
	ports := make(map[int]string)
	for i, t := range c.Tiers {
		if len(t.Services) == 0 {
			errs = append(errs, fmt.Errorf("tier %d (%s) has no services", i, t.Name))
		}
		for _, d := range t.Services {
			if d.Name == "" {
				errs = append(errs, fmt.Errorf("tier %d has a service without a name", i))
				continue
			}
			if seen[d.Name] {
				errs = append(errs, fmt.Errorf("service %s is defined more than once", d.Name))
			}
			seen[d.Name] = true

			if !d.Category.Valid() {
				errs = append(errs, fmt.Errorf("service %s: unknown category %q", d.Name, d.Category))
			}
			if !d.Scope.Valid() {
				errs = append(errs, fmt.Errorf("service %s: unknown scope %q", d.Name, d.Scope))
			}
			if !healthKinds[d.Health.Kind] {
				errs = append(errs, fmt.Errorf("service %s: unknown health kind %q", d.Name, d.Health.Kind))
			}
			if d.Health.Kind == "postgres" && d.Health.DSN == "" {
				errs = append(errs, fmt.Errorf("service %s: postgres health check needs a dsn", d.Name))
			}
			if d.PreferredPort != 0 {
				if d.PreferredPort < 0 || d.PreferredPort > 65535 {
					errs = append(errs, fmt.Errorf("service %s: invalid port %d", d.Name, d.PreferredPort))
				} else if other, dup := ports[d.PreferredPort]; dup {
					errs = append(errs, fmt.Errorf("services %s and %s both want port %d", other, d.Name, d.PreferredPort))
				}
				ports[d.PreferredPort] = d.Name
			}
		}
	}

	return errors.Join(errs...)
}

// checkMetricsAddr keeps the metrics endpoint out of the allocation range so
// a service can never be handed its port
func (c *Config) checkMetricsAddr() error {
	if c.Metrics.Addr == "" {
		return nil
	}
	_, portStr, err := net.SplitHostPort(c.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics.addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("metrics.addr: invalid port %q", portStr)
	}
	if port >= c.Ports.Start && port <= c.Ports.End {
		return fmt.Errorf("metrics.addr port %d is inside the port range %d-%d", port, c.Ports.Start, c.Ports.End)
	}
	return nil
}

// LogDir is where service logs are written
func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// Services returns every service in declaration order
func (c *Config) Services() []service.Descriptor {
	var out []service.Descriptor
	for _, t := range c.Tiers {
		out = append(out, t.Services...)
	}
	return out
}

// Select narrows the tiers to the named services, keeping tier order. Empty
// names selects everything.
func (c *Config) Select(names ...string) ([]service.Tier, error) {
	if len(names) == 0 {
		return c.Tiers, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, err := service.Find(c.Tiers, n); err != nil {
			return nil, err
		}
		want[n] = true
	}

	var out []service.Tier
	for _, t := range c.Tiers {
		nt := t
		nt.Services = nil
		for _, d := range t.Services {
			if want[d.Name] {
				nt.Services = append(nt.Services, d)
			}
		}
		if len(nt.Services) > 0 {
			out = append(out, nt)
		}
	}
	return out, nil
}
