package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Compose drives `docker compose` for one project
type Compose struct {
	Project string
	Dir     string
	Files   []string
	// Env is merged into <Dir>/.env before Up
	Env    map[string]string
	Runner Runner
	Stdout io.Writer
	Stderr io.Writer
	Logger *zerolog.Logger
}

var _ Adapter = (*Compose)(nil)

func (c *Compose) logger() zerolog.Logger {
	l := log.Logger
	if c.Logger != nil {
		l = *c.Logger
	}
	return l.With().Str("component", "compose").Str("project", c.Project).Logger()
}

func (c *Compose) runner() Runner {
	if c.Runner == nil {
		return LocalRunner{}
	}
	return c.Runner
}

func (c *Compose) out() io.Writer {
	if c.Stdout == nil {
		return os.Stdout
	}
	return c.Stdout
}

func (c *Compose) errOut() io.Writer {
	if c.Stderr == nil {
		return os.Stderr
	}
	return c.Stderr
}

func (c *Compose) args(sub ...string) []string {
	args := []string{"compose", "-p", c.Project}
	for _, f := range c.Files {
		args = append(args, "-f", f)
	}
	return append(args, sub...)
}

func (c *Compose) run(ctx context.Context, stdout io.Writer, sub ...string) error {
	args := c.args(sub...)
	lg := c.logger()
	lg.Debug().Strs("args", args).Msg("running docker")
	return c.runner().Run(ctx, c.Dir, stdout, c.errOut(), "docker", args...)
}

// Up starts the named services, or all of them
func (c *Compose) Up(ctx context.Context, services ...string) error {
	if len(c.Env) > 0 {
		if err := c.writeEnvFile(); err != nil {
			return err
		}
	}

	if err := c.run(ctx, c.out(), append([]string{"up", "-d"}, services...)...); err != nil {
		return fmt.Errorf("failed to start containers: %w", err)
	}
	return nil
}

// Down stops and removes the project's containers
func (c *Compose) Down(ctx context.Context, removeVolumes bool) error {
	sub := []string{"down"}
	if removeVolumes {
		sub = append(sub, "-v")
	}
	if err := c.run(ctx, c.out(), sub...); err != nil {
		return fmt.Errorf("failed to stop containers: %w", err)
	}
	return nil
}

// Scale sets the replica count of one service
func (c *Compose) Scale(ctx context.Context, service string, replicas int) error {
	if replicas < 0 {
		return fmt.Errorf("invalid replica count %d", replicas)
	}
	if err := c.run(ctx, c.out(), "up", "-d", "--no-recreate", "--scale", service+"="+strconv.Itoa(replicas), service); err != nil {
		return fmt.Errorf("failed to scale %s: %w", service, err)
	}
	return nil
}

// Logs writes container logs for a service, or every service when empty
func (c *Compose) Logs(ctx context.Context, service string, tail int, follow bool, w io.Writer) error {
	sub := []string{"logs", "--no-color"}
	if tail > 0 {
		sub = append(sub, "--tail", strconv.Itoa(tail))
	}
	if follow {
		sub = append(sub, "-f")
	}
	if service != "" {
		sub = append(sub, service)
	}
	err := c.run(ctx, w, sub...)
	if follow && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Migrate runs a one-off command inside a running service container
func (c *Compose) Migrate(ctx context.Context, service string, command ...string) error {
	if len(command) == 0 {
		return errors.New("migrate command is required")
	}
	if err := c.run(ctx, c.out(), append([]string{"exec", "-T", service}, command...)...); err != nil {
		return fmt.Errorf("migration in %s failed: %w", service, err)
	}
	return nil
}

// Backup runs a dump command in a service container and streams its stdout to w
func (c *Compose) Backup(ctx context.Context, service, command string, w io.Writer) error {
	if err := c.run(ctx, w, "exec", "-T", service, "sh", "-c", command); err != nil {
		return fmt.Errorf("backup of %s failed: %w", service, err)
	}
	return nil
}

// Status lists the project's containers
func (c *Compose) Status(ctx context.Context) ([]ContainerStatus, error) {
	var buf bytes.Buffer
	if err := c.run(ctx, &buf, "ps", "--all", "--format", "json"); err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return ParseStatus(buf.Bytes())
}

// ParseStatus decodes `docker compose ps --format json`. Older compose
// releases print one array, newer ones one object per line.
func ParseStatus(data []byte) ([]ContainerStatus, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var list []ContainerStatus
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to parse status: %w", err)
		}
		return list, nil
	}

	var list []ContainerStatus
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var cs ContainerStatus
		if err := json.Unmarshal([]byte(line), &cs); err != nil {
			return nil, fmt.Errorf("failed to parse status: %w", err)
		}
		list = append(list, cs)
	}
	return list, sc.Err()
}

// writeEnvFile merges Env into the project's .env, new values winning
func (c *Compose) writeEnvFile() error {
	path := filepath.Join(c.Dir, ".env")

	vars, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read .env file: %w", err)
		}
		vars = make(map[string]string)
	}
	for k, v := range c.Env {
		vars[k] = v
	}

	if err := godotenv.Write(vars, path); err != nil {
		return fmt.Errorf("failed to write .env file: %w", err)
	}
	return nil
}
