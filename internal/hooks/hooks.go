package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HookType represents the type of hook
type HookType string

const (
	PreUp    HookType = "pre-up"
	PostUp   HookType = "post-up"
	PreDown  HookType = "pre-down"
	PostDown HookType = "post-down"
)

// All lists the hooks in lifecycle order
var All = []HookType{PreUp, PostUp, PreDown, PostDown}

// Runner executes lifecycle hooks for one project
type Runner struct {
	// Dir holds .platformup/hooks
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
	Logger *zerolog.Logger
}

// Path returns where the file-based hook lives
func (r *Runner) Path(hook HookType) string {
	return filepath.Join(r.Dir, ".platformup", "hooks", string(hook)+".sh")
}

// Execute runs a hook if one is defined. A hook file wins over the script
// from config. It reports whether anything ran.
func (r *Runner) Execute(ctx context.Context, hook HookType, scriptFromConfig string, env map[string]string) (bool, error) {
	lg := log.Logger
	if r.Logger != nil {
		lg = *r.Logger
	}

	path := r.Path(hook)
	if _, err := os.Stat(path); err == nil {
		lg.Info().Str("hook", string(hook)).Str("path", path).Msg("running hook file")
		if err := r.run(ctx, env, "bash", path); err != nil {
			return true, fmt.Errorf("%s hook failed: %w", hook, err)
		}
		return true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("%s hook: %w", hook, err)
	}

	if scriptFromConfig != "" {
		lg.Info().Str("hook", string(hook)).Msg("running hook script from config")
		if err := r.run(ctx, env, "bash", "-c", scriptFromConfig); err != nil {
			return true, fmt.Errorf("%s hook script failed: %w", hook, err)
		}
		return true, nil
	}

	return false, nil
}

func (r *Runner) run(ctx context.Context, env map[string]string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	return cmd.Run()
}

// Env builds the variables every hook receives
func Env(platform string, ports map[string]int) map[string]string {
	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	env := map[string]string{"PLATFORM_NAME": platform}
	for _, name := range names {
		pairs = append(pairs, name+"="+strconv.Itoa(ports[name]))
		env[portVar(name)] = strconv.Itoa(ports[name])
	}
	env["SERVICE_PORTS"] = strings.Join(pairs, ",")
	return env
}

// portVar turns a service name into PORT_<NAME>
func portVar(name string) string {
	return "PORT_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
