package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EntryPoint is a launch candidate: a file in the service directory and the
// interpreter used to run it. An empty Command executes the file directly.
type EntryPoint struct {
	File    string   `yaml:"file" json:"file"`
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
}

// DefaultEntryPoints is the candidate list in priority order
var DefaultEntryPoints = []EntryPoint{
	{File: "main.py", Command: []string{"python3"}},
	{File: "app.py", Command: []string{"python3"}},
	{File: "server.py", Command: []string{"python3"}},
	{File: "run.sh", Command: []string{"sh"}},
	{File: "start.sh", Command: []string{"sh"}},
	{File: "main"},
}

// Launch is a resolved command line
type Launch struct {
	Path string
	Argv []string
}

// ResolveEntryPoint picks the launch target for a service directory. An
// explicit entry point must exist; otherwise the first existing candidate wins.
func ResolveEntryPoint(dir, explicit string, candidates []EntryPoint) (Launch, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Launch{}, fmt.Errorf("%w: working directory %s does not exist", ErrNoEntryPoint, dir)
	}

	if explicit != "" {
		ep := EntryPoint{File: explicit, Command: interpreterFor(explicit, candidates)}
		path := filepath.Join(dir, explicit)
		if !isFile(path) {
			return Launch{}, fmt.Errorf("%w: %s not found in %s", ErrNoEntryPoint, explicit, dir)
		}
		return ep.launch(path), nil
	}

	if len(candidates) == 0 {
		candidates = DefaultEntryPoints
	}
	for _, ep := range candidates {
		path := filepath.Join(dir, ep.File)
		if isFile(path) {
			return ep.launch(path), nil
		}
	}

	names := make([]string, len(candidates))
	for i, ep := range candidates {
		names[i] = ep.File
	}
	return Launch{}, fmt.Errorf("%w: none of [%s] in %s", ErrNoEntryPoint, strings.Join(names, ", "), dir)
}

func (ep EntryPoint) launch(path string) Launch {
	if len(ep.Command) == 0 {
		return Launch{Path: path, Argv: []string{path}}
	}
	argv := append(append([]string{}, ep.Command...), path)
	return Launch{Path: ep.Command[0], Argv: argv}
}

// interpreterFor reuses a candidate's interpreter for a matching file name,
// falling back to the file extension
func interpreterFor(file string, candidates []EntryPoint) []string {
	for _, ep := range append(append([]EntryPoint{}, candidates...), DefaultEntryPoints...) {
		if ep.File == file {
			return ep.Command
		}
	}
	switch filepath.Ext(file) {
	case ".py":
		return []string{"python3"}
	case ".sh":
		return []string{"sh"}
	case ".js":
		return []string{"node"}
	}
	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
