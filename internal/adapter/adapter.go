package adapter

import (
	"context"
	"io"
)

// Adapter issues orchestration directives to a container runtime. Only exit
// status and structured status output are interpreted.
type Adapter interface {
	Up(ctx context.Context, services ...string) error
	Down(ctx context.Context, removeVolumes bool) error
	Scale(ctx context.Context, service string, replicas int) error
	Logs(ctx context.Context, service string, tail int, follow bool, w io.Writer) error
	Migrate(ctx context.Context, service string, command ...string) error
	Backup(ctx context.Context, service, command string, w io.Writer) error
	Status(ctx context.Context) ([]ContainerStatus, error)
}

// ContainerStatus is one container as reported by the runtime
type ContainerStatus struct {
	Name       string      `json:"Name"`
	Service    string      `json:"Service"`
	State      string      `json:"State"`
	Health     string      `json:"Health"`
	ExitCode   int         `json:"ExitCode"`
	Publishers []Publisher `json:"Publishers"`
}

// Publisher is a published container port
type Publisher struct {
	URL           string `json:"URL"`
	TargetPort    int    `json:"TargetPort"`
	PublishedPort int    `json:"PublishedPort"`
	Protocol      string `json:"Protocol"`
}

// Running reports whether the container is up
func (c ContainerStatus) Running() bool {
	return c.State == "running"
}
