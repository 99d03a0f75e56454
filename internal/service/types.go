package service

import (
	"fmt"
	"time"
)

// Category groups port allocations for status reporting
type Category string

const (
	CategoryInfrastructure Category = "infrastructure"
	CategoryBackend        Category = "backend"
	CategoryCore           Category = "core"
	CategoryFrontend       Category = "frontend"
)

// Rank returns the listing order of a category. Unknown categories sort last.
func (c Category) Rank() int {
	switch c {
	case CategoryInfrastructure:
		return 0
	case CategoryBackend:
		return 1
	case CategoryCore:
		return 2
	case CategoryFrontend:
		return 3
	default:
		return 4
	}
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	return c.Rank() < 4
}

// Scope says whether a port is meant to be reached from outside the platform
type Scope string

const (
	ScopeInternal Scope = "internal"
	ScopeExternal Scope = "external"
)

// Valid reports whether s is a known scope
func (s Scope) Valid() bool {
	return s == ScopeInternal || s == ScopeExternal
}

// HealthCheck describes how a running service proves it is alive
type HealthCheck struct {
	Kind        string        `yaml:"kind" json:"kind"` // http, tcp, redis, postgres, none
	Path        string        `yaml:"path,omitempty" json:"path,omitempty"`
	DSN         string        `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

// Descriptor is the static definition of a service, as read from configuration
type Descriptor struct {
	Name          string            `yaml:"name" json:"name"`
	Dir           string            `yaml:"dir" json:"dir"`
	EntryPoint    string            `yaml:"entry_point,omitempty" json:"entry_point,omitempty"`
	Tier          int               `yaml:"-" json:"tier"`
	Required      bool              `yaml:"required" json:"required"`
	Category      Category          `yaml:"category,omitempty" json:"category,omitempty"`
	Scope         Scope             `yaml:"scope,omitempty" json:"scope,omitempty"`
	Description   string            `yaml:"description,omitempty" json:"description,omitempty"`
	PreferredPort int               `yaml:"port,omitempty" json:"port,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	EnvFile       string            `yaml:"env_file,omitempty" json:"env_file,omitempty"`
	Health        HealthCheck       `yaml:"health,omitempty" json:"health,omitempty"`
}

// Tier is an ordered group of services started together
type Tier struct {
	Name     string       `yaml:"name" json:"name"`
	Category Category     `yaml:"category,omitempty" json:"category,omitempty"`
	Scope    Scope        `yaml:"scope,omitempty" json:"scope,omitempty"`
	Services []Descriptor `yaml:"services" json:"services"`
}

// Normalize fills tier ordinals and inherits category and scope from the tier.
// It returns a copy; the input is not modified.
func Normalize(tiers []Tier) []Tier {
	out := make([]Tier, len(tiers))
	for i, t := range tiers {
		nt := t
		nt.Services = make([]Descriptor, len(t.Services))
		for j, d := range t.Services {
			d.Tier = i
			if d.Category == "" {
				d.Category = t.Category
			}
			if d.Category == "" {
				d.Category = CategoryCore
			}
			if d.Scope == "" {
				d.Scope = t.Scope
			}
			if d.Scope == "" {
				d.Scope = ScopeInternal
			}
			if d.Health.Kind == "" {
				d.Health.Kind = "http"
			}
			nt.Services[j] = d
		}
		out[i] = nt
	}
	return out
}

// Names returns every service name across tiers in declaration order
func Names(tiers []Tier) []string {
	var names []string
	for _, t := range tiers {
		for _, d := range t.Services {
			names = append(names, d.Name)
		}
	}
	return names
}

// Find returns the descriptor with the given name
func Find(tiers []Tier, name string) (Descriptor, error) {
	for _, t := range tiers {
		for _, d := range t.Services {
			if d.Name == name {
				return d, nil
			}
		}
	}
	return Descriptor{}, fmt.Errorf("unknown service %q", name)
}
