package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"changes-agent/src/model"
)

var ErrProviderUnknown = errors.New("unknown CI provider")

// Provider is the capability every CI backend implements. Adapters perform
// no retries: any error they return is handed to the task loop, which
// retries it unless it is Unrecoverable.
type Provider interface {
	// Name returns the provider name (e.g., "buildkite", "jenkins")
	Name() string

	// SyncBuildList discovers remote builds of project and makes sure each
	// has a job, creating placeholders for new ones.
	SyncBuildList(ctx context.Context, project *model.Project) ([]*model.Job, error)

	// SyncBuildDetails pulls the full remote state of job down through its
	// phases and steps.
	SyncBuildDetails(ctx context.Context, job *model.Job) (*model.Job, error)

	// CreateBuild asks the provider to run job. Calling it again for a job
	// that already has a remote build returns the existing mapping.
	CreateBuild(ctx context.Context, job *model.Job, project *model.Project) (*model.RemoteEntity, error)
}

// Registry is the fixed set of providers available to a process.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry. Provider names must be unique.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, dup := r.providers[p.Name()]; dup {
			return nil, fmt.Errorf("provider %q registered twice", p.Name())
		}
		r.providers[p.Name()] = p
	}
	return r, nil
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnknown, name)
	}
	return p, nil
}

// Names lists the registered providers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
