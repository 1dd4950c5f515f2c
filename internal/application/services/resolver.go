package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	apperrors "github.com/reglet-dev/caphost/internal/application/errors"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// Factory constructs a backend from its resolved instance configuration.
type Factory[B any] func(ctx context.Context, cfg *capabilities.InstanceConfig) (B, error)

// Instance is the result of opening a named capability: an id plus a shared
// reference to the backend built for that name.
type Instance[B any] struct {
	Backend B
	Config  *capabilities.InstanceConfig
	release func()
	ID      string
	Name    string
	once    sync.Once
}

// Close releases this instance's reference to the shared backend.
// The backend itself stays alive until the resolver is closed.
func (i *Instance[B]) Close() {
	i.once.Do(func() {
		if i.release != nil {
			i.release()
		}
	})
}

// Resolver turns guest-supplied capability names of one type into live
// backends. Backends are built lazily, once per requested name, and shared
// by every instance opened under that name.
type Resolver[B any] struct {
	store     *CapabilityStore
	factories map[string]Factory[B]
	backends  map[string]*sharedBackend[B]
	typ       capabilities.Type
	mu        sync.Mutex
}

type sharedBackend[B any] struct {
	backend B
	refs    int
}

// NewResolver creates a resolver for typ with one factory per backend
// discriminator.
func NewResolver[B any](store *CapabilityStore, typ capabilities.Type, factories map[string]Factory[B]) *Resolver[B] {
	return &Resolver[B]{
		store:     store,
		typ:       typ,
		factories: factories,
		backends:  make(map[string]*sharedBackend[B]),
	}
}

// Type returns the capability type this resolver serves.
func (r *Resolver[B]) Type() capabilities.Type {
	return r.typ
}

// Validate checks that every declared backend of this type has a factory.
// Called at startup so unknown discriminators fail before guest code runs.
func (r *Resolver[B]) Validate() error {
	for _, cfg := range r.store.Configs(r.typ) {
		if _, ok := r.factories[cfg.Backend]; !ok {
			return apperrors.NewConfigurationError(string(r.typ),
				fmt.Sprintf("declaration %q uses unknown backend %q (known: %v)", cfg.Name, cfg.Backend, r.backendNames()), nil)
		}
		if _, err := retryPolicyFrom(cfg); err != nil {
			return apperrors.NewConfigurationError(string(r.typ), fmt.Sprintf("declaration %q", cfg.Name), err)
		}
	}
	return nil
}

func (r *Resolver[B]) backendNames() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open resolves name to its backend and returns a new instance.
// A name with no declaration (and no wildcard) is a configuration error;
// a backend that fails to construct is a recoverable capability error.
func (r *Resolver[B]) Open(ctx context.Context, name string) (*Instance[B], error) {
	cfg, ok := r.store.Lookup(r.typ, name)
	if !ok {
		return nil, apperrors.NewConfigurationError(string(r.typ),
			fmt.Sprintf("no %s capability declared for name %q", r.typ, name), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	shared, ok := r.backends[name]
	if !ok {
		factory, known := r.factories[cfg.Backend]
		if !known {
			return nil, apperrors.NewConfigurationError(string(r.typ),
				fmt.Sprintf("unknown backend %q for %q", cfg.Backend, name), nil)
		}

		backend, err := construct(ctx, factory, cfg)
		if err != nil {
			slog.WarnContext(ctx, "failed to construct capability backend",
				"type", r.typ, "name", name, "backend", cfg.Backend, "error", err)
			return nil, capabilities.ErrorFrom(err)
		}

		slog.DebugContext(ctx, "constructed capability backend",
			"type", r.typ, "name", name, "backend", cfg.Backend)
		shared = &sharedBackend[B]{backend: backend}
		r.backends[name] = shared
	}
	shared.refs++

	return &Instance[B]{
		ID:      uuid.NewString(),
		Name:    name,
		Config:  cfg,
		Backend: shared.backend,
		release: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			shared.refs--
		},
	}, nil
}

// Refs returns the number of open instances sharing the backend of name.
func (r *Resolver[B]) Refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if shared, ok := r.backends[name]; ok {
		return shared.refs
	}
	return 0
}

// Close shuts down every backend that implements io.Closer.
func (r *Resolver[B]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, shared := range r.backends {
		if shared.refs > 0 {
			slog.Debug("closing backend with open instances", "type", r.typ, "name", name, "refs", shared.refs)
		}
		if closer, ok := any(shared.backend).(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s %q: %w", r.typ, name, err))
			}
		}
	}
	r.backends = make(map[string]*sharedBackend[B])
	return errors.Join(errs...)
}
