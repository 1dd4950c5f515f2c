// Package container provides dependency injection for the application.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/reglet-dev/caphost/internal/application/ports"
	"github.com/reglet-dev/caphost/internal/application/services"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/blobstore"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/configs"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/events"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/httpserver"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/keyvalue"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/lock"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/messaging"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/sql"
	"github.com/reglet-dev/caphost/internal/infrastructure/config"
	"github.com/reglet-dev/caphost/internal/infrastructure/metrics"
	"github.com/reglet-dev/caphost/internal/infrastructure/plugins"
	"github.com/reglet-dev/caphost/internal/infrastructure/secrets"
	"github.com/reglet-dev/caphost/internal/infrastructure/sensitivedata"
	"github.com/reglet-dev/caphost/internal/infrastructure/system"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm"
	"github.com/reglet-dev/caphost/internal/infrastructure/wasm/hostfuncs"
)

// resolver is the type-erased view of a services.Resolver the container
// manages.
type resolver interface {
	Type() capabilities.Type
	Validate() error
	Close() error
}

// Container holds all application dependencies.
type Container struct {
	manifest  *config.Manifest
	systemCfg *system.Config
	redactor  *sensitivedata.Redactor
	provider  *sensitivedata.Provider
	secrets   *secrets.Resolver
	metrics   metrics.Metrics
	source    *plugins.Source
	runtime   *wasm.Runtime
	host      *wasm.Host
	http      *httpserver.Facade
	logger    *slog.Logger
	resolvers []resolver
	outputs   []*sensitivedata.Writer
}

// Options configure the container.
type Options struct {
	Logger           *slog.Logger
	Stdout           io.Writer
	Stderr           io.Writer
	SystemConfigPath string
}

// New wires the host for manifest. Every declaration is validated and its
// secrets resolved before the runtime is built, so a manifest that cannot
// be served fails here and not while guest code runs.
func New(ctx context.Context, manifest *config.Manifest, opts Options) (*Container, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	systemCfg, err := system.NewConfigLoader().Load(opts.SystemConfigPath)
	if err != nil {
		return nil, err
	}

	provider := sensitivedata.NewProvider()
	redactor, err := sensitivedata.NewWithProvider(systemCfg.RedactorConfig(), provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create redactor: %w", err)
	}

	c := &Container{
		manifest:  manifest,
		systemCfg: systemCfg,
		redactor:  redactor,
		provider:  provider,
		secrets:   secrets.NewResolver(&systemCfg.Secrets, provider),
		source: plugins.NewSource(plugins.RegistryAuth{
			Username:  systemCfg.Registry.Username,
			Password:  systemCfg.Registry.Password,
			PlainHTTP: systemCfg.Registry.PlainHTTP,
		}),
		logger: opts.Logger,
	}

	if err := c.wire(ctx, opts); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Container) wire(ctx context.Context, opts Options) error {
	store, err := services.NewCapabilityStore(c.manifest.Declarations(), c.manifest.Path, c.secrets)
	if err != nil {
		return err
	}

	keyvalues := services.NewResolver(store, capabilities.TypeKeyValue, keyvalue.Factories())
	brokers := services.NewResolver(store, capabilities.TypeMessaging, messaging.Factories())
	containers := services.NewResolver(store, capabilities.TypeBlobStore, blobstore.Factories())
	lockers := services.NewResolver(store, capabilities.TypeLock, lock.Factories())
	databases := services.NewResolver(store, capabilities.TypeSQL, sql.Factories())
	endpoints := services.NewResolver(store, capabilities.TypeHTTPServer, httpserver.Factories())
	sources := services.NewResolver(store, capabilities.TypeConfigs, configs.Factories(c.secrets))
	c.resolvers = []resolver{keyvalues, brokers, containers, lockers, databases, endpoints, sources}

	for _, r := range c.resolvers {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	boundary := hostfuncs.NewBoundary(c.redactor)
	c.http = httpserver.NewFacade(endpoints, boundary)
	c.metrics = metrics.New(c.systemCfg.Metrics)

	registry := hostfuncs.NewRegistry(hostfuncs.WithMiddleware(
		hostfuncs.RecoveryMiddleware(),
		hostfuncs.LoggingMiddleware(c.logger),
		hostfuncs.MetricsMiddleware(c.metrics),
	))
	if err := registry.Add(
		hostfuncs.NewAmbient(boundary),
		events.NewFacade(boundary),
		keyvalue.NewFacade(keyvalues, boundary),
		messaging.NewFacade(brokers, boundary),
		blobstore.NewFacade(containers, boundary),
		lock.NewFacade(lockers, boundary),
		sql.NewFacade(databases, boundary),
		c.http,
		configs.NewFacade(sources, boundary),
	); err != nil {
		return err
	}

	stdout := sensitivedata.NewWriter(opts.Stdout, c.redactor)
	stderr := sensitivedata.NewWriter(opts.Stderr, c.redactor)
	c.outputs = []*sensitivedata.Writer{stdout, stderr}

	runtimeOpts := []wasm.Option{
		wasm.WithMemoryLimitMB(c.systemCfg.WasmMemoryLimitMB),
		wasm.WithOutput(stdout, stderr),
	}
	if c.systemCfg.ModuleCacheDir != "" {
		runtimeOpts = append(runtimeOpts, wasm.WithCacheDir(c.systemCfg.ModuleCacheDir))
	}

	c.runtime, err = wasm.NewRuntime(ctx, registry, runtimeOpts...)
	if err != nil {
		return err
	}
	c.host = wasm.NewHost(c.http)

	c.logger.Debug("host wired",
		"capabilities", len(c.manifest.Capabilities),
		"secret_stores", c.secrets.Stores(),
		"modules", registry.Modules())
	return nil
}

// LoadModule fetches and compiles the guest module the manifest names.
func (c *Container) LoadModule(ctx context.Context) (*wasm.Module, error) {
	ref := c.manifest.ModulePath()
	if ref == "" {
		return nil, errors.New("manifest names no guest module")
	}

	data, err := c.source.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return c.runtime.LoadModule(ctx, plugins.Name(ref), data)
}

// Run loads the guest module and runs its main execution context.
func (c *Container) Run(ctx context.Context) error {
	mod, err := c.LoadModule(ctx)
	if err != nil {
		return err
	}
	return c.host.Run(ctx, mod)
}

// Manifest returns the manifest the container was built for.
func (c *Container) Manifest() *config.Manifest {
	return c.manifest
}

// SystemConfig returns the system configuration.
func (c *Container) SystemConfig() *system.Config {
	return c.systemCfg
}

// Redactor returns the redactor guarding guest-visible text and output.
func (c *Container) Redactor() *sensitivedata.Redactor {
	return c.redactor
}

// SensitiveValues returns the tracker of every secret resolved so far.
func (c *Container) SensitiveValues() ports.SensitiveValueProvider {
	return c.provider
}

// Logger returns the configured logger.
func (c *Container) Logger() *slog.Logger {
	return c.logger
}

// Close tears down the runtime and every backend built for the guest, then
// wipes cached secrets.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.runtime != nil {
		errs = append(errs, c.runtime.Close(ctx))
	}
	for _, w := range c.outputs {
		errs = append(errs, w.Flush())
	}
	for _, r := range c.resolvers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s backends: %w", r.Type(), err))
		}
	}
	if c.metrics != nil {
		c.metrics.Close()
	}
	c.secrets.Close()
	return errors.Join(errs...)
}
