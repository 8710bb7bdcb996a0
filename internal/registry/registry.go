// Package registry tracks downstream service instances and picks the
// least-loaded active one of a given type.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/ids"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/svcfields"
)

var (
	// ErrInvalidLoad rejects negative or NaN loads.
	ErrInvalidLoad = errors.New("registry: load must be a non-negative number")
	// ErrInvalidURL rejects empty service URLs.
	ErrInvalidURL = errors.New("registry: url is required")
)

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock stamping LastUpdated.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clock = clock.Ensure(clk) }
}

// WithLogger sets the registry logger.
func WithLogger(logger pslog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry is a thin validation layer over a storage.ServiceStore.
type Registry struct {
	store  storage.ServiceStore
	clock  clock.Clock
	logger pslog.Logger
}

// New returns a registry backed by store.
func New(store storage.ServiceStore, opts ...Option) *Registry {
	r := &Registry{store: store, clock: clock.Real{}}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(r.logger), svcfields.SubsystemRegistry)
	return r
}

func validLoad(load float64) bool {
	return load >= 0 && !math.IsNaN(load) && !math.IsInf(load, 0)
}

// Register upserts a service by URL. Existing rows get load and type
// refreshed and become ACTIVE; new rows are created ACTIVE.
func (r *Registry) Register(ctx context.Context, url, typ string, load float64) (storage.Service, bool, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return storage.Service{}, false, ErrInvalidURL
	}
	if !validLoad(load) {
		return storage.Service{}, false, fmt.Errorf("%w: %v", ErrInvalidLoad, load)
	}
	svc, created, err := r.store.UpsertService(ctx, storage.Service{
		ID:     ids.NewUUID(),
		URL:    url,
		Type:   typ,
		Load:   load,
		Status: storage.ServiceActive,
	})
	if err != nil {
		return storage.Service{}, false, fmt.Errorf("registry: register %s: %w", url, err)
	}
	logger := loggingutil.FromContext(ctx, r.logger)
	if created {
		logger.Info("registry.service.registered", "service_id", svc.ID, "url", svc.URL, "type", svc.Type, "load", svc.Load)
	} else {
		logger.Debug("registry.service.refreshed", "service_id", svc.ID, "url", svc.URL, "type", svc.Type, "load", svc.Load)
	}
	return svc, created, nil
}

// SelectLeastLoaded returns the ACTIVE service of typ with the lowest load.
// The boolean is false when no such service exists.
func (r *Registry) SelectLeastLoaded(ctx context.Context, typ string) (storage.Service, bool, error) {
	svc, err := r.store.LeastLoadedService(ctx, typ)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Service{}, false, nil
	}
	if err != nil {
		return storage.Service{}, false, fmt.Errorf("registry: least loaded %s: %w", typ, err)
	}
	return svc, true, nil
}

// UpdateLoad sets load and status for id.
func (r *Registry) UpdateLoad(ctx context.Context, id string, load float64, status storage.ServiceStatus) error {
	if !validLoad(load) {
		return fmt.Errorf("%w: %v", ErrInvalidLoad, load)
	}
	if err := r.store.UpdateServiceLoad(ctx, id, load, status, r.clock.Now()); err != nil {
		return fmt.Errorf("registry: update load %s: %w", id, err)
	}
	return nil
}

// UpdateStatus sets status for id.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status storage.ServiceStatus) error {
	if err := r.store.UpdateServiceStatus(ctx, id, status, r.clock.Now()); err != nil {
		return fmt.Errorf("registry: update status %s: %w", id, err)
	}
	if status == storage.ServiceInactive {
		loggingutil.FromContext(ctx, r.logger).Info("registry.service.deactivated", "service_id", id)
	}
	return nil
}

// All lists every registered service.
func (r *Registry) All(ctx context.Context) ([]storage.Service, error) {
	out, err := r.store.ListServices(ctx, storage.ServiceFilter{})
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return out, nil
}

// Active lists the ACTIVE services.
func (r *Registry) Active(ctx context.Context) ([]storage.Service, error) {
	out, err := r.store.ListServices(ctx, storage.ServiceFilter{Status: storage.ServiceActive})
	if err != nil {
		return nil, fmt.Errorf("registry: list active: %w", err)
	}
	return out, nil
}
