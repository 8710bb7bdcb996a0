package core

import (
	"context"
	"errors"

	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/registry"
	"pkt.systems/batchd/internal/storage"
)

func (s *Service) registryFailure(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, registry.ErrInvalidURL):
		return Failure{Code: "invalid_url", Detail: "url is required", HTTPStatus: 400}
	case errors.Is(err, registry.ErrInvalidLoad):
		return Failure{Code: "invalid_load", Detail: "load must be a non-negative number", HTTPStatus: 400}
	case errors.Is(err, storage.ErrNotFound):
		return Failure{Code: "service_not_found", Detail: "Service not found", HTTPStatus: 404}
	}
	loggingutil.FromContext(ctx, s.logger).Error("core.registry."+op+".failed", "error", err)
	return storeFailure(err)
}

// RegisterService upserts a service by URL.
func (s *Service) RegisterService(ctx context.Context, cmd RegisterServiceCommand) (RegisterServiceResult, error) {
	svc, created, err := s.registry.Register(ctx, cmd.URL, cmd.Type, cmd.Load)
	if err != nil {
		return RegisterServiceResult{}, s.registryFailure(ctx, "register", err)
	}
	return RegisterServiceResult{Service: svc, Created: created}, nil
}

// LeastLoadedService returns the lowest-load ACTIVE service of typ. The
// boolean is false when none is available; that is not an error.
func (s *Service) LeastLoadedService(ctx context.Context, typ string) (storage.Service, bool, error) {
	svc, ok, err := s.registry.SelectLeastLoaded(ctx, typ)
	if err != nil {
		s.metrics.recordSelect(ctx, typ, "error")
		return storage.Service{}, false, s.registryFailure(ctx, "select", err)
	}
	if !ok {
		s.metrics.recordSelect(ctx, typ, "empty")
		return storage.Service{}, false, nil
	}
	s.metrics.recordSelect(ctx, typ, "found")
	return svc, true, nil
}

// UpdateServiceLoad records a load sample and status for a service.
func (s *Service) UpdateServiceLoad(ctx context.Context, cmd UpdateServiceLoadCommand) error {
	status := storage.ServiceActive
	if cmd.Status != "" {
		parsed, err := storage.ParseServiceStatus(cmd.Status)
		if err != nil {
			return Failure{Code: "invalid_status", Detail: err.Error(), HTTPStatus: 400}
		}
		status = parsed
	}
	if err := s.registry.UpdateLoad(ctx, cmd.ID, cmd.Load, status); err != nil {
		return s.registryFailure(ctx, "update_load", err)
	}
	return nil
}

// UpdateServiceStatus sets the status of a service.
func (s *Service) UpdateServiceStatus(ctx context.Context, cmd UpdateServiceStatusCommand) error {
	status, err := storage.ParseServiceStatus(cmd.Status)
	if err != nil {
		return Failure{Code: "invalid_status", Detail: err.Error(), HTTPStatus: 400}
	}
	if err := s.registry.UpdateStatus(ctx, cmd.ID, status); err != nil {
		return s.registryFailure(ctx, "update_status", err)
	}
	return nil
}

// ListServices lists every service, or only ACTIVE ones when activeOnly.
func (s *Service) ListServices(ctx context.Context, activeOnly bool) ([]storage.Service, error) {
	var (
		out []storage.Service
		err error
	)
	if activeOnly {
		out, err = s.registry.Active(ctx)
	} else {
		out, err = s.registry.All(ctx)
	}
	if err != nil {
		return nil, s.registryFailure(ctx, "list", err)
	}
	return out, nil
}
