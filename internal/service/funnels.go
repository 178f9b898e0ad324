package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/techiepookie/arguxai/internal/metrics"
	"github.com/techiepookie/arguxai/internal/types"
)

// seedFunnels stores seed when the funnel store is empty and loads the
// completion markers of whatever is stored
func (s *Service) seedFunnels(ctx context.Context, seed []*types.Funnel) ([]*types.Funnel, error) {
	s.funnelMu.Lock()
	defer s.funnelMu.Unlock()

	stored, err := s.store.ListFunnels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load funnels: %w", err)
	}
	if len(stored) == 0 {
		for _, f := range seed {
			f = f.Clone()
			if err := f.Normalize(); err != nil {
				return nil, err
			}
			f.CreatedAt = s.now().UTC()
			f.UpdatedAt = f.CreatedAt
			if err := s.store.PutFunnel(ctx, f); err != nil {
				return nil, fmt.Errorf("failed to seed funnels: %w", err)
			}
			stored = append(stored, f)
		}
		s.log.Info().Int("funnels", len(stored)).Msg("Seeded funnel store")
	}

	if err := s.applyCompletion(stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// applyCompletion points the metrics engine at the markers of funnels.
// Callers hold funnelMu.
func (s *Service) applyCompletion(funnels []*types.Funnel) error {
	return s.engine.SetCompletion(types.MergeCompletion(funnels, metrics.DefaultCompletionMarkers()))
}

func (s *Service) refreshCompletion(ctx context.Context) error {
	funnels, err := s.store.ListFunnels(ctx)
	if err != nil {
		return fmt.Errorf("failed to load funnels: %w", err)
	}
	return s.applyCompletion(funnels)
}

// Steps returns every step of every stored funnel in declaration order
func (s *Service) Steps(ctx context.Context) ([]string, error) {
	funnels, err := s.store.ListFunnels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load funnels: %w", err)
	}
	return types.FunnelSteps(funnels), nil
}

// ListFunnels returns every stored funnel in creation order
func (s *Service) ListFunnels(ctx context.Context) ([]*types.Funnel, error) {
	funnels, err := s.store.ListFunnels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnels: %w", err)
	}
	if funnels == nil {
		funnels = []*types.Funnel{}
	}
	return funnels, nil
}

// GetFunnel returns one funnel
func (s *Service) GetFunnel(ctx context.Context, name string) (*types.Funnel, error) {
	f, err := s.store.GetFunnel(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("funnel %s: %w", name, types.ErrNotFound)
	}
	return f, nil
}

// CreateFunnel stores a new funnel. The name must not be taken.
func (s *Service) CreateFunnel(ctx context.Context, f *types.Funnel) (*types.Funnel, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: funnel is required", types.ErrInvalidInput)
	}
	f = f.Clone()
	if err := f.Normalize(); err != nil {
		return nil, err
	}

	s.funnelMu.Lock()
	defer s.funnelMu.Unlock()

	existing, err := s.store.GetFunnel(ctx, f.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("funnel %s: %w", f.Name, types.ErrAlreadyExists)
	}

	f.CreatedAt = s.now().UTC()
	f.UpdatedAt = f.CreatedAt
	if err := s.store.PutFunnel(ctx, f); err != nil {
		return nil, err
	}
	if err := s.refreshCompletion(ctx); err != nil {
		return nil, err
	}
	s.log.Info().Str("funnel", f.Name).Strs("steps", f.Steps).Msg("Funnel created")
	return f, nil
}

// UpdateFunnel replaces the description, steps and completion of name.
// f.Name is ignored.
func (s *Service) UpdateFunnel(ctx context.Context, name string, f *types.Funnel) (*types.Funnel, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: funnel is required", types.ErrInvalidInput)
	}
	f = f.Clone()
	f.Name = name
	if err := f.Normalize(); err != nil {
		return nil, err
	}

	s.funnelMu.Lock()
	defer s.funnelMu.Unlock()

	existing, err := s.store.GetFunnel(ctx, f.Name)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("funnel %s: %w", f.Name, types.ErrNotFound)
	}

	f.CreatedAt = existing.CreatedAt
	f.UpdatedAt = s.now().UTC()
	if err := s.store.PutFunnel(ctx, f); err != nil {
		return nil, err
	}
	if err := s.refreshCompletion(ctx); err != nil {
		return nil, err
	}
	s.log.Info().Str("funnel", f.Name).Strs("steps", f.Steps).Msg("Funnel updated")
	return f, nil
}

// ApplyFunnel creates name or replaces it when it already exists
func (s *Service) ApplyFunnel(ctx context.Context, f *types.Funnel) (*types.Funnel, bool, error) {
	created, err := s.CreateFunnel(ctx, f)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, types.ErrAlreadyExists) {
		return nil, false, err
	}
	updated, err := s.UpdateFunnel(ctx, strings.TrimSpace(f.Name), f)
	return updated, false, err
}

// DeleteFunnel removes a funnel. Issues already opened for its steps are kept.
func (s *Service) DeleteFunnel(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)

	s.funnelMu.Lock()
	defer s.funnelMu.Unlock()

	deleted, err := s.store.DeleteFunnel(ctx, name)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("funnel %s: %w", name, types.ErrNotFound)
	}
	if err := s.refreshCompletion(ctx); err != nil {
		return err
	}
	s.log.Info().Str("funnel", name).Msg("Funnel deleted")
	return nil
}
