package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/pixelforge/pixelforge/internal/store"
	"github.com/pixelforge/pixelforge/pkg/models"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolInactive     = errors.New("tool is inactive")
	ErrStepNotFound     = errors.New("tool step not found")
	ErrProviderInactive = errors.New("provider is inactive")
)

// Service resolves tools and providers from the catalog, enforcing the
// active flags so retired entries cannot receive new jobs.
type Service struct {
	store store.Store
}

func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// ResolveTool returns an active tool by slug.
func (s *Service) ResolveTool(ctx context.Context, slug string) (*models.Tool, error) {
	tool, err := s.store.GetTool(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, slug)
	}
	if err != nil {
		return nil, err
	}
	if !tool.IsActive {
		return nil, fmt.Errorf("%w: %q", ErrToolInactive, slug)
	}
	if len(tool.Steps) == 0 {
		return nil, fmt.Errorf("tool %q has no steps configured", slug)
	}
	return tool, nil
}

// ResolveStep returns the named step, or the first step when stepID is
// empty.
func (s *Service) ResolveStep(tool *models.Tool, stepID string) (*models.ToolStep, error) {
	if stepID == "" {
		return &tool.Steps[0], nil
	}
	for i := range tool.Steps {
		if tool.Steps[i].ID == stepID {
			return &tool.Steps[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q in tool %q", ErrStepNotFound, stepID, tool.Slug)
}

// TotalCost sums the credit cost of every step. Submission reserves the
// whole workflow up front so a multi-step job cannot strand halfway on an
// empty balance.
func (s *Service) TotalCost(tool *models.Tool) int64 {
	var total int64
	for _, step := range tool.Steps {
		total += step.Cost
	}
	return total
}

// ResolveProvider returns an active provider from the catalog.
func (s *Service) ResolveProvider(ctx context.Context, name string) (*models.Provider, error) {
	p, err := s.store.GetProvider(ctx, name)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%w: %q", ErrProviderInactive, name)
	}
	return p, nil
}
