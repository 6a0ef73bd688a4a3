package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"schoolerp/backend/internal/repository"
	"schoolerp/backend/pkg/models"
)

// DefinitionCache keeps recently loaded definitions and stage lists for a
// bounded time. A nil *DefinitionCache caches nothing.
type DefinitionCache struct {
	definitions *expirable.LRU[string, *models.WorkflowDefinition]
	stages      *expirable.LRU[int64, []*models.WorkflowStage]
}

// NewDefinitionCache creates a cache holding up to size entries of each kind
// for ttl.
func NewDefinitionCache(size int, ttl time.Duration) *DefinitionCache {
	if size <= 0 {
		size = 64
	}
	return &DefinitionCache{
		definitions: expirable.NewLRU[string, *models.WorkflowDefinition](size, nil, ttl),
		stages:      expirable.NewLRU[int64, []*models.WorkflowStage](size, nil, ttl),
	}
}

// Invalidate drops every cached entry.
func (c *DefinitionCache) Invalidate() {
	if c == nil {
		return
	}
	c.definitions.Purge()
	c.stages.Purge()
}

// DefinitionStore resolves definitions and stages, read-through the cache.
// Returned values are shared and must not be modified.
type DefinitionStore struct {
	reader repository.DefinitionReader
	cache  *DefinitionCache
}

// NewDefinitionStore creates a DefinitionStore. cache may be nil.
func NewDefinitionStore(reader repository.DefinitionReader, cache *DefinitionCache) *DefinitionStore {
	return &DefinitionStore{reader: reader, cache: cache}
}

// LoadDefinition returns the active definition with the code.
func (s *DefinitionStore) LoadDefinition(ctx context.Context, code string) (*models.WorkflowDefinition, error) {
	if s.cache != nil {
		if def, ok := s.cache.definitions.Get(code); ok {
			return def, nil
		}
	}
	def, err := s.reader.GetDefinitionByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("workflow definition %q: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow definition %q: %w", code, err)
	}
	if s.cache != nil {
		s.cache.definitions.Add(code, def)
	}
	return def, nil
}

// Stages returns the active stages of a definition ordered by sequence.
func (s *DefinitionStore) Stages(ctx context.Context, workflowID int64) ([]*models.WorkflowStage, error) {
	if s.cache != nil {
		if stages, ok := s.cache.stages.Get(workflowID); ok {
			return stages, nil
		}
	}
	stages, err := s.reader.ListStages(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load stages of workflow %d: %w", workflowID, err)
	}
	if s.cache != nil {
		s.cache.stages.Add(workflowID, stages)
	}
	return stages, nil
}

// FirstStage returns the active stage with the lowest sequence.
func (s *DefinitionStore) FirstStage(ctx context.Context, workflowID int64) (*models.WorkflowStage, error) {
	stages, err := s.Stages(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("workflow %d has no active stages: %w", workflowID, ErrConfiguration)
	}
	return stages[0], nil
}

// Stage returns the active stage with the code.
func (s *DefinitionStore) Stage(ctx context.Context, workflowID int64, code string) (*models.WorkflowStage, error) {
	stages, err := s.Stages(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, st := range stages {
		if st.Code == code {
			return st, nil
		}
	}
	return nil, fmt.Errorf("stage %q of workflow %d: %w", code, workflowID, ErrNotFound)
}

// Invalidate drops cached configuration so the next read hits the store.
func (s *DefinitionStore) Invalidate() {
	s.cache.Invalidate()
}
