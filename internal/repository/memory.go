package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pico-mes/pico-mrp/pkg/models"
)

// MemoryStore is an in-memory Store implementation used by the engine tests
// and the local development mode. Aggregates are cloned on the way in and
// out so callers never share internal state.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	boms      map[string]*models.Bom
	runs      map[string]*models.ProductionRun
	lots      map[string]*models.Lot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*models.Workflow),
		boms:      make(map[string]*models.Bom),
		runs:      make(map[string]*models.ProductionRun),
		lots:      make(map[string]*models.Lot),
	}
}

// FindWorkflowByPicoID loads a workflow aggregate by its external id.
func (s *MemoryStore) FindWorkflowByPicoID(_ context.Context, picoID string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wf := range s.workflows {
		if wf.PicoID == picoID {
			return wf.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// GetWorkflow loads a workflow aggregate by its local id.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return wf.Clone(), nil
}

// ListWorkflows loads all workflow aggregates.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf.Clone())
	}
	return out, nil
}

// SaveWorkflow upserts the whole aggregate.
func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := wf.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.workflows[cp.ID] = cp
	return nil
}

// GetBom loads a recipe by id.
func (s *MemoryStore) GetBom(_ context.Context, id string) (*models.Bom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bom, ok := s.boms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return bom.Clone(), nil
}

// ListBomsByWorkflow loads every recipe bound to a workflow.
func (s *MemoryStore) ListBomsByWorkflow(_ context.Context, workflowID string) ([]*models.Bom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Bom
	for _, bom := range s.boms {
		if bom.WorkflowID == workflowID {
			out = append(out, bom.Clone())
		}
	}
	return out, nil
}

// SaveBom upserts a recipe.
func (s *MemoryStore) SaveBom(_ context.Context, bom *models.Bom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boms[bom.ID] = bom.Clone()
	return nil
}

// GetRun loads a production run aggregate by id.
func (s *MemoryStore) GetRun(_ context.Context, id string) (*models.ProductionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// FindRunByWorkOrderPicoID resolves the run owning a remote work order.
func (s *MemoryStore) FindRunByWorkOrderPicoID(_ context.Context, picoID string) (*models.ProductionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.WorkOrderByPicoID(picoID) != nil {
			return run.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// SaveRun upserts the whole run aggregate.
func (s *MemoryStore) SaveRun(_ context.Context, run *models.ProductionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := run.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.runs[cp.ID] = cp
	return nil
}

// FindOrCreateLot resolves a lot by product and name, creating it if absent.
func (s *MemoryStore) FindOrCreateLot(_ context.Context, productID, name string) (*models.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lot := range s.lots {
		if lot.ProductID == productID && lot.Name == name {
			cp := *lot
			return &cp, nil
		}
	}
	lot := &models.Lot{
		ID:        uuid.New().String(),
		ProductID: productID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	s.lots[lot.ID] = lot
	cp := *lot
	return &cp, nil
}
