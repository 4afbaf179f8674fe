// Package repository defines the persisted-state contracts for the bridge
// and their PostgreSQL and in-memory implementations. Aggregates are loaded
// whole, mutated in memory and saved back; archiving is a flag flip, never a
// delete.
package repository

import (
	"context"
	"errors"

	"github.com/pico-mes/pico-mrp/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// WorkflowStore persists the workflow graph aggregate.
type WorkflowStore interface {
	// FindWorkflowByPicoID loads a workflow aggregate by its external id.
	FindWorkflowByPicoID(ctx context.Context, picoID string) (*models.Workflow, error)
	// GetWorkflow loads a workflow aggregate by its local id.
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// ListWorkflows loads all workflow aggregates.
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
	// SaveWorkflow atomically upserts the whole aggregate. Versions and
	// processes absent from the aggregate are left untouched; attributes
	// absent from their process are deleted.
	SaveWorkflow(ctx context.Context, wf *models.Workflow) error
}

// BomStore persists production recipes.
type BomStore interface {
	GetBom(ctx context.Context, id string) (*models.Bom, error)
	// ListBomsByWorkflow loads every recipe bound to a workflow.
	ListBomsByWorkflow(ctx context.Context, workflowID string) ([]*models.Bom, error)
	SaveBom(ctx context.Context, bom *models.Bom) error
}

// RunStore persists production runs with their work orders and moves.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*models.ProductionRun, error)
	// FindRunByWorkOrderPicoID resolves the run owning the work order with
	// the given external id.
	FindRunByWorkOrderPicoID(ctx context.Context, picoID string) (*models.ProductionRun, error)
	// SaveRun atomically upserts the whole aggregate. Work orders absent
	// from the aggregate are deleted (run cancellation removes them).
	SaveRun(ctx context.Context, run *models.ProductionRun) error
}

// LotStore resolves lot/serial records.
type LotStore interface {
	FindOrCreateLot(ctx context.Context, productID, name string) (*models.Lot, error)
}

// Store is the full persisted-state collaborator contract.
type Store interface {
	WorkflowStore
	BomStore
	RunStore
	LotStore
}
