package mrp

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pico-mes/pico-mrp/internal/repository"
	"github.com/pico-mes/pico-mrp/internal/telemetry"
	"github.com/pico-mes/pico-mrp/pkg/models"
)

// BomValidator checks that a recipe's attribute mappings are consistent with
// its workflow's current active processes.
type BomValidator struct {
	store   repository.Store
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// NewBomValidator creates a validator.
func NewBomValidator(store repository.Store, log zerolog.Logger, metrics *telemetry.Metrics) *BomValidator {
	return &BomValidator{
		store:   store,
		log:     log.With().Str("component", "bom_validator").Logger(),
		metrics: metrics,
	}
}

// ValidateStrict checks one recipe and returns ErrBomNeedsMapping on the
// first violation. Used at production confirmation time, where an
// inconsistent recipe must block the action.
func (v *BomValidator) ValidateStrict(ctx context.Context, bom *models.Bom) error {
	wf, err := v.store.GetWorkflow(ctx, bom.WorkflowID)
	if err != nil {
		return err
	}
	return v.check(bom, wf)
}

// CheckWorkflow leniently revalidates every recipe bound to a workflow.
// Violations flag the recipe for operator follow-up instead of raising; a
// recipe that became consistent again is unflagged.
func (v *BomValidator) CheckWorkflow(ctx context.Context, wf *models.Workflow) {
	boms, err := v.store.ListBomsByWorkflow(ctx, wf.ID)
	if err != nil {
		v.log.Error().Err(err).Str("workflow", wf.PicoID).Msg("failed to load boms for revalidation")
		return
	}
	for _, bom := range boms {
		checkErr := v.check(bom, wf)
		flagged := checkErr != nil
		if flagged == bom.NeedsAttention {
			continue
		}
		bom.NeedsAttention = flagged
		if err := v.store.SaveBom(ctx, bom); err != nil {
			v.log.Error().Err(err).Str("bom", bom.ID).Msg("failed to update bom flag")
			continue
		}
		if flagged {
			v.log.Warn().Err(checkErr).Str("bom", bom.ID).Str("workflow", wf.PicoID).
				Msg("bom flagged for follow-up")
			v.metrics.BomFlagged()
		}
	}
}

// check applies the structural checks in order; the first failure wins.
func (v *BomValidator) check(bom *models.Bom, wf *models.Workflow) error {
	target := wf.ProcessByID(bom.ProcessID)
	if target == nil || !target.Active {
		return fmt.Errorf("%w: assigned process is not active", ErrBomNeedsMapping)
	}
	for _, line := range bom.Lines {
		if line.ProcessID == "" {
			continue
		}
		proc := wf.ProcessByID(line.ProcessID)
		if proc == nil || !proc.Active {
			return fmt.Errorf("%w: line for product %s is mapped to an inactive process", ErrBomNeedsMapping, line.ProductID)
		}
	}

	required := make(map[string]bool)
	for _, proc := range wf.ProcessChain(bom.ProcessID) {
		for _, attr := range proc.Attributes {
			if attr.Active && attr.Type == models.AttributeConsume {
				required[attr.ID] = true
			}
		}
	}
	mapped := make(map[string]bool)
	for _, line := range bom.Lines {
		if line.AttributeID != "" {
			mapped[line.AttributeID] = true
		}
	}
	for id := range required {
		if !mapped[id] {
			return fmt.Errorf("%w: consume attribute %s has no line mapping", ErrBomNeedsMapping, id)
		}
	}
	for id := range mapped {
		if !required[id] {
			return fmt.Errorf("%w: line mapped to non-consume attribute %s", ErrBomNeedsMapping, id)
		}
	}

	for _, line := range bom.Lines {
		if line.Tracking != models.TrackingNone && line.AttributeID == "" {
			return fmt.Errorf("%w: tracked product %s needs an attribute mapping", ErrBomNeedsMapping, line.ProductID)
		}
	}
	return nil
}
