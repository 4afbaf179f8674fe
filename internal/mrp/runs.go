package mrp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pico-mes/pico-mrp/pkg/models"
)

// ConfirmRun validates the run's recipe strictly, assigns the workflow's
// active version and opens one remote work order per process in the
// recipe's chain. A remote failure propagates so the confirmation fails
// visibly; retry belongs to the caller.
func (c *Completion) ConfirmRun(ctx context.Context, runID string) error {
	unlock := c.locks.Lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != models.RunDraft {
		return fmt.Errorf("run %s is %s, only draft runs can be confirmed", run.ID, run.State)
	}

	bom, err := c.store.GetBom(ctx, run.BomID)
	if err != nil {
		return err
	}
	if err := c.validator.ValidateStrict(ctx, bom); err != nil {
		return err
	}

	wf, err := c.store.GetWorkflow(ctx, bom.WorkflowID)
	if err != nil {
		return err
	}
	version := wf.ActiveVersion()
	if version == nil {
		return fmt.Errorf("workflow %s has no active version", wf.PicoID)
	}
	run.VersionPicoID = version.PicoID

	chain := wf.ProcessChain(bom.ProcessID)
	if len(chain) == 0 {
		return fmt.Errorf("workflow %s has no active processes for bom %s", wf.PicoID, bom.ID)
	}

	for _, proc := range chain {
		wo := &models.WorkOrder{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			ProcessID: proc.ID,
			State:     models.WorkOrderDraft,
		}
		run.WorkOrders = append(run.WorkOrders, wo)

		picoID, err := c.client.CreateWorkOrder(ctx, proc.PicoID, version.PicoID, run.Name)
		if err != nil {
			c.metrics.RemoteCallError("create_work_order")
			// keep what was opened so far so cancellation can clean it up
			if saveErr := c.store.SaveRun(ctx, run); saveErr != nil {
				return errors.Join(err, saveErr)
			}
			return fmt.Errorf("failed to open pico work order for process %s: %w", proc.PicoID, err)
		}
		wo.PicoID = picoID
		wo.State = models.WorkOrderRunning
		c.metrics.WorkOrderAction("create")
	}

	run.State = models.RunConfirmed
	if err := c.store.SaveRun(ctx, run); err != nil {
		return err
	}
	c.log.Info().Str("run", run.ID).Int("work_orders", len(chain)).Msg("run confirmed")
	return nil
}

// CancelRun removes every non-done work order of the run, issuing a
// best-effort remote delete for each, and marks the run cancelled.
func (c *Completion) CancelRun(ctx context.Context, runID string) error {
	unlock := c.locks.Lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State == models.RunDone {
		return fmt.Errorf("run %s is already done", run.ID)
	}

	kept := run.WorkOrders[:0]
	for _, wo := range run.WorkOrders {
		if wo.State == models.WorkOrderDone {
			kept = append(kept, wo)
			continue
		}
		if wo.PicoID != "" {
			if err := c.client.DeleteWorkOrder(ctx, wo.PicoID); err != nil {
				c.metrics.RemoteCallError("delete_work_order")
				c.log.Warn().Err(err).Str("work_order", wo.PicoID).
					Msg("remote work order delete failed, removing locally anyway")
			} else {
				c.metrics.WorkOrderAction("delete")
			}
		}
	}
	run.WorkOrders = kept

	run.State = models.RunCancelled
	if err := c.store.SaveRun(ctx, run); err != nil {
		return err
	}
	c.log.Info().Str("run", run.ID).Msg("run cancelled")
	return nil
}
