package mrp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pico-mes/pico-mrp/internal/keylock"
	"github.com/pico-mes/pico-mrp/internal/repository"
	"github.com/pico-mes/pico-mrp/internal/telemetry"
	"github.com/pico-mes/pico-mrp/pkg/models"
)

// Client is the outbound MES contract the production side needs.
type Client interface {
	CreateWorkOrder(ctx context.Context, processID, workflowVersionID, annotation string) (string, error)
	DeleteWorkOrder(ctx context.Context, id string) error
}

// Payload carries the completion data reported by the MES for one work
// order.
type Payload struct {
	ID             string             `json:"id"`
	WorkOrderID    string             `json:"workOrderId" validate:"required"`
	Attributes     []AttributePayload `json:"attributes"`
	StartedAt      string             `json:"startedAt"`
	CompletedAt    string             `json:"completedAt"`
	CycleTime      float64            `json:"cycleTime"`
	BuildURL       string             `json:"buildUrl"`
	ProcessVersion string             `json:"processVersion"`
}

// AttributePayload is one reported attribute value, keyed by the attribute's
// external id.
type AttributePayload struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Completion drives the work order completion state machine: it merges
// completion payloads, applies raw-material consumption, detects complete
// sets and finalizes production runs.
type Completion struct {
	store     repository.Store
	client    Client
	validator *BomValidator
	log       zerolog.Logger
	metrics   *telemetry.Metrics
	locks     *keylock.KeyLock
}

// NewCompletion creates the completion service.
func NewCompletion(store repository.Store, client Client, validator *BomValidator, log zerolog.Logger, metrics *telemetry.Metrics) *Completion {
	return &Completion{
		store:     store,
		client:    client,
		validator: validator,
		log:       log.With().Str("component", "completion").Logger(),
		metrics:   metrics,
		locks:     keylock.New(),
	}
}

// Apply processes one completion callback. workOrderPicoID may be empty, in
// which case the work order is resolved from the payload; an unknown id is
// silently dropped so redelivered stale callbacks stay harmless. Calls for
// the same run are serialized; calls for different runs proceed in parallel.
func (c *Completion) Apply(ctx context.Context, workOrderPicoID string, p Payload) error {
	picoID := workOrderPicoID
	if picoID == "" {
		picoID = p.WorkOrderID
	}

	found, err := c.store.FindRunByWorkOrderPicoID(ctx, picoID)
	if errors.Is(err, repository.ErrNotFound) {
		c.log.Debug().Str("work_order", picoID).Msg("completion for unknown work order dropped")
		c.metrics.CompletionDone("unknown")
		return nil
	}
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(found.ID)
	defer unlock()

	// reload under the run lock; the first read raced other callbacks
	run, err := c.store.GetRun(ctx, found.ID)
	if err != nil {
		return err
	}
	wo := run.WorkOrderByPicoID(picoID)
	if wo == nil {
		c.metrics.CompletionDone("unknown")
		return nil
	}

	bom, err := c.store.GetBom(ctx, run.BomID)
	if err != nil {
		return err
	}
	wf, err := c.store.GetWorkflow(ctx, bom.WorkflowID)
	if err != nil {
		return err
	}

	wasDone := wo.State == models.WorkOrderDone
	if wasDone {
		// duplicate delivery: full replace of the stored value set, no
		// consumption or production side effects
		wo.Values = nil
	}
	c.mergePayload(wo, wf.ProcessByID(wo.ProcessID), p)

	if wasDone {
		if err := c.store.SaveRun(ctx, run); err != nil {
			return err
		}
		c.log.Info().Str("work_order", picoID).Msg("completion redelivered for done work order, values updated")
		c.metrics.CompletionDone("redelivered")
		return nil
	}

	wo.State = models.WorkOrderPending
	if err := c.store.SaveRun(ctx, run); err != nil {
		return err
	}

	if consumeInRealTime(run) {
		if err := c.consume(ctx, run, bom, wo); err != nil {
			if !errors.Is(err, errUnresolvedSerial) {
				return err
			}
			c.log.Warn().Str("work_order", picoID).Msg("consumed serial unresolved, work order stays pending")
			c.metrics.CompletionDone("unresolved_serial")
		}
	}

	if err := c.advance(ctx, run, wf, bom); err != nil {
		// persist the merged payload and any applied consumption before
		// surfacing the failure; the pending pool is retried on redelivery
		if saveErr := c.store.SaveRun(ctx, run); saveErr != nil {
			return saveErr
		}
		if errors.Is(err, errUnresolvedSerial) {
			c.metrics.CompletionDone("unresolved_serial")
			return nil
		}
		c.metrics.CompletionDone("error")
		return err
	}

	if err := c.store.SaveRun(ctx, run); err != nil {
		return err
	}
	c.metrics.CompletionDone("ok")
	return nil
}

// mergePayload applies the reported fields onto the work order. Timestamps
// are truncated to whole seconds; attribute values are matched to process
// attributes by external id and unmatched ids are ignored.
func (c *Completion) mergePayload(wo *models.WorkOrder, proc *models.Process, p Payload) {
	if t, ok := parseCallbackTime(p.StartedAt); ok {
		wo.StartedAt = &t
	}
	if t, ok := parseCallbackTime(p.CompletedAt); ok {
		wo.CompletedAt = &t
	}
	if p.CycleTime != 0 {
		wo.CycleTime = p.CycleTime
	}
	if p.BuildURL != "" {
		wo.BuildURL = p.BuildURL
		wo.HasBuildURL = true
	}
	if p.ProcessVersion != "" {
		wo.ProcessVersion = p.ProcessVersion
	}
	if proc == nil {
		return
	}
	for _, ap := range p.Attributes {
		attr := proc.AttributeByPicoID(ap.ID)
		if attr == nil {
			continue
		}
		wo.SetValue(uuid.New().String(), attr.ID, ap.Value)
	}
}

func parseCallbackTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC().Truncate(time.Second), true
}

// consumeInRealTime reports whether a work order's raw materials are
// consumed immediately on its own completion instead of waiting for the
// complete set. A singleton work order always takes the complete-set path
// since it trivially is the complete set.
func consumeInRealTime(run *models.ProductionRun) bool {
	if run.Quantity != 1 {
		return false
	}
	if len(run.WorkOrders) <= 1 {
		return false
	}
	for _, m := range run.RawMoves() {
		if m.Tracking != models.TrackingNone && m.Qty/run.Quantity > 1 {
			return false
		}
	}
	return true
}

// consume applies the raw-material pass for one completed work order: every
// move whose recipe line is bound to the work order's process gets a
// proportional allocation, with tracked components resolved to a lot from
// the work order's consume attribute values. The pass is planned fully
// before applying so an unresolved serial aborts without partial effects.
func (c *Completion) consume(ctx context.Context, run *models.ProductionRun, bom *models.Bom, wo *models.WorkOrder) error {
	if wo.Consumed {
		return nil
	}

	type alloc struct {
		move  *models.Move
		lotID string
		qty   float64
	}
	var allocs []alloc

	for _, move := range run.RawMoves() {
		line := bomLineByID(bom, move.BomLineID)
		if line == nil || line.ProcessID != wo.ProcessID {
			continue
		}
		// each set yields one finished unit, so one work order consumes the
		// line's per-unit quantity
		qty := line.Qty

		lotID := ""
		if move.Tracking != models.TrackingNone {
			if line.AttributeID == "" {
				return errUnresolvedSerial
			}
			name := wo.ValueFor(line.AttributeID)
			if name == "" {
				return errUnresolvedSerial
			}
			lot, err := c.store.FindOrCreateLot(ctx, move.ProductID, name)
			if err != nil {
				return err
			}
			lotID = lot.ID
		}
		allocs = append(allocs, alloc{move: move, lotID: lotID, qty: qty})
	}

	for _, a := range allocs {
		line := a.move.LineByLot(a.lotID)
		if line == nil {
			line = &models.MoveLine{
				ID:     uuid.New().String(),
				MoveID: a.move.ID,
				LotID:  a.lotID,
				Qty:    a.qty,
			}
			a.move.Lines = append(a.move.Lines, line)
		}
		line.QtyDone += a.qty
	}
	wo.Consumed = true
	return nil
}

// advance repeatedly scans the pending pool for complete sets. A set is
// complete when picking at most one pending work order per process covers
// exactly the recipe's process chain. Each set consumes its members'
// materials if not yet consumed, marks them done and produces one finished
// unit; scanning continues until no further set can be formed.
func (c *Completion) advance(ctx context.Context, run *models.ProductionRun, wf *models.Workflow, bom *models.Bom) error {
	chain := wf.ProcessChain(bom.ProcessID)
	if len(chain) == 0 {
		return nil
	}
	need := make(map[string]bool, len(chain))
	for _, p := range chain {
		need[p.ID] = true
	}

	for {
		byProcess := make(map[string]*models.WorkOrder)
		for _, wo := range run.PendingWorkOrders() {
			if _, taken := byProcess[wo.ProcessID]; !taken {
				byProcess[wo.ProcessID] = wo
			}
		}
		if len(byProcess) != len(need) {
			return nil
		}
		for id := range need {
			if byProcess[id] == nil {
				return nil
			}
		}

		members := make([]*models.WorkOrder, 0, len(chain))
		for _, p := range chain {
			members = append(members, byProcess[p.ID])
		}

		var lot *models.Lot
		if run.Tracking != models.TrackingNone {
			serial := finishedSerial(chain, byProcess)
			if serial == "" {
				c.log.Error().Str("run", run.ID).Msg("complete set reached but finished serial is missing")
				return ErrMissingFinishedSerial
			}
			var err error
			lot, err = c.store.FindOrCreateLot(ctx, run.ProductID, serial)
			if err != nil {
				return err
			}
		}

		for _, wo := range members {
			if err := c.consume(ctx, run, bom, wo); err != nil {
				return err
			}
		}
		for _, wo := range members {
			wo.State = models.WorkOrderDone
		}
		c.metrics.CompleteSet()
		c.produce(run, lot)
		c.log.Info().Str("run", run.ID).Float64("qty_produced", run.QtyProduced).
			Msg("complete set processed")

		if run.QtyProduced >= run.Quantity {
			run.State = models.RunDone
			return nil
		}
		if remaining := run.Quantity - run.QtyProduced; remaining < 1 && run.Tracking == models.TrackingNone {
			// a fractional remainder can never fill another complete set;
			// split it off and close this run
			if err := c.splitBackorder(ctx, run, remaining); err != nil {
				return err
			}
			run.State = models.RunDone
			return nil
		}
	}
}

// finishedSerial resolves the finished-goods lot/serial name from the unique
// produce-type attribute value among the set's work orders.
func finishedSerial(chain []*models.Process, byProcess map[string]*models.WorkOrder) string {
	for _, proc := range chain {
		attr := proc.ProduceAttribute()
		if attr == nil {
			continue
		}
		if wo := byProcess[proc.ID]; wo != nil {
			if value := wo.ValueFor(attr.ID); value != "" {
				return value
			}
		}
	}
	return ""
}

// produce allocates one finished unit (or the final fractional remainder)
// against the run's finished moves.
func (c *Completion) produce(run *models.ProductionRun, lot *models.Lot) {
	qty := 1.0
	if remaining := run.Quantity - run.QtyProduced; remaining < qty {
		qty = remaining
	}
	lotID := ""
	if lot != nil {
		lotID = lot.ID
	}
	for _, move := range run.FinishedMoves() {
		line := move.LineByLot(lotID)
		if line == nil {
			line = &models.MoveLine{
				ID:     uuid.New().String(),
				MoveID: move.ID,
				LotID:  lotID,
			}
			move.Lines = append(move.Lines, line)
		}
		line.Qty += qty
		line.QtyDone += qty
	}
	run.QtyProduced += qty
}

// splitBackorder moves the unproducible remainder of a run into a fresh
// confirmed run so the current one can close.
func (c *Completion) splitBackorder(ctx context.Context, run *models.ProductionRun, remaining float64) error {
	ratio := remaining / run.Quantity
	backorder := &models.ProductionRun{
		ID:            uuid.New().String(),
		Name:          run.Name + "-BO",
		State:         models.RunConfirmed,
		BomID:         run.BomID,
		ProductID:     run.ProductID,
		Tracking:      run.Tracking,
		Quantity:      remaining,
		VersionPicoID: run.VersionPicoID,
		CreatedAt:     time.Now().UTC(),
	}
	for _, move := range run.Moves {
		backorder.Moves = append(backorder.Moves, &models.Move{
			ID:        uuid.New().String(),
			RunID:     backorder.ID,
			Kind:      move.Kind,
			ProductID: move.ProductID,
			Tracking:  move.Tracking,
			BomLineID: move.BomLineID,
			Qty:       move.Qty * ratio,
		})
	}
	if err := c.store.SaveRun(ctx, backorder); err != nil {
		return err
	}
	run.Quantity = run.QtyProduced
	c.log.Info().Str("run", run.ID).Str("backorder", backorder.ID).
		Float64("qty", remaining).Msg("backorder split off")
	return nil
}

func bomLineByID(bom *models.Bom, id string) *models.BomLine {
	if id == "" {
		return nil
	}
	for _, line := range bom.Lines {
		if line.ID == id {
			return line
		}
	}
	return nil
}
