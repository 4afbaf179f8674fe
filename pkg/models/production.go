package models

import "time"

// Tracking describes how a product's stock is identified.
type Tracking string

const (
	TrackingNone   Tracking = "none"
	TrackingLot    Tracking = "lot"
	TrackingSerial Tracking = "serial"
)

// RunState is the lifecycle state of a production run.
type RunState string

const (
	RunDraft     RunState = "draft"
	RunConfirmed RunState = "confirmed"
	RunDone      RunState = "done"
	RunCancelled RunState = "cancelled"
)

// WorkOrderState is the lifecycle state of a Pico work order. A work order
// is running once the remote order was opened, pending once the MES reported
// completion data, and done once its complete set was processed.
type WorkOrderState string

const (
	WorkOrderDraft   WorkOrderState = "draft"
	WorkOrderRunning WorkOrderState = "running"
	WorkOrderPending WorkOrderState = "pending"
	WorkOrderDone    WorkOrderState = "done"
)

// MoveKind distinguishes raw-material consumption from finished-goods output.
type MoveKind string

const (
	MoveRaw      MoveKind = "raw"
	MoveFinished MoveKind = "finished"
)

// Product is a minimal product record; Tracking drives serial resolution.
type Product struct {
	ID       string   `json:"id" db:"id"`
	Name     string   `json:"name" db:"name"`
	Tracking Tracking `json:"tracking" db:"tracking"`
}

// Lot identifies a tracked quantity of one product.
type Lot struct {
	ID        string    `json:"id" db:"id"`
	ProductID string    `json:"product_id" db:"product_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Bom is a production recipe bound to a workflow process.
type Bom struct {
	ID         string `json:"id" db:"id"`
	ProductID  string `json:"product_id" db:"product_id"`
	WorkflowID string `json:"workflow_id" db:"workflow_id"`
	// ProcessID is the producing process the recipe is assigned to.
	ProcessID string `json:"process_id" db:"process_id"`
	// NeedsAttention flags a recipe whose mappings failed lenient validation.
	NeedsAttention bool `json:"needs_attention" db:"needs_attention"`

	Lines []*BomLine `json:"lines"`
}

// BomLine maps a recipe component to the process at which it is consumed and
// optionally to the consume attribute that supplies its lot/serial name.
type BomLine struct {
	ID        string   `json:"id" db:"id"`
	BomID     string   `json:"bom_id" db:"bom_id"`
	ProductID string   `json:"product_id" db:"product_id"`
	Tracking  Tracking `json:"tracking" db:"tracking"`
	Qty       float64  `json:"qty" db:"qty"`
	ProcessID string   `json:"process_id" db:"process_id"`
	// AttributeID may be empty: set-null on attribute archive, or simply
	// unmapped for untracked components.
	AttributeID string `json:"attribute_id,omitempty" db:"attribute_id"`
}

// ProductionRun is a production order for a quantity of one product,
// executed as one Pico work order per process in its recipe's chain.
type ProductionRun struct {
	ID          string   `json:"id" db:"id"`
	Name        string   `json:"name" db:"name"`
	State       RunState `json:"state" db:"state"`
	BomID       string   `json:"bom_id" db:"bom_id"`
	ProductID   string   `json:"product_id" db:"product_id"`
	Tracking    Tracking `json:"tracking" db:"tracking"`
	Quantity    float64  `json:"quantity" db:"quantity"`
	QtyProduced float64  `json:"qty_produced" db:"qty_produced"`
	// VersionPicoID is the workflow version the run was confirmed against.
	VersionPicoID string    `json:"version_pico_id" db:"version_pico_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`

	WorkOrders []*WorkOrder `json:"work_orders"`
	Moves      []*Move      `json:"moves"`
}

// WorkOrder tracks one remote Pico work order for one process of a run.
type WorkOrder struct {
	ID        string         `json:"id" db:"id"`
	RunID     string         `json:"run_id" db:"run_id"`
	ProcessID string         `json:"process_id" db:"process_id"`
	PicoID    string         `json:"pico_id" db:"pico_id"`
	State     WorkOrderState `json:"state" db:"state"`
	// Consumed guards the raw-material pass so redelivered callbacks cannot
	// consume twice.
	Consumed       bool       `json:"consumed" db:"consumed"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CycleTime      float64    `json:"cycle_time" db:"cycle_time"`
	BuildURL       string     `json:"build_url,omitempty" db:"build_url"`
	HasBuildURL    bool       `json:"has_build_url" db:"has_build_url"`
	ProcessVersion string     `json:"process_version,omitempty" db:"process_version"`

	Values []*AttrValue `json:"values"`
}

// AttrValue stores one attribute value reported by the MES for a work order.
type AttrValue struct {
	ID          string `json:"id" db:"id"`
	WorkOrderID string `json:"work_order_id" db:"work_order_id"`
	AttributeID string `json:"attribute_id" db:"attribute_id"`
	Value       string `json:"value" db:"value"`
}

// Move is a planned stock movement of a run: raw consumption tied to a BOM
// line, or finished output of the run's product.
type Move struct {
	ID        string   `json:"id" db:"id"`
	RunID     string   `json:"run_id" db:"run_id"`
	Kind      MoveKind `json:"kind" db:"kind"`
	ProductID string   `json:"product_id" db:"product_id"`
	Tracking  Tracking `json:"tracking" db:"tracking"`
	BomLineID string   `json:"bom_line_id,omitempty" db:"bom_line_id"`
	Qty       float64  `json:"qty" db:"qty"`

	Lines []*MoveLine `json:"lines"`
}

// MoveLine is an allocation against a move, optionally pinned to a lot.
type MoveLine struct {
	ID      string  `json:"id" db:"id"`
	MoveID  string  `json:"move_id" db:"move_id"`
	LotID   string  `json:"lot_id,omitempty" db:"lot_id"`
	Qty     float64 `json:"qty" db:"qty"`
	QtyDone float64 `json:"qty_done" db:"qty_done"`
}

// WorkOrderByPicoID returns the run's work order with the given external id,
// or nil.
func (r *ProductionRun) WorkOrderByPicoID(picoID string) *WorkOrder {
	for _, wo := range r.WorkOrders {
		if wo.PicoID == picoID {
			return wo
		}
	}
	return nil
}

// PendingWorkOrders returns the run's work orders in the pending state.
func (r *ProductionRun) PendingWorkOrders() []*WorkOrder {
	var out []*WorkOrder
	for _, wo := range r.WorkOrders {
		if wo.State == WorkOrderPending {
			out = append(out, wo)
		}
	}
	return out
}

// RawMoves returns the run's raw-material moves.
func (r *ProductionRun) RawMoves() []*Move {
	var out []*Move
	for _, m := range r.Moves {
		if m.Kind == MoveRaw {
			out = append(out, m)
		}
	}
	return out
}

// FinishedMoves returns the run's finished-goods moves.
func (r *ProductionRun) FinishedMoves() []*Move {
	var out []*Move
	for _, m := range r.Moves {
		if m.Kind == MoveFinished {
			out = append(out, m)
		}
	}
	return out
}

// SetValue upserts the stored value for an attribute on a work order.
func (wo *WorkOrder) SetValue(id, attributeID, value string) {
	for _, v := range wo.Values {
		if v.AttributeID == attributeID {
			v.Value = value
			return
		}
	}
	wo.Values = append(wo.Values, &AttrValue{
		ID:          id,
		WorkOrderID: wo.ID,
		AttributeID: attributeID,
		Value:       value,
	})
}

// ValueFor returns the stored value for an attribute id, or "".
func (wo *WorkOrder) ValueFor(attributeID string) string {
	for _, v := range wo.Values {
		if v.AttributeID == attributeID {
			return v.Value
		}
	}
	return ""
}

// LineByLot returns the move's allocation line for a lot id, or nil. An
// empty lot id matches the first untracked line.
func (m *Move) LineByLot(lotID string) *MoveLine {
	for _, l := range m.Lines {
		if l.LotID == lotID {
			return l
		}
	}
	return nil
}

// Clone returns a deep copy of the bom aggregate.
func (b *Bom) Clone() *Bom {
	cp := *b
	cp.Lines = make([]*BomLine, len(b.Lines))
	for i, l := range b.Lines {
		ll := *l
		cp.Lines[i] = &ll
	}
	return &cp
}

// Clone returns a deep copy of the production run aggregate.
func (r *ProductionRun) Clone() *ProductionRun {
	cp := *r
	cp.WorkOrders = make([]*WorkOrder, len(r.WorkOrders))
	for i, wo := range r.WorkOrders {
		ww := *wo
		ww.Values = make([]*AttrValue, len(wo.Values))
		for j, v := range wo.Values {
			vv := *v
			ww.Values[j] = &vv
		}
		if wo.StartedAt != nil {
			t := *wo.StartedAt
			ww.StartedAt = &t
		}
		if wo.CompletedAt != nil {
			t := *wo.CompletedAt
			ww.CompletedAt = &t
		}
		cp.WorkOrders[i] = &ww
	}
	cp.Moves = make([]*Move, len(r.Moves))
	for i, m := range r.Moves {
		mm := *m
		mm.Lines = make([]*MoveLine, len(m.Lines))
		for j, l := range m.Lines {
			ll := *l
			mm.Lines[j] = &ll
		}
		cp.Moves[i] = &mm
	}
	return &cp
}
