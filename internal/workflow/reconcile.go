// Package workflow implements the reconciliation of Pico workflow snapshots
// into the local workflow graph.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pico-mes/pico-mrp/internal/keylock"
	"github.com/pico-mes/pico-mrp/internal/repository"
	"github.com/pico-mes/pico-mrp/internal/telemetry"
	"github.com/pico-mes/pico-mrp/pkg/models"
)

// ErrMalformedSnapshot is returned when a snapshot misses required fields.
// The reconciliation aborts before any mutation.
var ErrMalformedSnapshot = errors.New("malformed workflow snapshot")

// Snapshot is the workflow state reported by the MES on a new-workflow-version
// callback.
type Snapshot struct {
	VersionPicoID string        `json:"id" validate:"required"`
	Workflow      *WorkflowData `json:"workflow" validate:"required"`
}

// WorkflowData is the workflow portion of a snapshot.
type WorkflowData struct {
	PicoID    string        `json:"id" validate:"required"`
	Name      string        `json:"name"`
	Processes []ProcessData `json:"processes"`
}

// ProcessData is one process in snapshot order; its 1-based position in the
// list becomes the local sequence.
type ProcessData struct {
	PicoID         string     `json:"id"`
	Name           string     `json:"name"`
	Attrs          []AttrData `json:"attrs"`
	ProducedAttrID string     `json:"producedAttrId"`
	ConsumedAttrID []string   `json:"consumedAttrIds"`
}

// AttrData is one attribute of a snapshot process.
type AttrData struct {
	PicoID string `json:"id"`
	Label  string `json:"label"`
}

// RecipeChecker revalidates recipes after a workflow changed. Failures flag
// the recipe for follow-up; they never abort a reconciliation.
type RecipeChecker interface {
	CheckWorkflow(ctx context.Context, wf *models.Workflow)
}

// Engine merges incoming snapshots into the workflow graph, computing
// create/update/archive diffs instead of destructive replaces.
type Engine struct {
	store   repository.Store
	checker RecipeChecker
	log     zerolog.Logger
	metrics *telemetry.Metrics
	locks   *keylock.KeyLock
}

// NewEngine creates a reconcile engine. checker may be nil.
func NewEngine(store repository.Store, checker RecipeChecker, log zerolog.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		store:   store,
		checker: checker,
		log:     log.With().Str("component", "reconcile").Logger(),
		metrics: metrics,
		locks:   keylock.New(),
	}
}

// Reconcile merges a snapshot into the local graph and returns the updated
// workflow. Calls for the same workflow identity are serialized; repeating an
// identical snapshot is a no-op.
func (e *Engine) Reconcile(ctx context.Context, snap Snapshot) (*models.Workflow, error) {
	if err := validateSnapshot(snap); err != nil {
		e.metrics.ReconcileDone("malformed")
		return nil, err
	}

	unlock := e.locks.Lock(snap.Workflow.PicoID)
	defer unlock()

	wf, err := e.store.FindWorkflowByPicoID(ctx, snap.Workflow.PicoID)
	if errors.Is(err, repository.ErrNotFound) {
		wf = &models.Workflow{
			ID:        uuid.New().String(),
			PicoID:    snap.Workflow.PicoID,
			Name:      snap.Workflow.Name,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		err = nil
	}
	if err != nil {
		e.metrics.ReconcileDone("error")
		return nil, err
	}

	e.reconcileVersions(wf, snap.VersionPicoID)
	stale := e.reconcileProcesses(wf, snap.Workflow.Processes)

	changedBoms, err := e.detachStaleAttributes(ctx, wf, stale)
	if err != nil {
		e.metrics.ReconcileDone("error")
		return nil, err
	}

	deriveProducingProcesses(wf)

	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		e.metrics.ReconcileDone("error")
		return nil, err
	}
	for _, bom := range changedBoms {
		if err := e.store.SaveBom(ctx, bom); err != nil {
			e.metrics.ReconcileDone("error")
			return nil, err
		}
	}

	if e.checker != nil {
		e.checker.CheckWorkflow(ctx, wf)
	}

	e.log.Info().
		Str("workflow", wf.PicoID).
		Str("version", snap.VersionPicoID).
		Int("processes", len(snap.Workflow.Processes)).
		Msg("workflow snapshot reconciled")
	e.metrics.ReconcileDone("ok")
	return wf, nil
}

func validateSnapshot(snap Snapshot) error {
	if snap.VersionPicoID == "" {
		return fmt.Errorf("%w: missing workflow version id", ErrMalformedSnapshot)
	}
	if snap.Workflow == nil {
		return fmt.Errorf("%w: missing workflow data", ErrMalformedSnapshot)
	}
	if snap.Workflow.PicoID == "" {
		return fmt.Errorf("%w: missing workflow id", ErrMalformedSnapshot)
	}
	return nil
}

// reconcileVersions ensures exactly the reported version is active. Older
// versions are archived, never deleted.
func (e *Engine) reconcileVersions(wf *models.Workflow, versionPicoID string) {
	existing := wf.VersionByPicoID(versionPicoID)
	for _, v := range wf.Versions {
		if v.PicoID != versionPicoID {
			v.Active = false
		}
	}
	if existing == nil {
		wf.Versions = append(wf.Versions, &models.Version{
			ID:         uuid.New().String(),
			WorkflowID: wf.ID,
			PicoID:     versionPicoID,
			Active:     true,
		})
	} else {
		existing.Active = true
	}
}

// reconcileProcesses applies the minimal create/update/archive diff for the
// incoming ordered process list and its attributes. It returns attributes
// archived by absence so recipe references can be detached.
func (e *Engine) reconcileProcesses(wf *models.Workflow, incoming []ProcessData) []*models.Attribute {
	seen := make(map[string]bool, len(incoming))
	var stale []*models.Attribute

	for i, data := range incoming {
		seen[data.PicoID] = true
		seq := i + 1

		proc := wf.ProcessByPicoID(data.PicoID)
		if proc == nil {
			proc = &models.Process{
				ID:         uuid.New().String(),
				WorkflowID: wf.ID,
				PicoID:     data.PicoID,
			}
			wf.Processes = append(wf.Processes, proc)
		}
		proc.Name = data.Name
		proc.Sequence = seq
		proc.Active = true

		stale = append(stale, e.reconcileAttributes(proc, data)...)
	}

	// archive processes missing from the snapshot; recipe references and
	// history stay intact
	for _, proc := range wf.Processes {
		if !seen[proc.PicoID] {
			proc.Active = false
		}
	}
	return stale
}

func (e *Engine) reconcileAttributes(proc *models.Process, data ProcessData) []*models.Attribute {
	consumed := make(map[string]bool, len(data.ConsumedAttrID))
	for _, id := range data.ConsumedAttrID {
		consumed[id] = true
	}
	typeFor := func(picoID string) models.AttributeType {
		switch {
		case picoID == data.ProducedAttrID:
			return models.AttributeProduce
		case consumed[picoID]:
			return models.AttributeConsume
		default:
			return models.AttributeOther
		}
	}

	seen := make(map[string]bool, len(data.Attrs))
	for _, ad := range data.Attrs {
		seen[ad.PicoID] = true
		attr := proc.AttributeByPicoID(ad.PicoID)
		if attr == nil {
			attr = &models.Attribute{
				ID:        uuid.New().String(),
				ProcessID: proc.ID,
				PicoID:    ad.PicoID,
			}
			proc.Attributes = append(proc.Attributes, attr)
		}
		attr.Name = ad.Label
		attr.Type = typeFor(ad.PicoID)
		attr.Active = true
	}

	var stale []*models.Attribute
	for _, attr := range proc.Attributes {
		if !seen[attr.PicoID] && attr.Active {
			attr.Active = false
			stale = append(stale, attr)
		}
	}
	return stale
}

// detachStaleAttributes clears recipe line mappings that point at archived
// attributes. Attributes nothing referenced are dropped from the aggregate
// outright; referenced ones stay archived for the audit trail.
func (e *Engine) detachStaleAttributes(ctx context.Context, wf *models.Workflow, stale []*models.Attribute) ([]*models.Bom, error) {
	if len(stale) == 0 {
		return nil, nil
	}

	staleIDs := make(map[string]bool, len(stale))
	for _, a := range stale {
		staleIDs[a.ID] = true
	}

	boms, err := e.store.ListBomsByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]bool)
	var changed []*models.Bom
	for _, bom := range boms {
		dirty := false
		for _, line := range bom.Lines {
			if line.AttributeID != "" && staleIDs[line.AttributeID] {
				referenced[line.AttributeID] = true
				line.AttributeID = ""
				dirty = true
			}
		}
		if dirty {
			changed = append(changed, bom)
		}
	}

	for _, proc := range wf.Processes {
		kept := proc.Attributes[:0]
		for _, attr := range proc.Attributes {
			if staleIDs[attr.ID] && !referenced[attr.ID] {
				continue
			}
			kept = append(kept, attr)
		}
		proc.Attributes = kept
	}
	return changed, nil
}

// deriveProducingProcesses recomputes the producing-process relation over the
// active processes. It scans in descending sequence order carrying the most
// recently seen producer backwards; a process holding a produce attribute
// becomes the current producer and clears its own reference. Recomputed on
// every reconciliation because sequences or attribute types may have shifted
// even when process identities did not.
func deriveProducingProcesses(wf *models.Workflow) {
	active := wf.ActiveProcesses()
	sort.Slice(active, func(i, j int) bool { return active[i].Sequence > active[j].Sequence })

	producerID := ""
	for _, proc := range active {
		if proc.ProduceAttribute() != nil {
			producerID = proc.ID
			proc.ProducingProcessID = ""
			continue
		}
		proc.ProducingProcessID = producerID
	}
}
