package workflow

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pico-mes/pico-mrp/internal/repository"
	"github.com/pico-mes/pico-mrp/pkg/models"
)

func newTestEngine(store repository.Store) *Engine {
	return NewEngine(store, nil, zerolog.Nop(), nil)
}

// twoProcessSnapshot models an assemble step feeding a test step: assemble
// consumes a board serial, test produces the unit serial.
func twoProcessSnapshot(versionID string) Snapshot {
	return Snapshot{
		VersionPicoID: versionID,
		Workflow: &WorkflowData{
			PicoID: "w156",
			Name:   "Device Build",
			Processes: []ProcessData{
				{
					PicoID:         "p18",
					Name:           "Assemble",
					Attrs:          []AttrData{{PicoID: "a101", Label: "Board Serial"}},
					ConsumedAttrID: []string{"a101"},
				},
				{
					PicoID:         "p19",
					Name:           "Test",
					Attrs:          []AttrData{{PicoID: "a102", Label: "Unit Serial"}},
					ProducedAttrID: "a102",
				},
			},
		},
	}
}

func TestReconcileCreatesWorkflowGraph(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := newTestEngine(store)

	wf, err := engine.Reconcile(context.Background(), twoProcessSnapshot("v12"))
	require.NoError(t, err)

	assert.Equal(t, "w156", wf.PicoID)
	assert.Equal(t, "Device Build", wf.Name)

	require.Len(t, wf.Versions, 1)
	assert.Equal(t, "v12", wf.Versions[0].PicoID)
	assert.True(t, wf.Versions[0].Active)

	require.Len(t, wf.Processes, 2)
	assemble := wf.ProcessByPicoID("p18")
	test := wf.ProcessByPicoID("p19")
	require.NotNil(t, assemble)
	require.NotNil(t, test)
	assert.Equal(t, 1, assemble.Sequence)
	assert.Equal(t, 2, test.Sequence)

	require.Len(t, assemble.Attributes, 1)
	assert.Equal(t, models.AttributeConsume, assemble.Attributes[0].Type)
	require.Len(t, test.Attributes, 1)
	assert.Equal(t, models.AttributeProduce, test.Attributes[0].Type)

	// the producer derivation: assemble feeds the test step, the test step
	// produces itself
	assert.Equal(t, test.ID, assemble.ProducingProcessID)
	assert.Empty(t, test.ProducingProcessID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	first, err := engine.Reconcile(ctx, twoProcessSnapshot("v12"))
	require.NoError(t, err)
	second, err := engine.Reconcile(ctx, twoProcessSnapshot("v12"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Versions, 1)
	assert.Len(t, second.Processes, 2)
	for _, p := range second.Processes {
		assert.Len(t, p.Attributes, 1)
	}

	all, err := store.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReconcileArchivesMissingProcesses(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	_, err := engine.Reconcile(ctx, twoProcessSnapshot("v12"))
	require.NoError(t, err)

	next := twoProcessSnapshot("v13")
	next.Workflow.Processes = next.Workflow.Processes[1:] // drop assemble

	wf, err := engine.Reconcile(ctx, next)
	require.NoError(t, err)

	// both versions survive, only the newest is active
	require.Len(t, wf.Versions, 2)
	assert.False(t, wf.VersionByPicoID("v12").Active)
	assert.True(t, wf.VersionByPicoID("v13").Active)

	assemble := wf.ProcessByPicoID("p18")
	require.NotNil(t, assemble, "archived process must not be deleted")
	assert.False(t, assemble.Active)
	assert.True(t, wf.ProcessByPicoID("p19").Active)
	assert.Equal(t, 1, wf.ProcessByPicoID("p19").Sequence)

	chain := wf.ProcessChain(wf.ProcessByPicoID("p19").ID)
	assert.Len(t, chain, 1)
}

func TestReconcileReactivatesKnownVersion(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	_, err := engine.Reconcile(ctx, twoProcessSnapshot("v12"))
	require.NoError(t, err)
	_, err = engine.Reconcile(ctx, twoProcessSnapshot("v13"))
	require.NoError(t, err)

	wf, err := engine.Reconcile(ctx, twoProcessSnapshot("v12"))
	require.NoError(t, err)

	require.Len(t, wf.Versions, 2)
	assert.True(t, wf.VersionByPicoID("v12").Active)
	assert.False(t, wf.VersionByPicoID("v13").Active)
}

func TestReconcileDetachesStaleAttributeFromBom(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	wf, err := engine.Reconcile(ctx, twoProcessSnapshot("v12"))
	require.NoError(t, err)
	assemble := wf.ProcessByPicoID("p18")
	boardAttr := assemble.AttributeByPicoID("a101")
	require.NotNil(t, boardAttr)

	bom := &models.Bom{
		ID:         "bom-1",
		ProductID:  "prod-device",
		WorkflowID: wf.ID,
		ProcessID:  wf.ProcessByPicoID("p19").ID,
		Lines: []*models.BomLine{{
			ID:          "line-1",
			BomID:       "bom-1",
			ProductID:   "prod-board",
			Tracking:    models.TrackingSerial,
			Qty:         1,
			ProcessID:   assemble.ID,
			AttributeID: boardAttr.ID,
		}},
	}
	require.NoError(t, store.SaveBom(ctx, bom))

	// new version: the board serial attribute disappears from assemble
	next := twoProcessSnapshot("v13")
	next.Workflow.Processes[0].Attrs = nil
	next.Workflow.Processes[0].ConsumedAttrID = nil

	wf, err = engine.Reconcile(ctx, next)
	require.NoError(t, err)

	got, err := store.GetBom(ctx, "bom-1")
	require.NoError(t, err)
	assert.Empty(t, got.Lines[0].AttributeID, "line mapping must be detached")

	// the referenced attribute stays, archived
	attr := wf.ProcessByPicoID("p18").AttributeByPicoID("a101")
	require.NotNil(t, attr)
	assert.False(t, attr.Active)
}

func TestReconcileDropsUnreferencedStaleAttribute(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	_, err := engine.Reconcile(ctx, twoProcessSnapshot("v12"))
	require.NoError(t, err)

	next := twoProcessSnapshot("v13")
	next.Workflow.Processes[0].Attrs = nil
	next.Workflow.Processes[0].ConsumedAttrID = nil

	wf, err := engine.Reconcile(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, wf.ProcessByPicoID("p18").Attributes)
}

func TestReconcileRejectsMalformedSnapshot(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	cases := map[string]Snapshot{
		"missing version id": {Workflow: &WorkflowData{PicoID: "w156"}},
		"missing workflow":   {VersionPicoID: "v12"},
		"missing workflow id": {
			VersionPicoID: "v12",
			Workflow:      &WorkflowData{Name: "No ID"},
		},
	}
	for name, snap := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := engine.Reconcile(ctx, snap)
			assert.ErrorIs(t, err, ErrMalformedSnapshot)
		})
	}

	all, err := store.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "malformed snapshots must not mutate anything")
}

func TestReconcileNotifiesRecipeChecker(t *testing.T) {
	store := repository.NewMemoryStore()
	checker := &recordingChecker{}
	engine := NewEngine(store, checker, zerolog.Nop(), nil)

	_, err := engine.Reconcile(context.Background(), twoProcessSnapshot("v12"))
	require.NoError(t, err)
	require.Len(t, checker.seen, 1)
	assert.Equal(t, "w156", checker.seen[0])
}

type recordingChecker struct {
	seen []string
}

func (r *recordingChecker) CheckWorkflow(_ context.Context, wf *models.Workflow) {
	r.seen = append(r.seen, wf.PicoID)
}
