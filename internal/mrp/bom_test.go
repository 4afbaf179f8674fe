package mrp

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pico-mes/pico-mrp/internal/repository"
	"github.com/pico-mes/pico-mrp/pkg/models"
)

func newTestValidator(store repository.Store) *BomValidator {
	return NewBomValidator(store, zerolog.Nop(), nil)
}

func TestValidateStrictAcceptsConsistentBom(t *testing.T) {
	store := repository.NewMemoryStore()
	require.NoError(t, store.SaveWorkflow(context.Background(), testWorkflow()))

	err := newTestValidator(store).ValidateStrict(context.Background(), testBom(models.TrackingSerial))
	assert.NoError(t, err)
}

func TestValidateStrictRejectsInactiveAssignedProcess(t *testing.T) {
	store := repository.NewMemoryStore()
	wf := testWorkflow()
	wf.ProcessByID("proc-test").Active = false
	require.NoError(t, store.SaveWorkflow(context.Background(), wf))

	err := newTestValidator(store).ValidateStrict(context.Background(), testBom(models.TrackingSerial))
	assert.ErrorIs(t, err, ErrBomNeedsMapping)
}

func TestValidateStrictRejectsLineOnInactiveProcess(t *testing.T) {
	store := repository.NewMemoryStore()
	wf := testWorkflow()
	wf.ProcessByID("proc-assemble").Active = false
	require.NoError(t, store.SaveWorkflow(context.Background(), wf))

	err := newTestValidator(store).ValidateStrict(context.Background(), testBom(models.TrackingSerial))
	assert.ErrorIs(t, err, ErrBomNeedsMapping)
}

func TestValidateStrictRequiresConsumeAttributeMapping(t *testing.T) {
	store := repository.NewMemoryStore()
	require.NoError(t, store.SaveWorkflow(context.Background(), testWorkflow()))

	bom := testBom(models.TrackingNone)
	bom.Lines[0].AttributeID = ""

	err := newTestValidator(store).ValidateStrict(context.Background(), bom)
	assert.ErrorIs(t, err, ErrBomNeedsMapping)
}

func TestValidateStrictRejectsMappingToNonConsumeAttribute(t *testing.T) {
	store := repository.NewMemoryStore()
	require.NoError(t, store.SaveWorkflow(context.Background(), testWorkflow()))

	bom := testBom(models.TrackingSerial)
	bom.Lines = append(bom.Lines, &models.BomLine{
		ID: "line-extra", BomID: bom.ID, ProductID: "prod-label",
		Tracking: models.TrackingNone, Qty: 1,
		ProcessID: "proc-test", AttributeID: "attr-unit",
	})

	err := newTestValidator(store).ValidateStrict(context.Background(), bom)
	assert.ErrorIs(t, err, ErrBomNeedsMapping)
}

func TestValidateStrictRequiresAttributeForTrackedLines(t *testing.T) {
	store := repository.NewMemoryStore()
	require.NoError(t, store.SaveWorkflow(context.Background(), testWorkflow()))

	bom := testBom(models.TrackingSerial)
	bom.Lines = append(bom.Lines, &models.BomLine{
		ID: "line-cell", BomID: bom.ID, ProductID: "prod-cell",
		Tracking: models.TrackingLot, Qty: 4,
		ProcessID: "proc-assemble",
	})

	err := newTestValidator(store).ValidateStrict(context.Background(), bom)
	assert.ErrorIs(t, err, ErrBomNeedsMapping)
}

func TestCheckWorkflowFlagsAndUnflags(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	wf := testWorkflow()
	require.NoError(t, store.SaveWorkflow(ctx, wf))

	bom := testBom(models.TrackingSerial)
	bom.Lines[0].AttributeID = ""
	require.NoError(t, store.SaveBom(ctx, bom))

	validator := newTestValidator(store)
	validator.CheckWorkflow(ctx, wf)

	got, err := store.GetBom(ctx, bom.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsAttention, "inconsistent bom must be flagged, not rejected")

	// the operator restores the mapping
	got.Lines[0].AttributeID = "attr-board"
	require.NoError(t, store.SaveBom(ctx, got))

	validator.CheckWorkflow(ctx, wf)
	got, err = store.GetBom(ctx, bom.ID)
	require.NoError(t, err)
	assert.False(t, got.NeedsAttention)
}
