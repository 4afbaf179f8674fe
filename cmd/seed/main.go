// Seeds a demo workflow, recipe and draft production run so the bridge can
// be exercised against a Pico sandbox without waiting for a first sync.
package main

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pico-mes/pico-mrp/internal/config"
	"github.com/pico-mes/pico-mrp/internal/logging"
	"github.com/pico-mes/pico-mrp/internal/repository"
	"github.com/pico-mes/pico-mrp/pkg/models"
)

func main() {
	ctx := context.Background()
	logger := logging.New("info", true)

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	if err := repository.Migrate(cfg.ConnString()); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	store := repository.NewPostgresStore(pool)

	if _, err := store.FindWorkflowByPicoID(ctx, "wf-demo"); err == nil {
		logger.Info().Msg("demo workflow already present, nothing to do")
		return
	} else if !errors.Is(err, repository.ErrNotFound) {
		logger.Fatal().Err(err).Msg("failed to check for demo workflow")
	}

	wf := &models.Workflow{
		ID:        uuid.New().String(),
		PicoID:    "wf-demo",
		Name:      "Demo Assembly Flow",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	wf.Versions = []*models.Version{{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		PicoID:     "wfv-demo-1",
		Active:     true,
	}}

	assemble := &models.Process{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		PicoID:     "proc-assemble",
		Name:       "Assemble",
		Sequence:   1,
		Active:     true,
	}
	boardAttr := &models.Attribute{
		ID:        uuid.New().String(),
		ProcessID: assemble.ID,
		PicoID:    "attr-board-serial",
		Name:      "Board Serial",
		Type:      models.AttributeConsume,
		Active:    true,
	}
	assemble.Attributes = []*models.Attribute{boardAttr}

	test := &models.Process{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		PicoID:     "proc-test",
		Name:       "Test",
		Sequence:   2,
		Active:     true,
	}
	test.Attributes = []*models.Attribute{{
		ID:        uuid.New().String(),
		ProcessID: test.ID,
		PicoID:    "attr-unit-serial",
		Name:      "Unit Serial",
		Type:      models.AttributeProduce,
		Active:    true,
	}}
	assemble.ProducingProcessID = test.ID
	wf.Processes = []*models.Process{assemble, test}

	if err := store.SaveWorkflow(ctx, wf); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed workflow")
	}
	logger.Info().Str("workflow", wf.PicoID).Msg("seeded workflow")

	bom := &models.Bom{
		ID:         uuid.New().String(),
		ProductID:  "prod-device",
		WorkflowID: wf.ID,
		ProcessID:  test.ID,
	}
	bomLine := &models.BomLine{
		ID:          uuid.New().String(),
		BomID:       bom.ID,
		ProductID:   "prod-board",
		Tracking:    models.TrackingSerial,
		Qty:         1,
		ProcessID:   assemble.ID,
		AttributeID: boardAttr.ID,
	}
	bom.Lines = []*models.BomLine{bomLine}
	if err := store.SaveBom(ctx, bom); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed bom")
	}
	logger.Info().Str("bom", bom.ID).Msg("seeded bom")

	run := &models.ProductionRun{
		ID:        uuid.New().String(),
		Name:      "MO-DEMO-001",
		State:     models.RunDraft,
		BomID:     bom.ID,
		ProductID: bom.ProductID,
		Tracking:  models.TrackingSerial,
		Quantity:  1,
		CreatedAt: time.Now().UTC(),
	}
	run.Moves = []*models.Move{
		{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			Kind:      models.MoveRaw,
			ProductID: bomLine.ProductID,
			Tracking:  bomLine.Tracking,
			BomLineID: bomLine.ID,
			Qty:       bomLine.Qty,
		},
		{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			Kind:      models.MoveFinished,
			ProductID: run.ProductID,
			Tracking:  run.Tracking,
			Qty:       run.Quantity,
		},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed run")
	}
	logger.Info().Str("run", run.ID).Msg("seeded production run")
	logger.Info().Msg("seeding complete")
}
