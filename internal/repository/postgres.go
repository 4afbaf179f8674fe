package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	// database/sql driver for the migration runner
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pico-mes/pico-mrp/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is the PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migration: %w", err)
	}
	defer db.Close()

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// FindWorkflowByPicoID loads a workflow aggregate by its external id.
func (s *PostgresStore) FindWorkflowByPicoID(ctx context.Context, picoID string) (*models.Workflow, error) {
	return s.loadWorkflow(ctx, "pico_id", picoID)
}

// GetWorkflow loads a workflow aggregate by its local id.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return s.loadWorkflow(ctx, "id", id)
}

func (s *PostgresStore) loadWorkflow(ctx context.Context, column, value string) (*models.Workflow, error) {
	var wf models.Workflow
	query := fmt.Sprintf(
		"SELECT id, pico_id, name, active, created_at, updated_at FROM workflows WHERE %s = $1", column)
	err := s.db.QueryRow(ctx, query, value).
		Scan(&wf.ID, &wf.PicoID, &wf.Name, &wf.Active, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadWorkflowChildren(ctx, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *PostgresStore) loadWorkflowChildren(ctx context.Context, wf *models.Workflow) error {
	rows, err := s.db.Query(ctx,
		"SELECT id, workflow_id, pico_id, active FROM workflow_versions WHERE workflow_id = $1 ORDER BY pico_id", wf.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var v models.Version
		if err := rows.Scan(&v.ID, &v.WorkflowID, &v.PicoID, &v.Active); err != nil {
			return err
		}
		wf.Versions = append(wf.Versions, &v)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	procRows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, pico_id, name, sequence, active, producing_process_id
		 FROM workflow_processes WHERE workflow_id = $1 ORDER BY sequence`, wf.ID)
	if err != nil {
		return err
	}
	defer procRows.Close()
	byID := make(map[string]*models.Process)
	for procRows.Next() {
		var p models.Process
		if err := procRows.Scan(&p.ID, &p.WorkflowID, &p.PicoID, &p.Name, &p.Sequence, &p.Active, &p.ProducingProcessID); err != nil {
			return err
		}
		wf.Processes = append(wf.Processes, &p)
		byID[p.ID] = &p
	}
	if err := procRows.Err(); err != nil {
		return err
	}

	attrRows, err := s.db.Query(ctx,
		`SELECT a.id, a.process_id, a.pico_id, a.name, a.type, a.active
		 FROM process_attributes a
		 JOIN workflow_processes p ON p.id = a.process_id
		 WHERE p.workflow_id = $1 ORDER BY a.pico_id`, wf.ID)
	if err != nil {
		return err
	}
	defer attrRows.Close()
	for attrRows.Next() {
		var a models.Attribute
		if err := attrRows.Scan(&a.ID, &a.ProcessID, &a.PicoID, &a.Name, &a.Type, &a.Active); err != nil {
			return err
		}
		if p, ok := byID[a.ProcessID]; ok {
			p.Attributes = append(p.Attributes, &a)
		}
	}
	return attrRows.Err()
}

// ListWorkflows loads all workflow aggregates.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, pico_id, name, active, created_at, updated_at FROM workflows ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		var wf models.Workflow
		if err := rows.Scan(&wf.ID, &wf.PicoID, &wf.Name, &wf.Active, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, wf := range out {
		if err := s.loadWorkflowChildren(ctx, wf); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SaveWorkflow atomically upserts the whole aggregate within one
// transaction. Attributes removed from a process are deleted; versions and
// processes are only ever upserted (archive, not delete).
func (s *PostgresStore) SaveWorkflow(ctx context.Context, wf *models.Workflow) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO workflows (id, pico_id, name, active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name, active = EXCLUDED.active, updated_at = now()`,
		wf.ID, wf.PicoID, wf.Name, wf.Active)
	if err != nil {
		return err
	}

	for _, v := range wf.Versions {
		_, err = tx.Exec(ctx,
			`INSERT INTO workflow_versions (id, workflow_id, pico_id, active)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active`,
			v.ID, wf.ID, v.PicoID, v.Active)
		if err != nil {
			return err
		}
	}

	for _, p := range wf.Processes {
		_, err = tx.Exec(ctx,
			`INSERT INTO workflow_processes (id, workflow_id, pico_id, name, sequence, active, producing_process_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE
			 SET name = EXCLUDED.name, sequence = EXCLUDED.sequence,
			     active = EXCLUDED.active, producing_process_id = EXCLUDED.producing_process_id`,
			p.ID, wf.ID, p.PicoID, p.Name, p.Sequence, p.Active, p.ProducingProcessID)
		if err != nil {
			return err
		}

		attrIDs := make([]string, 0, len(p.Attributes))
		for _, a := range p.Attributes {
			attrIDs = append(attrIDs, a.ID)
			_, err = tx.Exec(ctx,
				`INSERT INTO process_attributes (id, process_id, pico_id, name, type, active)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (id) DO UPDATE
				 SET name = EXCLUDED.name, type = EXCLUDED.type, active = EXCLUDED.active`,
				a.ID, p.ID, a.PicoID, a.Name, a.Type, a.Active)
			if err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx,
			"DELETE FROM process_attributes WHERE process_id = $1 AND NOT (id::text = ANY($2))",
			p.ID, attrIDs)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetBom loads a recipe by id.
func (s *PostgresStore) GetBom(ctx context.Context, id string) (*models.Bom, error) {
	var bom models.Bom
	err := s.db.QueryRow(ctx,
		"SELECT id, product_id, workflow_id, process_id, needs_attention FROM boms WHERE id = $1", id).
		Scan(&bom.ID, &bom.ProductID, &bom.WorkflowID, &bom.ProcessID, &bom.NeedsAttention)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadBomLines(ctx, &bom); err != nil {
		return nil, err
	}
	return &bom, nil
}

func (s *PostgresStore) loadBomLines(ctx context.Context, bom *models.Bom) error {
	rows, err := s.db.Query(ctx,
		`SELECT id, bom_id, product_id, tracking, qty, process_id, attribute_id
		 FROM bom_lines WHERE bom_id = $1`, bom.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var l models.BomLine
		if err := rows.Scan(&l.ID, &l.BomID, &l.ProductID, &l.Tracking, &l.Qty, &l.ProcessID, &l.AttributeID); err != nil {
			return err
		}
		bom.Lines = append(bom.Lines, &l)
	}
	return rows.Err()
}

// ListBomsByWorkflow loads every recipe bound to a workflow.
func (s *PostgresStore) ListBomsByWorkflow(ctx context.Context, workflowID string) ([]*models.Bom, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, product_id, workflow_id, process_id, needs_attention FROM boms WHERE workflow_id = $1", workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Bom
	for rows.Next() {
		var bom models.Bom
		if err := rows.Scan(&bom.ID, &bom.ProductID, &bom.WorkflowID, &bom.ProcessID, &bom.NeedsAttention); err != nil {
			return nil, err
		}
		out = append(out, &bom)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, bom := range out {
		if err := s.loadBomLines(ctx, bom); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SaveBom upserts a recipe and its lines.
func (s *PostgresStore) SaveBom(ctx context.Context, bom *models.Bom) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO boms (id, product_id, workflow_id, process_id, needs_attention)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET process_id = EXCLUDED.process_id, needs_attention = EXCLUDED.needs_attention`,
		bom.ID, bom.ProductID, bom.WorkflowID, bom.ProcessID, bom.NeedsAttention)
	if err != nil {
		return err
	}

	lineIDs := make([]string, 0, len(bom.Lines))
	for _, l := range bom.Lines {
		lineIDs = append(lineIDs, l.ID)
		_, err = tx.Exec(ctx,
			`INSERT INTO bom_lines (id, bom_id, product_id, tracking, qty, process_id, attribute_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE
			 SET tracking = EXCLUDED.tracking, qty = EXCLUDED.qty,
			     process_id = EXCLUDED.process_id, attribute_id = EXCLUDED.attribute_id`,
			l.ID, bom.ID, l.ProductID, l.Tracking, l.Qty, l.ProcessID, l.AttributeID)
		if err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx,
		"DELETE FROM bom_lines WHERE bom_id = $1 AND NOT (id::text = ANY($2))", bom.ID, lineIDs)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetRun loads a production run aggregate by id.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.ProductionRun, error) {
	var run models.ProductionRun
	err := s.db.QueryRow(ctx,
		`SELECT id, name, state, bom_id, product_id, tracking, quantity, qty_produced, version_pico_id, created_at, updated_at
		 FROM production_runs WHERE id = $1`, id).
		Scan(&run.ID, &run.Name, &run.State, &run.BomID, &run.ProductID, &run.Tracking,
			&run.Quantity, &run.QtyProduced, &run.VersionPicoID, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadRunChildren(ctx, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// FindRunByWorkOrderPicoID resolves the run owning a remote work order.
func (s *PostgresStore) FindRunByWorkOrderPicoID(ctx context.Context, picoID string) (*models.ProductionRun, error) {
	var runID string
	err := s.db.QueryRow(ctx,
		"SELECT run_id FROM work_orders WHERE pico_id = $1 LIMIT 1", picoID).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, runID)
}

func (s *PostgresStore) loadRunChildren(ctx context.Context, run *models.ProductionRun) error {
	woRows, err := s.db.Query(ctx,
		`SELECT id, run_id, process_id, pico_id, state, consumed, started_at, completed_at,
		        cycle_time, build_url, has_build_url, process_version
		 FROM work_orders WHERE run_id = $1 ORDER BY id`, run.ID)
	if err != nil {
		return err
	}
	defer woRows.Close()
	byID := make(map[string]*models.WorkOrder)
	for woRows.Next() {
		var wo models.WorkOrder
		if err := woRows.Scan(&wo.ID, &wo.RunID, &wo.ProcessID, &wo.PicoID, &wo.State, &wo.Consumed,
			&wo.StartedAt, &wo.CompletedAt, &wo.CycleTime, &wo.BuildURL, &wo.HasBuildURL, &wo.ProcessVersion); err != nil {
			return err
		}
		run.WorkOrders = append(run.WorkOrders, &wo)
		byID[wo.ID] = &wo
	}
	if err := woRows.Err(); err != nil {
		return err
	}

	valRows, err := s.db.Query(ctx,
		`SELECT v.id, v.work_order_id, v.attribute_id, v.value
		 FROM work_order_values v
		 JOIN work_orders wo ON wo.id = v.work_order_id
		 WHERE wo.run_id = $1`, run.ID)
	if err != nil {
		return err
	}
	defer valRows.Close()
	for valRows.Next() {
		var v models.AttrValue
		if err := valRows.Scan(&v.ID, &v.WorkOrderID, &v.AttributeID, &v.Value); err != nil {
			return err
		}
		if wo, ok := byID[v.WorkOrderID]; ok {
			wo.Values = append(wo.Values, &v)
		}
	}
	if err := valRows.Err(); err != nil {
		return err
	}

	moveRows, err := s.db.Query(ctx,
		`SELECT id, run_id, kind, product_id, tracking, bom_line_id, qty
		 FROM moves WHERE run_id = $1 ORDER BY id`, run.ID)
	if err != nil {
		return err
	}
	defer moveRows.Close()
	movesByID := make(map[string]*models.Move)
	for moveRows.Next() {
		var m models.Move
		if err := moveRows.Scan(&m.ID, &m.RunID, &m.Kind, &m.ProductID, &m.Tracking, &m.BomLineID, &m.Qty); err != nil {
			return err
		}
		run.Moves = append(run.Moves, &m)
		movesByID[m.ID] = &m
	}
	if err := moveRows.Err(); err != nil {
		return err
	}

	lineRows, err := s.db.Query(ctx,
		`SELECT l.id, l.move_id, l.lot_id, l.qty, l.qty_done
		 FROM move_lines l
		 JOIN moves m ON m.id = l.move_id
		 WHERE m.run_id = $1`, run.ID)
	if err != nil {
		return err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var l models.MoveLine
		if err := lineRows.Scan(&l.ID, &l.MoveID, &l.LotID, &l.Qty, &l.QtyDone); err != nil {
			return err
		}
		if m, ok := movesByID[l.MoveID]; ok {
			m.Lines = append(m.Lines, &l)
		}
	}
	return lineRows.Err()
}

// SaveRun atomically upserts the whole run aggregate. Work orders absent
// from the aggregate are deleted; run cancellation removes them locally.
func (s *PostgresStore) SaveRun(ctx context.Context, run *models.ProductionRun) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO production_runs (id, name, state, bom_id, product_id, tracking, quantity, qty_produced, version_pico_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE
		 SET state = EXCLUDED.state, quantity = EXCLUDED.quantity,
		     qty_produced = EXCLUDED.qty_produced, version_pico_id = EXCLUDED.version_pico_id,
		     updated_at = now()`,
		run.ID, run.Name, run.State, run.BomID, run.ProductID, run.Tracking,
		run.Quantity, run.QtyProduced, run.VersionPicoID)
	if err != nil {
		return err
	}

	woIDs := make([]string, 0, len(run.WorkOrders))
	for _, wo := range run.WorkOrders {
		woIDs = append(woIDs, wo.ID)
		_, err = tx.Exec(ctx,
			`INSERT INTO work_orders (id, run_id, process_id, pico_id, state, consumed, started_at, completed_at,
			                          cycle_time, build_url, has_build_url, process_version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (id) DO UPDATE
			 SET pico_id = EXCLUDED.pico_id, state = EXCLUDED.state, consumed = EXCLUDED.consumed,
			     started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
			     cycle_time = EXCLUDED.cycle_time, build_url = EXCLUDED.build_url,
			     has_build_url = EXCLUDED.has_build_url, process_version = EXCLUDED.process_version`,
			wo.ID, run.ID, wo.ProcessID, wo.PicoID, wo.State, wo.Consumed, wo.StartedAt, wo.CompletedAt,
			wo.CycleTime, wo.BuildURL, wo.HasBuildURL, wo.ProcessVersion)
		if err != nil {
			return err
		}

		// full replace keeps redelivered value sets consistent
		_, err = tx.Exec(ctx, "DELETE FROM work_order_values WHERE work_order_id = $1", wo.ID)
		if err != nil {
			return err
		}
		for _, v := range wo.Values {
			_, err = tx.Exec(ctx,
				"INSERT INTO work_order_values (id, work_order_id, attribute_id, value) VALUES ($1, $2, $3, $4)",
				v.ID, wo.ID, v.AttributeID, v.Value)
			if err != nil {
				return err
			}
		}
	}
	_, err = tx.Exec(ctx,
		"DELETE FROM work_orders WHERE run_id = $1 AND NOT (id::text = ANY($2))", run.ID, woIDs)
	if err != nil {
		return err
	}

	for _, m := range run.Moves {
		_, err = tx.Exec(ctx,
			`INSERT INTO moves (id, run_id, kind, product_id, tracking, bom_line_id, qty)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET qty = EXCLUDED.qty`,
			m.ID, run.ID, m.Kind, m.ProductID, m.Tracking, m.BomLineID, m.Qty)
		if err != nil {
			return err
		}
		for _, l := range m.Lines {
			_, err = tx.Exec(ctx,
				`INSERT INTO move_lines (id, move_id, lot_id, qty, qty_done)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (id) DO UPDATE
				 SET lot_id = EXCLUDED.lot_id, qty = EXCLUDED.qty, qty_done = EXCLUDED.qty_done`,
				l.ID, m.ID, l.LotID, l.Qty, l.QtyDone)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

// FindOrCreateLot resolves a lot by product and name, creating it if absent.
func (s *PostgresStore) FindOrCreateLot(ctx context.Context, productID, name string) (*models.Lot, error) {
	var lot models.Lot
	err := s.db.QueryRow(ctx,
		"SELECT id, product_id, name, created_at FROM lots WHERE product_id = $1 AND name = $2",
		productID, name).
		Scan(&lot.ID, &lot.ProductID, &lot.Name, &lot.CreatedAt)
	if err == nil {
		return &lot, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	err = s.db.QueryRow(ctx,
		`INSERT INTO lots (id, product_id, name)
		 VALUES (gen_random_uuid(), $1, $2)
		 ON CONFLICT (product_id, name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, product_id, name, created_at`,
		productID, name).
		Scan(&lot.ID, &lot.ProductID, &lot.Name, &lot.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &lot, nil
}
