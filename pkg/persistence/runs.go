package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"metabuilder/pkg/proto"
)

// CreateRun inserts a new run record.
func (s *Store) CreateRun(ctx context.Context, run *proto.Run) error {
	query := `
		INSERT INTO runs (
			id, tenant_id, spec_id, plan_id, status, iteration, max_iterations,
			hardened, error_code, error_message, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.TenantID, run.SpecID, run.PlanID, string(run.Status),
		run.Iteration, run.MaxIterations, boolToInt(run.Hardened),
		run.ErrorCode, run.ErrorMessage, run.CreatedAt, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun persists the mutable fields of a run.
func (s *Store) UpdateRun(ctx context.Context, run *proto.Run) error {
	query := `
		UPDATE runs SET
			plan_id = ?, status = ?, iteration = ?, hardened = ?, error_code = ?,
			error_message = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		run.PlanID, string(run.Status), run.Iteration, boolToInt(run.Hardened),
		run.ErrorCode, run.ErrorMessage, run.StartedAt, run.CompletedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of run %s: %w", run.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// SetRunHardened flips the hardened flag for a run that has not reached a
// terminal state. Returns false without touching the row when the run is
// already terminal, so a concurrent finalization can never be overwritten.
func (s *Store) SetRunHardened(ctx context.Context, runID string) (bool, error) {
	query := `UPDATE runs SET hardened = 1 WHERE id = ? AND status NOT IN (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, runID,
		string(proto.RunSucceeded), string(proto.RunFailed), string(proto.RunCanceled))
	if err != nil {
		return false, fmt.Errorf("failed to promote run %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check promotion of run %s: %w", runID, err)
	}
	return affected > 0, nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*proto.Run, error) {
	query := `
		SELECT id, tenant_id, spec_id, plan_id, status, iteration, max_iterations,
		       hardened, error_code, error_message, created_at, started_at, completed_at
		FROM runs WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return run, nil
}

// ListRunsByTenant returns runs for a tenant ordered by creation time.
func (s *Store) ListRunsByTenant(ctx context.Context, tenantID string) ([]*proto.Run, error) {
	query := `
		SELECT id, tenant_id, spec_id, plan_id, status, iteration, max_iterations,
		       hardened, error_code, error_message, created_at, started_at, completed_at
		FROM runs WHERE tenant_id = ? ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for tenant %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*proto.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run rows: %w", err)
	}
	return runs, nil
}

// CountRunsByStatus returns run counts grouped by status.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[proto.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[proto.RunStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan run count row: %w", err)
		}
		counts[proto.RunStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run count rows: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*proto.Run, error) {
	var run proto.Run
	var status string
	var planID, errorCode, errorMessage sql.NullString
	var hardened int
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.TenantID, &run.SpecID, &planID, &status, &run.Iteration,
		&run.MaxIterations, &hardened, &errorCode, &errorMessage,
		&run.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = proto.RunStatus(status)
	run.PlanID = planID.String
	run.ErrorCode = errorCode.String
	run.ErrorMessage = errorMessage.String
	run.Hardened = hardened != 0
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
