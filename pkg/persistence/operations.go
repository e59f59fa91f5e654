package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"metabuilder/pkg/proto"
)

// SaveEvaluationReport persists an evaluation result as an immutable report
// record keyed by (run, iteration).
func (s *Store) SaveEvaluationReport(ctx context.Context, result *proto.EvaluationResult) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize evaluation report: %w", err)
	}

	query := `
		INSERT INTO evaluation_reports (
			run_id, iteration, overall_score, passed, tasks_count, duration_ms, report, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		result.RunID, result.Iteration, result.OverallScore, boolToInt(result.Passed),
		len(result.Tasks), result.DurationMS, string(blob), result.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation report for run %s iteration %d: %w",
			result.RunID, result.Iteration, err)
	}
	return nil
}

// ListEvaluationReports returns a run's evaluation history ordered by iteration.
func (s *Store) ListEvaluationReports(ctx context.Context, runID string) ([]*proto.EvaluationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT report FROM evaluation_reports WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluation reports for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var results []*proto.EvaluationResult
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation report row: %w", err)
		}
		var result proto.EvaluationResult
		if err := json.Unmarshal([]byte(blob), &result); err != nil {
			return nil, fmt.Errorf("failed to decode evaluation report: %w", err)
		}
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate evaluation report rows: %w", err)
	}
	return results, nil
}

// InsertChaosEvent records a newly injected chaos event.
func (s *Store) InsertChaosEvent(ctx context.Context, event *proto.ChaosEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize chaos metadata: %w", err)
	}

	query := `
		INSERT INTO chaos_events (
			event_id, chaos_type, run_id, step_id, injected_at, resolved_at,
			duration_seconds, recovery_successful, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.EventID, string(event.ChaosType), event.RunID, event.StepID,
		event.InjectedAt, event.ResolvedAt, nullFloat(event.DurationSeconds),
		nullBool(event.RecoverySuccessful), string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chaos event %s: %w", event.EventID, err)
	}
	return nil
}

// ResolveChaosEvent updates a chaos event's resolution fields.
func (s *Store) ResolveChaosEvent(ctx context.Context, event *proto.ChaosEvent) error {
	query := `
		UPDATE chaos_events SET resolved_at = ?, duration_seconds = ?, recovery_successful = ?
		WHERE event_id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		event.ResolvedAt, nullFloat(event.DurationSeconds),
		nullBool(event.RecoverySuccessful), event.EventID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve chaos event %s: %w", event.EventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check resolution of chaos event %s: %w", event.EventID, err)
	}
	if affected == 0 {
		return fmt.Errorf("chaos event %s: %w", event.EventID, ErrNotFound)
	}
	return nil
}

// ListChaosEvents returns the chaos events of a run ordered by injection time.
func (s *Store) ListChaosEvents(ctx context.Context, runID string) ([]*proto.ChaosEvent, error) {
	query := `
		SELECT event_id, chaos_type, run_id, step_id, injected_at, resolved_at,
		       duration_seconds, recovery_successful, metadata
		FROM chaos_events WHERE run_id = ? ORDER BY injected_at
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chaos events for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*proto.ChaosEvent
	for rows.Next() {
		var event proto.ChaosEvent
		var chaosType, metadata string
		var resolvedAt sql.NullTime
		var duration sql.NullFloat64
		var recovered sql.NullBool

		err := rows.Scan(&event.EventID, &chaosType, &event.RunID, &event.StepID,
			&event.InjectedAt, &resolvedAt, &duration, &recovered, &metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chaos event row: %w", err)
		}

		event.ChaosType = proto.ChaosType(chaosType)
		event.ResolvedAt = timePtr(resolvedAt)
		if duration.Valid {
			event.DurationSeconds = duration.Float64
		}
		if recovered.Valid {
			v := recovered.Bool
			event.RecoverySuccessful = &v
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode chaos metadata: %w", err)
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chaos event rows: %w", err)
	}
	return events, nil
}

// SaveReplayBundle upserts the full bundle snapshot for a run.
func (s *Store) SaveReplayBundle(ctx context.Context, bundle *proto.ReplayBundle) error {
	blob, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to serialize replay bundle: %w", err)
	}

	query := `
		INSERT INTO replay_bundles (bundle_id, run_id, frozen, final_state, bundle, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			frozen = excluded.frozen,
			final_state = excluded.final_state,
			bundle = excluded.bundle
	`
	_, err = s.db.ExecContext(ctx, query,
		bundle.BundleID, bundle.RunID, boolToInt(bundle.Frozen),
		bundle.FinalState, string(blob), bundle.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save replay bundle %s: %w", bundle.BundleID, err)
	}
	return nil
}

// GetReplayBundle fetches a bundle by its ID.
func (s *Store) GetReplayBundle(ctx context.Context, bundleID string) (*proto.ReplayBundle, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT bundle FROM replay_bundles WHERE bundle_id = ?`, bundleID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("replay bundle %s: %w", bundleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load replay bundle %s: %w", bundleID, err)
	}

	var bundle proto.ReplayBundle
	if err := json.Unmarshal([]byte(blob), &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode replay bundle %s: %w", bundleID, err)
	}
	return &bundle, nil
}

// GetReplayBundleByRun fetches the bundle recorded for a run.
func (s *Store) GetReplayBundleByRun(ctx context.Context, runID string) (*proto.ReplayBundle, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT bundle FROM replay_bundles WHERE run_id = ?`, runID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("replay bundle for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load replay bundle for run %s: %w", runID, err)
	}

	var bundle proto.ReplayBundle
	if err := json.Unmarshal([]byte(blob), &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode replay bundle for run %s: %w", runID, err)
	}
	return &bundle, nil
}

// ListReplayBundles returns bundle summaries ordered by creation time.
func (s *Store) ListReplayBundles(ctx context.Context) ([]*proto.ReplayBundle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bundle FROM replay_bundles ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query replay bundles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bundles []*proto.ReplayBundle
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("failed to scan replay bundle row: %w", err)
		}
		var bundle proto.ReplayBundle
		if err := json.Unmarshal([]byte(blob), &bundle); err != nil {
			return nil, fmt.Errorf("failed to decode replay bundle: %w", err)
		}
		bundles = append(bundles, &bundle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate replay bundle rows: %w", err)
	}
	return bundles, nil
}

// AppendAuditEvent records one evaluation or terminal transition.
func (s *Store) AppendAuditEvent(ctx context.Context, event *proto.AuditEvent) error {
	query := `
		INSERT INTO audit_events (run_id, kind, iteration, score, passed, tasks_count, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.RunID, event.Kind, event.Iteration, event.Score,
		boolToInt(event.Passed), event.TasksCount, event.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event for run %s: %w", event.RunID, err)
	}
	return nil
}

// AppendStepEvent records one pipeline step execution for the run timeline.
func (s *Store) AppendStepEvent(ctx context.Context, event *proto.StepEvent) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("failed to serialize step detail: %w", err)
	}
	query := `
		INSERT INTO step_events (run_id, kind, step_id, iteration, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.RunID, event.Kind, event.StepID, event.Iteration, string(detail), event.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append step event for run %s: %w", event.RunID, err)
	}
	return nil
}

// ListStepEvents returns a run's step events ordered by time.
func (s *Store) ListStepEvents(ctx context.Context, runID string) ([]*proto.StepEvent, error) {
	query := `
		SELECT run_id, kind, step_id, iteration, detail, at
		FROM step_events WHERE run_id = ? ORDER BY at, id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step events for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*proto.StepEvent
	for rows.Next() {
		var event proto.StepEvent
		var stepID sql.NullString
		var detail string
		if err := rows.Scan(&event.RunID, &event.Kind, &stepID, &event.Iteration, &detail, &event.At); err != nil {
			return nil, fmt.Errorf("failed to scan step event row: %w", err)
		}
		event.StepID = stepID.String
		if detail != "" && detail != "null" {
			if err := json.Unmarshal([]byte(detail), &event.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode step detail: %w", err)
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step event rows: %w", err)
	}
	return events, nil
}

// BreakerState is one persisted circuit breaker snapshot.
type BreakerState struct {
	FailureClass string     `json:"failure_class"`
	TenantID     string     `json:"tenant_id,omitempty"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SaveBreakerState upserts a circuit breaker snapshot.
func (s *Store) SaveBreakerState(ctx context.Context, failureClass, tenantID, state string, failureCount int, openedAt *time.Time) error {
	var opened sql.NullTime
	if openedAt != nil {
		opened = sql.NullTime{Time: *openedAt, Valid: true}
	}
	query := `
		INSERT INTO circuit_breakers (failure_class, tenant_id, state, failure_count, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(failure_class, tenant_id) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, failureClass, tenantID, state, failureCount, opened)
	if err != nil {
		return fmt.Errorf("failed to save breaker state %s/%s: %w", failureClass, tenantID, err)
	}
	return nil
}

// ListBreakerStates returns every persisted breaker snapshot.
func (s *Store) ListBreakerStates(ctx context.Context) ([]BreakerState, error) {
	query := `
		SELECT failure_class, tenant_id, state, failure_count, opened_at, updated_at
		FROM circuit_breakers ORDER BY failure_class, tenant_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query breaker states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []BreakerState
	for rows.Next() {
		var state BreakerState
		var openedAt sql.NullTime
		if err := rows.Scan(&state.FailureClass, &state.TenantID, &state.State,
			&state.FailureCount, &openedAt, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan breaker state row: %w", err)
		}
		state.OpenedAt = timePtr(openedAt)
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate breaker state rows: %w", err)
	}
	return states, nil
}

func nullFloat(v float64) sql.NullFloat64 {
	if v == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}
