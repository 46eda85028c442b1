package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"flowrunner/internal/common/db"
	"flowrunner/internal/engine/model"
	"flowrunner/internal/engine/sandbox/result"
	appErr "flowrunner/pkg/errors"
)

// MySQLRunLogRepository stores run records in flow_runs.
type MySQLRunLogRepository struct {
	db db.Querier
}

// NewRunLogRepository creates a MySQL-backed RunLogRepository.
func NewRunLogRepository(database db.Querier) *MySQLRunLogRepository {
	return &MySQLRunLogRepository{db: database}
}

const runColumns = "id, project_id, collection_id, flow_version_id, collection_version_id, status, verdict, output, error_message, duration_ms, start_time, finish_time"

// CreateOrUpdate upserts the run keyed by its id.
func (r *MySQLRunLogRepository) CreateOrUpdate(ctx context.Context, run *model.RunRecord, state json.RawMessage) (*model.RunRecord, error) {
	if run == nil {
		return nil, appErr.ValidationError("run", "required")
	}
	if run.ID == "" {
		return nil, appErr.ValidationError("run_id", "required")
	}
	var output []byte
	if run.Output != nil {
		encoded, err := json.Marshal(run.Output)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "encode run output failed")
		}
		output = encoded
	}
	var stateArg interface{}
	if len(state) > 0 {
		stateArg = []byte(state)
	}

	query := `
		INSERT INTO flow_runs
		(` + runColumns + `, execution_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			verdict = VALUES(verdict),
			output = VALUES(output),
			error_message = VALUES(error_message),
			duration_ms = VALUES(duration_ms),
			finish_time = VALUES(finish_time),
			execution_state = COALESCE(VALUES(execution_state), execution_state)
	`
	if _, err := r.db.Exec(ctx, query,
		run.ID,
		run.ProjectID,
		run.CollectionID,
		run.FlowVersionID,
		run.CollectionVersionID,
		string(run.Status),
		string(run.Verdict),
		output,
		run.ErrorMessage,
		run.DurationMs,
		run.StartTime,
		run.FinishTime,
		stateArg,
	); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "upsert run %s failed", run.ID)
	}
	saved := *run
	return &saved, nil
}

// GetByID loads a run record.
func (r *MySQLRunLogRepository) GetByID(ctx context.Context, id string) (*model.RunRecord, error) {
	if id == "" {
		return nil, appErr.ValidationError("run_id", "required")
	}
	query := "SELECT " + runColumns + " FROM flow_runs WHERE id = ? LIMIT 1"
	run := &model.RunRecord{}
	var status, verdict string
	var output []byte
	var finish sql.NullTime
	if err := r.db.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.ProjectID,
		&run.CollectionID,
		&run.FlowVersionID,
		&run.CollectionVersionID,
		&status,
		&verdict,
		&output,
		&run.ErrorMessage,
		&run.DurationMs,
		&run.StartTime,
		&finish,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.Newf(appErr.RunNotFound, "run %s not found", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query run failed")
	}
	run.Status = result.ExecutionStatus(status)
	run.Verdict = result.Verdict(verdict)
	if len(output) > 0 {
		run.Output = result.ParseOutput(output)
	}
	if finish.Valid {
		t := finish.Time
		run.FinishTime = &t
	}
	return run, nil
}
