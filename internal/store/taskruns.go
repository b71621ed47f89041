package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// RecordTaskRunEvent materializes one task-run event in a single
// transaction:
//
//  1. Upsert the task run. Descriptive fields of an existing row are only
//     overwritten when the event is newer than the row's current state,
//     and only the columns the event carries. Attributes are merged into
//     the stored bag as a JSON merge patch, so keys the event leaves out
//     survive and a null value removes a key.
//  2. Insert the state row unless its id is already present.
//  3. Point the task run at the new state if it is newer than the current one.
//
// Each step is idempotent and guarded by the state timestamp, so redelivery
// and reordering converge on the same rows and never move state_timestamp
// backwards.
func (s *Store) RecordTaskRunEvent(ctx context.Context, rec TaskRunEvent) error {
	run, state := rec.TaskRun, rec.State

	tags, err := marshalStrings(run.Tags)
	if err != nil {
		return fmt.Errorf("record task run event: %w", err)
	}
	attrs, err := marshalObject(run.Attributes)
	if err != nil {
		return fmt.Errorf("record task run event: %w", err)
	}
	details, err := marshalObject(state.StateDetails)
	if err != nil {
		return fmt.Errorf("record task run event: %w", err)
	}

	now := s.timestamp()
	stateTS := formatTime(state.Timestamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_runs
		(id, flow_run_id, name, task_key, dynamic_key, tags, attributes, created, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			flow_run_id = COALESCE(excluded.flow_run_id, task_runs.flow_run_id),
			name = CASE WHEN ? THEN excluded.name ELSE task_runs.name END,
			task_key = CASE WHEN ? THEN excluded.task_key ELSE task_runs.task_key END,
			dynamic_key = CASE WHEN ? THEN excluded.dynamic_key ELSE task_runs.dynamic_key END,
			tags = CASE WHEN ? THEN excluded.tags ELSE task_runs.tags END,
			attributes = json_patch(task_runs.attributes, excluded.attributes),
			updated = excluded.updated
		WHERE task_runs.state_timestamp IS NULL OR task_runs.state_timestamp < ?
	`,
		run.ID.String(),
		nullUUID(run.FlowRunID),
		run.Name,
		run.TaskKey,
		run.DynamicKey,
		tags,
		attrs,
		now,
		now,
		rec.Carries(ColumnName),
		rec.Carries(ColumnTaskKey),
		rec.Carries(ColumnDynamicKey),
		rec.Carries(ColumnTags),
		stateTS,
	)
	if err != nil {
		return fmt.Errorf("upsert task run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_run_states
		(id, task_run_id, type, name, message, timestamp, state_details, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		state.ID.String(),
		run.ID.String(),
		state.Type,
		state.Name,
		state.Message,
		stateTS,
		details,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert task run state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE task_runs
		SET state_id = ?, state_type = ?, state_name = ?, state_timestamp = ?, updated = ?
		WHERE id = ? AND (state_timestamp IS NULL OR state_timestamp < ?)
	`,
		state.ID.String(),
		state.Type,
		state.Name,
		stateTS,
		now,
		run.ID.String(),
		stateTS,
	)
	if err != nil {
		return fmt.Errorf("update task run state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task run event: %w", err)
	}
	return nil
}

// ReadTaskRun returns the task run with the given id, or ErrNotFound.
func (s *Store) ReadTaskRun(ctx context.Context, id uuid.UUID) (TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_run_id, name, task_key, dynamic_key, tags, attributes,
		       state_id, state_type, state_name, state_timestamp, created, updated
		FROM task_runs
		WHERE id = ?
	`, id.String())

	run, err := scanTaskRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRun{}, fmt.Errorf("task run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return TaskRun{}, fmt.Errorf("read task run: %w", err)
	}
	return run, nil
}

// ListTaskRunStates returns the states recorded for a task run, ordered by
// timestamp ASC, id ASC. Returns an empty slice (not nil) if there are none.
func (s *Store) ListTaskRunStates(ctx context.Context, taskRunID uuid.UUID) ([]TaskRunState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_run_id, type, name, message, timestamp, state_details, created
		FROM task_run_states
		WHERE task_run_id = ?
		ORDER BY timestamp ASC, id ASC
	`, taskRunID.String())
	if err != nil {
		return nil, fmt.Errorf("query task run states: %w", err)
	}
	defer rows.Close()

	states := []TaskRunState{}
	for rows.Next() {
		var (
			st                       TaskRunState
			id, runID                string
			ts, details, createdText string
		)
		if err := rows.Scan(&id, &runID, &st.Type, &st.Name, &st.Message, &ts, &details, &createdText); err != nil {
			return nil, fmt.Errorf("scan task run state: %w", err)
		}
		if st.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan task run state: %w", err)
		}
		if st.TaskRunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("scan task run state: %w", err)
		}
		if st.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if st.StateDetails, err = unmarshalObject(details); err != nil {
			return nil, err
		}
		if st.Created, err = parseTime(createdText); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task run states: %w", err)
	}
	return states, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRun(row rowScanner) (TaskRun, error) {
	var (
		run                      TaskRun
		id                       string
		flowRunID, stateID       sql.NullString
		stateType, stateName     sql.NullString
		stateTS                  sql.NullString
		tags, attrs              string
		createdText, updatedText string
	)
	err := row.Scan(&id, &flowRunID, &run.Name, &run.TaskKey, &run.DynamicKey, &tags, &attrs,
		&stateID, &stateType, &stateName, &stateTS, &createdText, &updatedText)
	if err != nil {
		return TaskRun{}, err
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return TaskRun{}, err
	}
	if run.FlowRunID, err = parseNullUUID(flowRunID); err != nil {
		return TaskRun{}, err
	}
	if run.StateID, err = parseNullUUID(stateID); err != nil {
		return TaskRun{}, err
	}
	if run.StateTimestamp, err = parseNullTime(stateTS); err != nil {
		return TaskRun{}, err
	}
	if run.Tags, err = unmarshalStrings(tags); err != nil {
		return TaskRun{}, err
	}
	if run.Attributes, err = unmarshalObject(attrs); err != nil {
		return TaskRun{}, err
	}
	if run.Created, err = parseTime(createdText); err != nil {
		return TaskRun{}, err
	}
	if run.Updated, err = parseTime(updatedText); err != nil {
		return TaskRun{}, err
	}
	run.StateType = stateType.String
	run.StateName = stateName.String
	return run, nil
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseNullUUID(ns sql.NullString) (*uuid.UUID, error) {
	if !ns.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
