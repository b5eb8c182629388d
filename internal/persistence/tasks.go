package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusAbandoned TaskStatus = "abandoned"
)

// Task is one row of the task queue. ClaimedBy/ClaimedAt are set together on
// claim and cleared together on abandon; done/abandoned rows keep them for
// audit.
type Task struct {
	ID         string          `json:"id"`
	CreatedAt  float64         `json:"created_at"`
	UpdatedAt  float64         `json:"updated_at"`
	CreatedBy  string          `json:"created_by"`
	AssignedTo string          `json:"assigned_to,omitempty"`
	ClaimedBy  string          `json:"claimed_by,omitempty"`
	ClaimedAt  *float64        `json:"claimed_at,omitempty"`
	Status     TaskStatus      `json:"status"`
	Title      string          `json:"title"`
	Context    json.RawMessage `json:"context"`
	Result     json.RawMessage `json:"result,omitempty"`
	Files      []string        `json:"files"`
	Ch         string          `json:"ch"`
}

const taskColumns = `id, created_at, updated_at, created_by, COALESCE(assigned_to, ''),
	COALESCE(claimed_by, ''), claimed_at, status, title, context, result, files, ch`

// InsertTask creates a new open task row.
func (s *Store) InsertTask(ctx context.Context, t Task) error {
	files, err := json.Marshal(t.Files)
	if err != nil {
		return fmt.Errorf("marshal task files: %w", err)
	}
	taskCtx := t.Context
	if len(taskCtx) == 0 {
		taskCtx = json.RawMessage(`{}`)
	}
	var assigned any
	if t.AssignedTo != "" {
		assigned = t.AssignedTo
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, created_at, updated_at, created_by, assigned_to, status, title, context, files, ch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.CreatedAt, t.UpdatedAt, t.CreatedBy, assigned, t.Status, t.Title, string(taskCtx), string(files), t.Ch)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// GetTask fetches one task. Returns ErrNotFound when the id is unknown.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks filters by status and/or by agent, where an agent matches when it
// is either the assignee or the claimant. Newest first.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus, agent string) ([]Task, error) {
	sqlq := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		conds []string
		args  []any
	)
	if status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, status)
	}
	if agent != "" {
		conds = append(conds, `(assigned_to = ? OR claimed_by = ?)`)
		args = append(args, agent, agent)
	}
	for i, c := range conds {
		if i == 0 {
			sqlq += ` WHERE ` + c
		} else {
			sqlq += ` AND ` + c
		}
	}
	sqlq += ` ORDER BY created_at DESC;`

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ClaimTask is the claim primitive: only the UPDATE that still observes
// status='open' mutates the row; every concurrent loser is a no-op. The
// returned count says whether this caller's UPDATE won.
func (s *Store) ClaimTask(ctx context.Context, id, agent string, now float64) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, TaskStatusClaimed, agent, now, now, id, TaskStatusOpen)
		if err != nil {
			return fmt.Errorf("claim task %s: %w", id, err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// CompleteTask moves a claimed task to done, recording result and files.
// Guarded on the claimant so a stale caller cannot complete a re-claimed row.
func (s *Store) CompleteTask(ctx context.Context, id, agent string, result json.RawMessage, files []string, now float64) error {
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal done files: %w", err)
	}
	var res any
	if len(result) > 0 {
		res = string(result)
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, files = ?, updated_at = ?
			WHERE id = ? AND status = ? AND claimed_by = ?;
		`, TaskStatusDone, res, string(filesJSON), now, id, TaskStatusClaimed, agent)
		if err != nil {
			return fmt.Errorf("complete task %s: %w", id, err)
		}
		return nil
	})
}

// AbandonTask releases a claimed task back to open, clearing the claim pair.
func (s *Store) AbandonTask(ctx context.Context, id, agent string, now float64) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND claimed_by = ?;
		`, TaskStatusOpen, now, id, TaskStatusClaimed, agent)
		if err != nil {
			return fmt.Errorf("abandon task %s: %w", id, err)
		}
		return nil
	})
}

// TouchTask bumps updated_at and nothing else. Progress notes are log events,
// not column updates.
func (s *Store) TouchTask(ctx context.Context, id string, now float64) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?;`, now, id)
		if err != nil {
			return fmt.Errorf("touch task %s: %w", id, err)
		}
		return nil
	})
}

// TaskCounts returns the row count per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	out := map[TaskStatus]int64{}
	for rows.Next() {
		var (
			status TaskStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task count rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t         Task
		claimedAt sql.NullFloat64
		taskCtx   string
		result    sql.NullString
		files     string
	)
	if err := row.Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt, &t.CreatedBy, &t.AssignedTo,
		&t.ClaimedBy, &claimedAt, &t.Status, &t.Title, &taskCtx, &result, &files, &t.Ch); err != nil {
		return Task{}, err
	}
	if claimedAt.Valid {
		v := claimedAt.Float64
		t.ClaimedAt = &v
	}
	t.Context = json.RawMessage(taskCtx)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if err := json.Unmarshal([]byte(files), &t.Files); err != nil {
		return Task{}, fmt.Errorf("decode task files: %w", err)
	}
	if t.Files == nil {
		t.Files = []string{}
	}
	return t, nil
}
