package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"raidline/internal/domain"
)

const taskColumns = `id,title,spec_path,project,zone,status,assignee,creator,progress,files_json,activity_count,result_path,assignable,created_at,updated_at,closed_at`

// TaskFilters narrows ListTasks. Empty Statuses means no status filter.
type TaskFilters struct {
	Statuses []string
	Assignee string
	Project  string
	Zone     string
	Limit    int
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var assignee, progress, files, result, closed sql.NullString
	var assignable int
	err := row.Scan(&t.ID, &t.Title, &t.SpecPath, &t.Project, &t.Zone, &t.Status, &assignee, &t.Creator, &progress,
		&files, &t.ActivityCount, &result, &assignable, &t.CreatedAt, &t.UpdatedAt, &closed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Assignee = strPtr(assignee)
	t.Progress = progress.String
	t.ResultPath = strPtr(result)
	t.ClosedAt = strPtr(closed)
	t.Assignable = assignable == 1
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &t.Files); err != nil {
			return t, err
		}
	}
	return t, nil
}

func marshalFiles(files []string) (any, error) {
	if len(files) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(files)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) InsertTask(ctx context.Context, q DBTX, t domain.Task) error {
	files, err := marshalFiles(t.Files)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.SpecPath, t.Project, t.Zone, t.Status, nullablePtr(t.Assignee), t.Creator, nullable(t.Progress),
		files, t.ActivityCount, nullablePtr(t.ResultPath), boolInt(t.Assignable), t.CreatedAt, t.UpdatedAt, nullablePtr(t.ClosedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, q DBTX, t domain.Task) error {
	files, err := marshalFiles(t.Files)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE tasks SET title=?, status=?, assignee=?, progress=?, files_json=?, activity_count=?, result_path=?, assignable=?, updated_at=?, closed_at=? WHERE id=?`,
		t.Title, t.Status, nullablePtr(t.Assignee), nullable(t.Progress), files, t.ActivityCount, nullablePtr(t.ResultPath),
		boolInt(t.Assignable), t.UpdatedAt, nullablePtr(t.ClosedAt), t.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) GetTask(ctx context.Context, q DBTX, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, q, id)
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, q DBTX, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, stringArgs(f.Statuses)...)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.Project != "" {
		clauses = append(clauses, "project=?")
		args = append(args, f.Project)
	}
	if f.Zone != "" {
		clauses = append(clauses, "zone=?")
		args = append(args, f.Zone)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.ListTaskDependencies(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) AddDependencies(ctx context.Context, q DBTX, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(task_id,depends_on) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, q DBTX, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id=? ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UnmetDependencies lists dependencies of taskID that are not closed.
func (r Repo) UnmetDependencies(ctx context.Context, q DBTX, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT d.depends_on FROM task_dependencies d
JOIN tasks t ON t.id=d.depends_on
WHERE d.task_id=? AND t.status<>'closed' ORDER BY d.depends_on`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// MissingTasks returns the ids that do not exist.
func (r Repo) MissingTasks(ctx context.Context, q DBTX, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		var n int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id=?`, id).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// SetAssignable flips the assignable gate on every task in statuses.
func (r Repo) SetAssignable(ctx context.Context, q DBTX, statuses []string, assignable bool, now string) (int64, error) {
	args := []any{boolInt(assignable), now}
	args = append(args, stringArgs(statuses)...)
	res, err := q.ExecContext(ctx, `UPDATE tasks SET assignable=?, updated_at=? WHERE status IN (`+placeholders(len(statuses))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AssignmentsFrozen reports whether an emergency freeze is in force.
func (r Repo) AssignmentsFrozen(ctx context.Context, q DBTX) (bool, error) {
	var frozen int
	err := q.QueryRowContext(ctx, `SELECT frozen FROM assignment_gate WHERE id=1`).Scan(&frozen)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return frozen != 0, err
}

func (r Repo) SetAssignmentsFrozen(ctx context.Context, q DBTX, frozen bool, trigger, now string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO assignment_gate(id,frozen,trigger,changed_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET frozen=excluded.frozen, trigger=excluded.trigger, changed_at=excluded.changed_at`,
		boolInt(frozen), nullable(trigger), now)
	return err
}

func (r Repo) CountTasks(ctx context.Context, q DBTX, statuses []string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status IN (`+placeholders(len(statuses))+`)`, stringArgs(statuses)...).Scan(&n)
	return n, err
}
