package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"raidline/internal/domain"
)

const planColumns = `id,author,body,status,project,zone,created_at,updated_at`

func scanPlan(row rowScanner) (domain.BattlePlan, error) {
	var p domain.BattlePlan
	err := row.Scan(&p.ID, &p.Author, &p.Body, &p.Status, &p.Project, &p.Zone, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertPlan(ctx context.Context, q DBTX, p domain.BattlePlan) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO battle_plans(author,body,status,project,zone,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.Author, p.Body, p.Status, p.Project, p.Zone, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetPlan(ctx context.Context, q DBTX, id int64) (domain.BattlePlan, error) {
	return scanPlan(q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM battle_plans WHERE id=?`, id))
}

// ActivePlan returns the active plan for exactly (project, zone).
func (r Repo) ActivePlan(ctx context.Context, q DBTX, project, zone string) (domain.BattlePlan, error) {
	return scanPlan(q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM battle_plans WHERE status='active' AND project=? AND zone=?`, project, zone))
}

// PlanFilters narrows ListPlans; nil scope fields match any value.
type PlanFilters struct {
	Status  string
	Project *string
	Zone    *string
}

func (r Repo) ListPlans(ctx context.Context, q DBTX, f PlanFilters) ([]domain.BattlePlan, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Project != nil {
		clauses = append(clauses, "project=?")
		args = append(args, *f.Project)
	}
	if f.Zone != nil {
		clauses = append(clauses, "zone=?")
		args = append(args, *f.Zone)
	}
	query := `SELECT ` + planColumns + ` FROM battle_plans`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BattlePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SupersedeActive marks the active plan in (project, zone) superseded.
func (r Repo) SupersedeActive(ctx context.Context, q DBTX, project, zone, now string) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE battle_plans SET status='superseded', updated_at=? WHERE status='active' AND project=? AND zone=?`, now, project, zone)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) UpdatePlanStatus(ctx context.Context, q DBTX, id int64, status, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE battle_plans SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) InsertRaidEntry(ctx context.Context, q DBTX, e domain.RaidLogEntry) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO raid_log(author,body,priority,created_at) VALUES (?,?,?,?)`, e.Author, e.Body, e.Priority, e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RaidFilters narrows ListRaid.
type RaidFilters struct {
	Priorities []string
	Author     string
	Limit      int
}

// ListRaid returns raid entries newest first.
func (r Repo) ListRaid(ctx context.Context, q DBTX, f RaidFilters) ([]domain.RaidLogEntry, error) {
	var clauses []string
	var args []any
	if len(f.Priorities) > 0 {
		clauses = append(clauses, "priority IN ("+placeholders(len(f.Priorities))+")")
		args = append(args, stringArgs(f.Priorities)...)
	}
	if f.Author != "" {
		clauses = append(clauses, "author=?")
		args = append(args, f.Author)
	}
	query := `SELECT id,author,body,priority,created_at FROM raid_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RaidLogEntry
	for rows.Next() {
		var e domain.RaidLogEntry
		if err := rows.Scan(&e.ID, &e.Author, &e.Body, &e.Priority, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// PruneRaid deletes every entry of the given priority.
func (r Repo) PruneRaid(ctx context.Context, q DBTX, priority string) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM raid_log WHERE priority=?`, priority)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) InsertManifest(ctx context.Context, q DBTX, m domain.FenixManifest) error {
	paths, err := json.Marshal(m.Paths)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO fenix_manifests(id,agent,paths_json,note,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.Agent, string(paths), nullable(m.Note), m.CreatedAt)
	return err
}

// PendingManifests returns unconsumed manifests for agent, oldest first.
func (r Repo) PendingManifests(ctx context.Context, q DBTX, agent string) ([]domain.FenixManifest, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,agent,paths_json,note,created_at FROM fenix_manifests
WHERE agent=? AND consumed_at IS NULL ORDER BY created_at, id`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FenixManifest
	for rows.Next() {
		var m domain.FenixManifest
		var paths string
		var note sql.NullString
		if err := rows.Scan(&m.ID, &m.Agent, &paths, &note, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(paths), &m.Paths); err != nil {
			return nil, err
		}
		m.Note = note.String
		res = append(res, m)
	}
	return res, rows.Err()
}

// ConsumeManifest marks a manifest consumed; it fails with ErrNotFound if it was already consumed.
func (r Repo) ConsumeManifest(ctx context.Context, q DBTX, id, by, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE fenix_manifests SET consumed_at=?, consumed_by=? WHERE id=? AND consumed_at IS NULL`, now, by, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var ended, path, by, at sql.NullString
	err := row.Scan(&s.ID, &s.StartedAt, &ended, &path, &by, &at)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.EndedAt = strPtr(ended)
	s.DebriefPath = strPtr(path)
	s.DebriefedBy = strPtr(by)
	s.DebriefedAt = strPtr(at)
	return s, err
}

// CurrentSession returns the open session.
func (r Repo) CurrentSession(ctx context.Context, q DBTX) (domain.Session, error) {
	return scanSession(q.QueryRowContext(ctx, `SELECT id,started_at,ended_at,debrief_path,debriefed_by,debriefed_at FROM sessions WHERE ended_at IS NULL ORDER BY id DESC LIMIT 1`))
}

func (r Repo) InsertSession(ctx context.Context, q DBTX, startedAt string) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO sessions(started_at) VALUES (?)`, startedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) RecordDebrief(ctx context.Context, q DBTX, id int64, path, by, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE sessions SET debrief_path=?, debriefed_by=?, debriefed_at=? WHERE id=?`, path, by, now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) EndSession(ctx context.Context, q DBTX, id int64, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE sessions SET ended_at=? WHERE id=? AND ended_at IS NULL`, now, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) UpsertHeartbeat(ctx context.Context, q DBTX, h domain.Heartbeat) error {
	_, err := q.ExecContext(ctx, `INSERT INTO heartbeats(target,requested_by,started_at,deadline) VALUES (?,?,?,?)
ON CONFLICT(target) DO UPDATE SET requested_by=excluded.requested_by, started_at=excluded.started_at, deadline=excluded.deadline`,
		h.Target, h.RequestedBy, h.StartedAt, h.Deadline)
	return err
}

func (r Repo) GetHeartbeat(ctx context.Context, q DBTX, target string) (domain.Heartbeat, error) {
	var h domain.Heartbeat
	err := q.QueryRowContext(ctx, `SELECT target,requested_by,started_at,deadline FROM heartbeats WHERE target=?`, target).
		Scan(&h.Target, &h.RequestedBy, &h.StartedAt, &h.Deadline)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	return h, err
}

func (r Repo) DeleteHeartbeat(ctx context.Context, q DBTX, target string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM heartbeats WHERE target=?`, target)
	return err
}

// ListHeartbeats returns pending heartbeats; when dueBy is set only those whose deadline passed.
func (r Repo) ListHeartbeats(ctx context.Context, q DBTX, dueBy string) ([]domain.Heartbeat, error) {
	query := `SELECT target,requested_by,started_at,deadline FROM heartbeats`
	var args []any
	if dueBy != "" {
		query += ` WHERE deadline <= ?`
		args = append(args, dueBy)
	}
	query += ` ORDER BY deadline, target`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Heartbeat
	for rows.Next() {
		var h domain.Heartbeat
		if err := rows.Scan(&h.Target, &h.RequestedBy, &h.StartedAt, &h.Deadline); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) Quarantine(ctx context.Context, q DBTX, kind, id, reason, now string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO quarantine(entity_kind,entity_id,reason,created_at) VALUES (?,?,?,?)`, kind, id, reason, now)
	return err
}

// QuarantineReason returns the recorded reason, or ErrNotFound when the entity is healthy.
func (r Repo) QuarantineReason(ctx context.Context, q DBTX, kind, id string) (string, error) {
	var reason string
	err := q.QueryRowContext(ctx, `SELECT reason FROM quarantine WHERE entity_kind=? AND entity_id=?`, kind, id).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return reason, err
}
