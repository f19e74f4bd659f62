package repo

import (
	"context"
	"database/sql"
	"fmt"

	"raidline/internal/domain"
)

const agentColumns = `name,class,model,transport,description,status,zone,context_summary,tokens_used,tokens_limit,registered_at,last_seen,last_inbound_at,last_inbox_check,context_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var desc, summary, inbound, inboxCheck, ctxAt sql.NullString
	err := row.Scan(&a.Name, &a.Class, &a.Model, &a.Transport, &desc, &a.Status, &a.Zone, &summary,
		&a.TokensUsed, &a.TokensLimit, &a.RegisteredAt, &a.LastSeen, &inbound, &inboxCheck, &ctxAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Description = desc.String
	a.ContextSummary = summary.String
	a.LastInboundAt = strPtr(inbound)
	a.LastInboxCheck = strPtr(inboxCheck)
	a.ContextUpdatedAt = strPtr(ctxAt)
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, q DBTX, a domain.Agent) error {
	_, err := q.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.Name, a.Class, a.Model, a.Transport, nullable(a.Description), a.Status, a.Zone, nullable(a.ContextSummary),
		a.TokensUsed, a.TokensLimit, a.RegisteredAt, a.LastSeen, nullablePtr(a.LastInboundAt), nullablePtr(a.LastInboxCheck), nullablePtr(a.ContextUpdatedAt))
	return err
}

func (r Repo) GetAgent(ctx context.Context, q DBTX, name string) (domain.Agent, error) {
	return scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name=?`, name))
}

func (r Repo) AgentExists(ctx context.Context, q DBTX, name string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE name=?`, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListAgents(ctx context.Context, q DBTX) ([]domain.Agent, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CoordinatorFor picks the coordinator-class agent sharing zone, falling back
// to the earliest registered coordinator.
func (r Repo) CoordinatorFor(ctx context.Context, q DBTX, class, zone string) (string, error) {
	var name string
	err := q.QueryRowContext(ctx, `SELECT name FROM agents WHERE class=?
ORDER BY CASE WHEN zone=? THEN 0 ELSE 1 END, registered_at, name LIMIT 1`, class, zone).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return name, err
}

func (r Repo) UpdateAgentStatus(ctx context.Context, q DBTX, name, status, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE agents SET status=?, last_seen=? WHERE name=?`, status, now, name)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) UpdateAgentZone(ctx context.Context, q DBTX, name, zone, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE agents SET zone=?, last_seen=? WHERE name=?`, zone, now, name)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) UpdateAgentContext(ctx context.Context, q DBTX, name, summary string, used, limit int, now string) error {
	res, err := q.ExecContext(ctx, `UPDATE agents SET context_summary=?, tokens_used=?, tokens_limit=?, context_updated_at=?, last_seen=? WHERE name=?`,
		nullable(summary), used, limit, now, now, name)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// TouchInbound records inbound activity (send or inbox check).
func (r Repo) TouchInbound(ctx context.Context, q DBTX, name, now string, inboxCheck bool) error {
	query := `UPDATE agents SET last_inbound_at=?, last_seen=? WHERE name=?`
	args := []any{now, now, name}
	if inboxCheck {
		query = `UPDATE agents SET last_inbound_at=?, last_seen=?, last_inbox_check=? WHERE name=?`
		args = []any{now, now, now, name}
	}
	_, err := q.ExecContext(ctx, query, args...)
	return err
}

func (r Repo) DeleteAgent(ctx context.Context, q DBTX, name string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM agents WHERE name=?`, name)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// RenameAgent rewrites every live reference to oldName. Raid log entries,
// battle plans and session debriefs keep the name they were written under.
func (r Repo) RenameAgent(ctx context.Context, q DBTX, oldName, newName string) error {
	stmts := []string{
		`UPDATE agents SET name=? WHERE name=?`,
		`UPDATE messages SET from_agent=? WHERE from_agent=?`,
		`UPDATE messages SET to_agent=? WHERE to_agent=?`,
		`UPDATE messages SET cc_original_to=? WHERE cc_original_to=?`,
		`UPDATE broadcast_receipts SET agent=? WHERE agent=?`,
		`UPDATE claims SET holder=? WHERE holder=?`,
		`UPDATE waitlist SET agent=? WHERE agent=?`,
		`UPDATE tasks SET assignee=? WHERE assignee=?`,
		`UPDATE tasks SET creator=? WHERE creator=?`,
		`UPDATE fenix_manifests SET agent=? WHERE agent=?`,
		`UPDATE fenix_manifests SET consumed_by=? WHERE consumed_by=?`,
		`UPDATE heartbeats SET target=? WHERE target=?`,
		`UPDATE heartbeats SET requested_by=? WHERE requested_by=?`,
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt, newName, oldName); err != nil {
			return fmt.Errorf("rename %s -> %s: %w", oldName, newName, err)
		}
	}
	return nil
}
