package repo

import (
	"context"
	"database/sql"

	"raidline/internal/domain"
)

func (r Repo) GetClaim(ctx context.Context, q DBTX, path string) (domain.Claim, error) {
	var c domain.Claim
	err := q.QueryRowContext(ctx, `SELECT path,holder,acquired_at FROM claims WHERE path=?`, path).Scan(&c.Path, &c.Holder, &c.AcquiredAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertClaim(ctx context.Context, q DBTX, c domain.Claim) error {
	_, err := q.ExecContext(ctx, `INSERT INTO claims(path,holder,acquired_at) VALUES (?,?,?)`, c.Path, c.Holder, c.AcquiredAt)
	return err
}

func (r Repo) DeleteClaim(ctx context.Context, q DBTX, path string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM claims WHERE path=?`, path)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ListClaims returns claims, optionally filtered by holder, each with its waitlist.
func (r Repo) ListClaims(ctx context.Context, q DBTX, holder string) ([]domain.Claim, error) {
	query := `SELECT path,holder,acquired_at FROM claims`
	var args []any
	if holder != "" {
		query += ` WHERE holder=?`
		args = append(args, holder)
	}
	query += ` ORDER BY acquired_at, path`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Claim
	for rows.Next() {
		var c domain.Claim
		if err := rows.Scan(&c.Path, &c.Holder, &c.AcquiredAt); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		wl, err := r.ListWaitlist(ctx, q, res[i].Path)
		if err != nil {
			return nil, err
		}
		res[i].Waitlist = wl
	}
	return res, nil
}

func (r Repo) CountClaims(ctx context.Context, q DBTX, holder string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims WHERE holder=?`, holder).Scan(&n)
	return n, err
}

// Enqueue appends agent to the path waitlist; an existing entry keeps its place.
func (r Repo) Enqueue(ctx context.Context, q DBTX, path, agent, now string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO waitlist(path,agent,requested_at) VALUES (?,?,?)`, path, agent, now)
	return err
}

// WaitlistPosition returns the 1-based queue position of agent, or 0 when absent.
func (r Repo) WaitlistPosition(ctx context.Context, q DBTX, path, agent string) (int, error) {
	var pos int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM waitlist w
WHERE w.path=? AND w.id <= (SELECT id FROM waitlist WHERE path=? AND agent=?)`, path, path, agent).Scan(&pos)
	return pos, err
}

func (r Repo) ListWaitlist(ctx context.Context, q DBTX, path string) ([]domain.WaitlistEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT path,agent,requested_at,notified_at FROM waitlist WHERE path=? ORDER BY id`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WaitlistEntry
	for rows.Next() {
		var w domain.WaitlistEntry
		var notified sql.NullString
		if err := rows.Scan(&w.Path, &w.Agent, &w.RequestedAt, &notified); err != nil {
			return nil, err
		}
		w.NotifiedAt = strPtr(notified)
		res = append(res, w)
	}
	return res, rows.Err()
}

// WaitlistHead returns the first waiter for path.
func (r Repo) WaitlistHead(ctx context.Context, q DBTX, path string) (domain.WaitlistEntry, error) {
	var w domain.WaitlistEntry
	var notified sql.NullString
	err := q.QueryRowContext(ctx, `SELECT path,agent,requested_at,notified_at FROM waitlist WHERE path=? ORDER BY id LIMIT 1`, path).
		Scan(&w.Path, &w.Agent, &w.RequestedAt, &notified)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	w.NotifiedAt = strPtr(notified)
	return w, err
}

func (r Repo) MarkNotified(ctx context.Context, q DBTX, path, agent, now string) error {
	_, err := q.ExecContext(ctx, `UPDATE waitlist SET notified_at=? WHERE path=? AND agent=?`, now, path, agent)
	return err
}

func (r Repo) Dequeue(ctx context.Context, q DBTX, path, agent string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM waitlist WHERE path=? AND agent=?`, path, agent)
	return err
}

func (r Repo) DequeueAgent(ctx context.Context, q DBTX, agent string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM waitlist WHERE agent=?`, agent)
	return err
}
