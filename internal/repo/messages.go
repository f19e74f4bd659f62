package repo

import (
	"context"
	"database/sql"

	"raidline/internal/domain"
)

const messageColumns = `id,from_agent,to_agent,body,trigger,is_cc,cc_original_to,read_flag,created_at`

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var trigger, ccTo sql.NullString
	var isCC, read int
	if err := row.Scan(&m.ID, &m.From, &m.To, &m.Body, &trigger, &isCC, &ccTo, &read, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return m, ErrNotFound
		}
		return m, err
	}
	m.Trigger = strPtr(trigger)
	m.CCOriginalTo = strPtr(ccTo)
	m.IsCC = isCC == 1
	m.Read = read == 1
	return m, nil
}

func queryMessages(ctx context.Context, q DBTX, query string, args ...any) ([]domain.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertMessage(ctx context.Context, q DBTX, m domain.Message) (int64, error) {
	isCC := 0
	if m.IsCC {
		isCC = 1
	}
	res, err := q.ExecContext(ctx, `INSERT INTO messages(from_agent,to_agent,body,trigger,is_cc,cc_original_to,read_flag,created_at) VALUES (?,?,?,?,?,?,0,?)`,
		m.From, m.To, m.Body, nullablePtr(m.Trigger), isCC, nullablePtr(m.CCOriginalTo), m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const unreadWhere = `(to_agent=? AND read_flag=0)
OR (to_agent='all' AND from_agent<>? AND NOT EXISTS (
    SELECT 1 FROM broadcast_receipts br WHERE br.message_id=messages.id AND br.agent=?))`

// UnreadCount counts unread direct messages plus unacknowledged broadcasts from others.
func (r Repo) UnreadCount(ctx context.Context, q DBTX, agent string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+unreadWhere, agent, agent, agent).Scan(&n)
	return n, err
}

// UnreadMessages returns the unread set oldest first.
func (r Repo) UnreadMessages(ctx context.Context, q DBTX, agent string) ([]domain.Message, error) {
	return queryMessages(ctx, q, `SELECT `+messageColumns+` FROM messages WHERE `+unreadWhere+` ORDER BY id`, agent, agent, agent)
}

func (r Repo) MarkRead(ctx context.Context, q DBTX, agent string, ids []int64) error {
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE messages SET read_flag=1 WHERE id=? AND to_agent=?`, id, agent); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AddReceipts(ctx context.Context, q DBTX, agent string, ids []int64, now string) error {
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO broadcast_receipts(message_id,agent,read_at) VALUES (?,?,?)`, id, agent, now); err != nil {
			return err
		}
	}
	return nil
}

// AcknowledgeBroadcastsBefore records receipts for every broadcast created before cutoff.
func (r Repo) AcknowledgeBroadcastsBefore(ctx context.Context, q DBTX, agent, cutoff, now string) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO broadcast_receipts(message_id,agent,read_at)
SELECT id, ?, ? FROM messages WHERE to_agent='all' AND created_at < ?`, agent, now, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// History returns the last count messages, oldest first.
func (r Repo) History(ctx context.Context, q DBTX, count int) ([]domain.Message, error) {
	msgs, err := queryMessages(ctx, q, `SELECT `+messageColumns+` FROM messages ORDER BY id DESC LIMIT ?`, count)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PurgeDirect deletes direct messages to agent created before cutoff.
func (r Repo) PurgeDirect(ctx context.Context, q DBTX, agent, cutoff string) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM messages WHERE to_agent=? AND created_at < ?`, agent, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteReceiptsFor(ctx context.Context, q DBTX, agent string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM broadcast_receipts WHERE agent=?`, agent)
	return err
}
