package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

const messageColumns = `id, batch_id, batch_position, recipient, sender, subject, html,
	blacklist_rules, scheduled_for, editable_until, priority, max_attempts,
	attempt_count, last_error, remote_message_id, status, version, created_at, updated_at, processed_at`

const insertMessage = `
	INSERT INTO queued_messages (
		id, batch_id, batch_position, recipient, sender, subject, html,
		blacklist_rules, scheduled_for, editable_until, priority, priority_rank,
		max_attempts, attempt_count, status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// editableWhere guards both edit and delete.
const editableWhere = `status IN ('pending', 'scheduled') AND editable_until >= ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) Insert(ctx context.Context, m model.Message) error {
	args, err := insertArgs(m)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(insertMessage), args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) InsertBatch(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return errors.New("empty batch")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(insertMessage))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		args, err := insertArgs(m)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert batch position %d: %w", m.BatchPosition, err)
		}
	}
	return tx.Commit()
}

func insertArgs(m model.Message) ([]any, error) {
	rules, err := encodeRules(m.BlacklistRules)
	if err != nil {
		return nil, err
	}
	var pos sql.NullInt64
	if m.BatchID != "" {
		pos = sql.NullInt64{Int64: int64(m.BatchPosition), Valid: true}
	}
	return []any{
		m.ID,
		nullString(m.BatchID),
		pos,
		m.Recipient,
		nullString(m.Sender),
		m.Subject,
		m.HTML,
		rules,
		nullMillis(m.ScheduledFor),
		toMillis(m.EditableUntil),
		string(m.Priority),
		m.Priority.Rank(),
		m.MaxAttempts,
		m.AttemptCount,
		string(m.Status),
		toMillis(m.CreatedAt),
		toMillis(m.UpdatedAt),
	}, nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+messageColumns+` FROM queued_messages WHERE id = ?`), id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) UpdateEditable(ctx context.Context, m model.Message, now time.Time) (bool, error) {
	rules, err := encodeRules(m.BlacklistRules)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE queued_messages
		SET recipient = ?, sender = ?, subject = ?, html = ?, blacklist_rules = ?,
		    scheduled_for = ?, priority = ?, priority_rank = ?, max_attempts = ?,
		    status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND `+editableWhere,
	),
		m.Recipient,
		nullString(m.Sender),
		m.Subject,
		m.HTML,
		rules,
		nullMillis(m.ScheduledFor),
		string(m.Priority),
		m.Priority.Rank(),
		m.MaxAttempts,
		string(m.Status),
		toMillis(m.UpdatedAt),
		m.ID,
		toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("update message: %w", err)
	}
	return affectedOne(res)
}

func (s *Store) DeleteEditable(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM queued_messages WHERE id = ? AND `+editableWhere), id, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return affectedOne(res)
}

func (s *Store) SelectEligible(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+messageColumns+`
		FROM queued_messages
		WHERE status IN ('pending', 'scheduled')
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY priority_rank ASC,
		         CASE WHEN scheduled_for IS NULL THEN 0 ELSE 1 END ASC,
		         scheduled_for ASC,
		         created_at ASC,
		         seq ASC
		LIMIT ?
	`), toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Claim moves m into processing only if it is unchanged since it was read.
// It returns nil without error when another tick or an edit got there first.
func (s *Store) Claim(ctx context.Context, m model.Message, now time.Time) (*Claim, error) {
	if err := model.CheckTransition(m.Status, model.Processing); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE queued_messages
		SET status = 'processing', claim_token = ?, claimed_from = status, claimed_at = ?,
		    reserved_day = NULL, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?
	`), token, toMillis(now), toMillis(now), m.ID, string(m.Status), m.Version)
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil || !ok {
		return nil, err
	}
	return &Claim{Message: m, Token: token, ClaimedAt: now}, nil
}

// MarkReserved records on the claimed row that it holds a slot of day, so a
// stale recovery knows to give the slot back.
func (s *Store) MarkReserved(ctx context.Context, c *Claim, day string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE queued_messages
		SET reserved_day = ?
		WHERE id = ? AND status = 'processing' AND claim_token = ?
	`), day, c.Message.ID, c.Token)
	if err != nil {
		return false, fmt.Errorf("mark reserved: %w", err)
	}
	ok, err := affectedOne(res)
	if ok {
		c.ReservedDay = day
	}
	return ok, err
}

// Finish releases a claim with the given outcome. It returns false if the
// claim was lost (for example recovered as stale and claimed again).
func (s *Store) Finish(ctx context.Context, c *Claim, o Outcome, now time.Time) (bool, error) {
	if err := model.CheckTransition(model.Processing, o.Status); err != nil {
		return false, err
	}

	inc := 0
	if o.CountAttempt {
		inc = 1
	}
	var processedAt *time.Time
	if o.Status.Terminal() {
		processedAt = &now
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE queued_messages
		SET status = ?,
		    attempt_count = attempt_count + ?,
		    last_error = COALESCE(?, last_error),
		    remote_message_id = COALESCE(?, remote_message_id),
		    processed_at = ?,
		    claim_token = NULL,
		    claimed_from = NULL,
		    claimed_at = NULL,
		    reserved_day = NULL,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_token = ?
	`),
		string(o.Status),
		inc,
		nullString(o.Error),
		nullString(o.RemoteMessageID),
		nullMillis(processedAt),
		toMillis(now),
		c.Message.ID,
		c.Token,
	)
	if err != nil {
		return false, fmt.Errorf("finish message: %w", err)
	}
	return affectedOne(res)
}

// ListStale returns claims taken before claimedBefore that were never finished.
func (s *Store) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+messageColumns+`, claim_token, claimed_from, claimed_at, reserved_day
		FROM queued_messages
		WHERE status = 'processing' AND claimed_at < ?
		ORDER BY claimed_at ASC
		LIMIT ?
	`), toMillis(claimedBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		var (
			token     string
			from      string
			claimedAt int64
			reserved  sql.NullString
		)
		m, err := scanMessage(rows, &token, &from, &claimedAt, &reserved)
		if err != nil {
			return nil, err
		}
		m.Status = model.Status(from)
		out = append(out, Claim{
			Message:     m,
			Token:       token,
			ClaimedAt:   fromMillis(claimedAt),
			ReservedDay: reserved.String,
		})
	}
	return out, rows.Err()
}

func (s *Store) List(ctx context.Context, f ListFilter) ([]model.Message, int, error) {
	where := ` WHERE 1 = 1`
	var args []any
	if f.Status != nil {
		where += ` AND status = ?`
		args = append(args, string(*f.Status))
	}
	if f.Priority != nil {
		where += ` AND priority = ?`
		args = append(args, string(*f.Priority))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM queued_messages`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+messageColumns+`
		FROM queued_messages`+where+`
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`), append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{ByStatus: map[model.Status]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queued_messages GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.ByStatus[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var next sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(scheduled_for) FROM queued_messages WHERE status = 'scheduled'`).Scan(&next); err != nil {
		return stats, err
	}
	if next.Valid {
		t := fromMillis(next.Int64)
		stats.NextScheduled = &t
	}
	return stats, nil
}

func scanMessage(row rowScanner, extra ...any) (model.Message, error) {
	var (
		m            model.Message
		batchID      sql.NullString
		batchPos     sql.NullInt64
		sender       sql.NullString
		rules        string
		scheduledFor sql.NullInt64
		editable     int64
		priority     string
		lastErr      sql.NullString
		remoteID     sql.NullString
		status       string
		createdAt    int64
		updatedAt    int64
		processedAt  sql.NullInt64
	)

	dest := []any{
		&m.ID,
		&batchID,
		&batchPos,
		&m.Recipient,
		&sender,
		&m.Subject,
		&m.HTML,
		&rules,
		&scheduledFor,
		&editable,
		&priority,
		&m.MaxAttempts,
		&m.AttemptCount,
		&lastErr,
		&remoteID,
		&status,
		&m.Version,
		&createdAt,
		&updatedAt,
		&processedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return m, err
	}

	m.BatchID = batchID.String
	m.BatchPosition = int(batchPos.Int64)
	m.Sender = sender.String
	if err := json.Unmarshal([]byte(rules), &m.BlacklistRules); err != nil {
		return m, fmt.Errorf("decode blacklist rules for %s: %w", m.ID, err)
	}
	if scheduledFor.Valid {
		t := fromMillis(scheduledFor.Int64)
		m.ScheduledFor = &t
	}
	m.EditableUntil = fromMillis(editable)
	m.Priority = model.Priority(priority)
	m.Status = model.Status(status)
	if lastErr.Valid {
		s := lastErr.String
		m.LastError = &s
	}
	if remoteID.Valid {
		s := remoteID.String
		m.RemoteMessageID = &s
	}
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	if processedAt.Valid {
		t := fromMillis(processedAt.Int64)
		m.ProcessedAt = &t
	}
	return m, nil
}

func encodeRules(rules []string) (string, error) {
	if rules == nil {
		rules = []string{}
	}
	b, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("encode blacklist rules: %w", err)
	}
	return string(b), nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
