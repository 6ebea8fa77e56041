package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateConversation provisions a conversation with the creator as its first
// member, in one transaction.
func (s *Store) CreateConversation(ctx context.Context, creatorID string, nowMs int64) (ConversationRow, error) {
	if s == nil || s.db == nil {
		return ConversationRow{}, fmt.Errorf("db not initialized")
	}
	if creatorID == "" {
		return ConversationRow{}, fmt.Errorf("missing creatorID")
	}

	conv := ConversationRow{
		ID:          uuid.NewString(),
		CreatorID:   creatorID,
		CreatedAtMs: nowMs,
		UpdatedAtMs: nowMs,
	}

	txCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return ConversationRow{}, err
	}
	defer func() { _ = tx.Rollback() }()

	insertConv := rebindQuery(s.driver, `INSERT INTO conversations (id, creator_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?);`)
	if _, err := tx.ExecContext(txCtx, insertConv, conv.ID, conv.CreatorID, conv.CreatedAtMs, conv.UpdatedAtMs); err != nil {
		return ConversationRow{}, err
	}

	if err := upsertMember(txCtx, tx, s.driver, conv.ID, creatorID, MemberRoleCreator, nowMs); err != nil {
		return ConversationRow{}, err
	}

	if err := tx.Commit(); err != nil {
		return ConversationRow{}, err
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (ConversationRow, error) {
	if s == nil || s.db == nil {
		return ConversationRow{}, fmt.Errorf("db not initialized")
	}

	q := `SELECT id, creator_id, created_at_ms, updated_at_ms
		FROM conversations WHERE id = ?;`

	var conv ConversationRow
	if err := s.db.QueryRowContext(ctx, s.rebind(q), conversationID).Scan(
		&conv.ID, &conv.CreatorID, &conv.CreatedAtMs, &conv.UpdatedAtMs,
	); err != nil {
		if err == sql.ErrNoRows {
			return ConversationRow{}, fmt.Errorf("%w: conversation", ErrNotFound)
		}
		return ConversationRow{}, err
	}
	return conv, nil
}

// DeleteConversation removes a conversation and everything hanging off it.
// Idempotent: deleting an already gone conversation succeeds.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	if conversationID == "" {
		return fmt.Errorf("missing conversationID")
	}

	q := `DELETE FROM conversations WHERE id = ?;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), conversationID)
	return err
}

func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("db not initialized")
	}
	if conversationID == "" || userID == "" {
		return false, fmt.Errorf("missing ids")
	}

	q := `SELECT 1 FROM conversation_members WHERE conversation_id = ? AND user_id = ?;`
	var one int
	if err := s.db.QueryRowContext(ctx, s.rebind(q), conversationID, userID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return one == 1, nil
}

func (s *Store) AddMember(ctx context.Context, conversationID, userID, role string, nowMs int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	if conversationID == "" || userID == "" {
		return fmt.Errorf("missing ids")
	}
	return upsertMember(ctx, s.db, s.driver, conversationID, userID, role, nowMs)
}

func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}

	q := `DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), conversationID, userID)
	return err
}

func (s *Store) ListMembers(ctx context.Context, conversationID string) ([]MemberRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}

	q := `SELECT conversation_id, user_id, role, joined_at_ms
		FROM conversation_members WHERE conversation_id = ?
		ORDER BY joined_at_ms ASC;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []MemberRow
	for rows.Next() {
		var m MemberRow
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.JoinedAtMs); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Store) ListConversationsForUser(ctx context.Context, userID string) ([]ConversationRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if userID == "" {
		return nil, fmt.Errorf("missing userID")
	}

	q := `SELECT c.id, c.creator_id, c.created_at_ms, c.updated_at_ms
		FROM conversation_members m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.user_id = ?
		ORDER BY c.updated_at_ms DESC;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationRow
	for rows.Next() {
		var c ConversationRow
		if err := rows.Scan(&c.ID, &c.CreatorID, &c.CreatedAtMs, &c.UpdatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func upsertMember(ctx context.Context, exec sqlExecer, driver, conversationID, userID, role string, nowMs int64) error {
	query := rebindQuery(driver, `INSERT INTO conversation_members (conversation_id, user_id, role, joined_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO NOTHING;`)
	_, err := exec.ExecContext(ctx, query, conversationID, userID, role, nowMs)
	return err
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
