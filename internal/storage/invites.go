package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// GetOrCreateInvite persists the invite slug for a conversation, keeping one
// stable slug per conversation so a shared QR code does not churn. The
// caller encodes the slug; this only records it. Reports whether a new row
// was created.
func (s *Store) GetOrCreateInvite(ctx context.Context, conversationID, creatorID, slug string, expiresAtMs, nowMs int64) (InviteRow, bool, error) {
	if s == nil || s.db == nil {
		return InviteRow{}, false, fmt.Errorf("db not initialized")
	}
	if conversationID == "" || creatorID == "" || slug == "" {
		return InviteRow{}, false, fmt.Errorf("missing invite fields")
	}

	const selectQ = `SELECT slug, conversation_id, creator_id, expires_at_ms, created_at_ms
		FROM conversation_invites WHERE conversation_id = ?;`
	var existing InviteRow
	if err := s.db.QueryRowContext(ctx, s.rebind(selectQ), conversationID).Scan(
		&existing.Slug, &existing.ConversationID, &existing.CreatorID, &existing.ExpiresAtMs, &existing.CreatedAtMs,
	); err == nil {
		return existing, false, nil
	} else if err != sql.ErrNoRows {
		return InviteRow{}, false, err
	}

	row := InviteRow{
		Slug:           slug,
		ConversationID: conversationID,
		CreatorID:      creatorID,
		ExpiresAtMs:    expiresAtMs,
		CreatedAtMs:    nowMs,
	}

	const insertQ = `INSERT INTO conversation_invites (slug, conversation_id, creator_id, expires_at_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?);`
	if _, err := s.db.ExecContext(ctx, s.rebind(insertQ),
		row.Slug, row.ConversationID, row.CreatorID, row.ExpiresAtMs, row.CreatedAtMs,
	); err != nil {
		if isUniqueViolation(err) {
			// Lost a race to a concurrent mint; the stored slug wins.
			if err := s.db.QueryRowContext(ctx, s.rebind(selectQ), conversationID).Scan(
				&existing.Slug, &existing.ConversationID, &existing.CreatorID, &existing.ExpiresAtMs, &existing.CreatedAtMs,
			); err != nil {
				return InviteRow{}, false, err
			}
			return existing, false, nil
		}
		return InviteRow{}, false, err
	}
	return row, true, nil
}

func (s *Store) GetInviteByConversation(ctx context.Context, conversationID string) (InviteRow, error) {
	if s == nil || s.db == nil {
		return InviteRow{}, fmt.Errorf("db not initialized")
	}

	q := `SELECT slug, conversation_id, creator_id, expires_at_ms, created_at_ms
		FROM conversation_invites WHERE conversation_id = ?;`
	var row InviteRow
	if err := s.db.QueryRowContext(ctx, s.rebind(q), conversationID).Scan(
		&row.Slug, &row.ConversationID, &row.CreatorID, &row.ExpiresAtMs, &row.CreatedAtMs,
	); err != nil {
		if err == sql.ErrNoRows {
			return InviteRow{}, fmt.Errorf("%w: invite", ErrNotFound)
		}
		return InviteRow{}, err
	}
	return row, nil
}
