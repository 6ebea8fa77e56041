package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateJoinRequest records a pending request to join a conversation.
// Re-requesting while a pending request exists returns the existing row
// instead of stacking duplicates. Reports whether a new row was created.
func (s *Store) CreateJoinRequest(ctx context.Context, conversationID, requesterID string, nowMs int64) (JoinRequestRow, bool, error) {
	if s == nil || s.db == nil {
		return JoinRequestRow{}, false, fmt.Errorf("db not initialized")
	}
	if conversationID == "" || requesterID == "" {
		return JoinRequestRow{}, false, fmt.Errorf("missing ids")
	}

	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return JoinRequestRow{}, false, err
	}

	member, err := s.IsMember(ctx, conversationID, requesterID)
	if err != nil {
		return JoinRequestRow{}, false, err
	}
	if member {
		return JoinRequestRow{}, false, ErrAlreadyMember
	}

	const pendingQ = `SELECT id, conversation_id, requester_id, status, reason, created_at_ms, updated_at_ms
		FROM join_requests
		WHERE conversation_id = ? AND requester_id = ? AND status = 'pending';`
	if existing, err := scanJoinRequest(s.db.QueryRowContext(ctx, s.rebind(pendingQ), conversationID, requesterID)); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return JoinRequestRow{}, false, err
	}

	req := JoinRequestRow{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		RequesterID:    requesterID,
		Status:         JoinRequestStatusPending,
		CreatedAtMs:    nowMs,
		UpdatedAtMs:    nowMs,
	}

	insertQ := `INSERT INTO join_requests (id, conversation_id, requester_id, status, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?);`
	if _, err := s.db.ExecContext(ctx, s.rebind(insertQ),
		req.ID, req.ConversationID, req.RequesterID, req.Status, req.CreatedAtMs, req.UpdatedAtMs,
	); err != nil {
		return JoinRequestRow{}, false, err
	}
	return req, true, nil
}

func (s *Store) GetJoinRequest(ctx context.Context, requestID string) (JoinRequestRow, error) {
	if s == nil || s.db == nil {
		return JoinRequestRow{}, fmt.Errorf("db not initialized")
	}

	q := `SELECT id, conversation_id, requester_id, status, reason, created_at_ms, updated_at_ms
		FROM join_requests WHERE id = ?;`
	return scanJoinRequest(s.db.QueryRowContext(ctx, s.rebind(q), requestID))
}

// ListPendingJoinRequests returns pending requests for a conversation,
// oldest first.
func (s *Store) ListPendingJoinRequests(ctx context.Context, conversationID string) ([]JoinRequestRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}

	q := `SELECT id, conversation_id, requester_id, status, reason, created_at_ms, updated_at_ms
		FROM join_requests
		WHERE conversation_id = ? AND status = 'pending'
		ORDER BY created_at_ms ASC;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JoinRequestRow
	for rows.Next() {
		var r JoinRequestRow
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.RequesterID, &r.Status, &reason, &r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
			return nil, err
		}
		if reason.Valid {
			r.Reason = &reason.String
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptJoinRequest marks the request accepted and adds the requester as a
// member, in one transaction. Only the conversation creator may decide.
func (s *Store) AcceptJoinRequest(ctx context.Context, requestID, deciderID string, nowMs int64) (JoinRequestRow, error) {
	return s.mutateJoinRequest(ctx, requestID, deciderID, nowMs, "accept", nil)
}

func (s *Store) RejectJoinRequest(ctx context.Context, requestID, deciderID string, reason *string, nowMs int64) (JoinRequestRow, error) {
	return s.mutateJoinRequest(ctx, requestID, deciderID, nowMs, "reject", reason)
}

// CancelJoinRequest withdraws a pending request; only the requester may
// cancel.
func (s *Store) CancelJoinRequest(ctx context.Context, requestID, requesterID string, nowMs int64) (JoinRequestRow, error) {
	return s.mutateJoinRequest(ctx, requestID, requesterID, nowMs, "cancel", nil)
}

func (s *Store) mutateJoinRequest(ctx context.Context, requestID, userID string, nowMs int64, action string, reason *string) (JoinRequestRow, error) {
	if s == nil || s.db == nil {
		return JoinRequestRow{}, fmt.Errorf("db not initialized")
	}
	if requestID == "" || userID == "" {
		return JoinRequestRow{}, fmt.Errorf("missing ids")
	}

	txCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return JoinRequestRow{}, err
	}
	defer func() { _ = tx.Rollback() }()

	getQ := rebindQuery(s.driver, `SELECT id, conversation_id, requester_id, status, reason, created_at_ms, updated_at_ms
		FROM join_requests WHERE id = ?;`)
	req, err := scanJoinRequest(tx.QueryRowContext(txCtx, getQ, requestID))
	if err != nil {
		return JoinRequestRow{}, err
	}
	if req.Status != JoinRequestStatusPending {
		return JoinRequestRow{}, ErrInvalidState
	}

	switch action {
	case "accept", "reject":
		conv, err := getConversationTx(txCtx, tx, s.driver, req.ConversationID)
		if err != nil {
			return JoinRequestRow{}, err
		}
		if conv.CreatorID != userID {
			return JoinRequestRow{}, ErrAccessDenied
		}
	case "cancel":
		if req.RequesterID != userID {
			return JoinRequestRow{}, ErrAccessDenied
		}
	default:
		return JoinRequestRow{}, errors.New("unknown action")
	}

	status := JoinRequestStatusCanceled
	switch action {
	case "accept":
		status = JoinRequestStatusAccepted
	case "reject":
		status = JoinRequestStatusRejected
	}

	setQ := rebindQuery(s.driver, `UPDATE join_requests SET status = ?, reason = ?, updated_at_ms = ? WHERE id = ?;`)
	var reasonVal any
	if reason != nil {
		reasonVal = *reason
	}
	if _, err := tx.ExecContext(txCtx, setQ, status, reasonVal, nowMs, req.ID); err != nil {
		return JoinRequestRow{}, err
	}
	req.Status = status
	req.Reason = reason
	req.UpdatedAtMs = nowMs

	if action == "accept" {
		if err := upsertMember(txCtx, tx, s.driver, req.ConversationID, req.RequesterID, MemberRoleMember, nowMs); err != nil {
			return JoinRequestRow{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return JoinRequestRow{}, err
	}
	return req, nil
}

// CancelPendingJoinRequests withdraws every pending request a user has for
// a conversation. Used on teardown of a joining draft.
func (s *Store) CancelPendingJoinRequests(ctx context.Context, conversationID, requesterID string, nowMs int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("db not initialized")
	}

	q := `UPDATE join_requests SET status = ?, updated_at_ms = ?
		WHERE conversation_id = ? AND requester_id = ? AND status = 'pending';`
	result, err := s.db.ExecContext(ctx, s.rebind(q), JoinRequestStatusCanceled, nowMs, conversationID, requesterID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func getConversationTx(ctx context.Context, q sqlQueryer, driver, conversationID string) (ConversationRow, error) {
	query := rebindQuery(driver, `SELECT id, creator_id, created_at_ms, updated_at_ms
		FROM conversations WHERE id = ?;`)
	var conv ConversationRow
	if err := q.QueryRowContext(ctx, query, conversationID).Scan(
		&conv.ID, &conv.CreatorID, &conv.CreatedAtMs, &conv.UpdatedAtMs,
	); err != nil {
		if err == sql.ErrNoRows {
			return ConversationRow{}, fmt.Errorf("%w: conversation", ErrNotFound)
		}
		return ConversationRow{}, err
	}
	return conv, nil
}

func scanJoinRequest(row *sql.Row) (JoinRequestRow, error) {
	var r JoinRequestRow
	var reason sql.NullString
	if err := row.Scan(&r.ID, &r.ConversationID, &r.RequesterID, &r.Status, &reason, &r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
		if err == sql.ErrNoRows {
			return JoinRequestRow{}, fmt.Errorf("%w: join request", ErrNotFound)
		}
		return JoinRequestRow{}, err
	}
	if reason.Valid {
		r.Reason = &reason.String
	}
	return r, nil
}
