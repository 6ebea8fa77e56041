package storage

import "errors"

const (
	JoinRequestStatusPending  = "pending"
	JoinRequestStatusAccepted = "accepted"
	JoinRequestStatusRejected = "rejected"
	JoinRequestStatusCanceled = "canceled"
)

const (
	MemberRoleCreator = "creator"
	MemberRoleMember  = "member"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUsernameExists = errors.New("username exists")
	ErrAccessDenied   = errors.New("access denied")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrTokenExpired   = errors.New("token expired")
	ErrInvalidState   = errors.New("invalid state")
	ErrAlreadyMember  = errors.New("already a member")
)

type UserRow struct {
	ID           string
	Username     string
	PasswordHash string
	DisplayName  string
	CreatedAtMs  int64
	UpdatedAtMs  int64
}

type AuthTokenRow struct {
	Token       string
	UserID      string
	DeviceInfo  *string
	CreatedAtMs int64
	ExpiresAtMs int64
}

type ConversationRow struct {
	ID          string
	CreatorID   string
	CreatedAtMs int64
	UpdatedAtMs int64
}

type MemberRow struct {
	ConversationID string
	UserID         string
	Role           string
	JoinedAtMs     int64
}

type InviteRow struct {
	Slug           string
	ConversationID string
	CreatorID      string
	ExpiresAtMs    int64
	CreatedAtMs    int64
}

type JoinRequestRow struct {
	ID             string
	ConversationID string
	RequesterID    string
	Status         string
	Reason         *string
	CreatedAtMs    int64
	UpdatedAtMs    int64
}
