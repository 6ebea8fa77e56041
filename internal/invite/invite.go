package invite

import "errors"

var (
	ErrInvalidFormat = errors.New("invalid invite format")
	ErrExpired       = errors.New("invite expired")
	ErrNotFound      = errors.New("invite not found")
)

// Invite is the decoded form of a shared invite slug. Values are immutable;
// the slug is the only wire representation.
type Invite struct {
	ConversationID string
	CreatorID      string
	ExpiresAtMs    int64
}

func (i Invite) Expired(nowMs int64) bool {
	return i.ExpiresAtMs != 0 && nowMs >= i.ExpiresAtMs
}
