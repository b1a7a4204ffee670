package store

import (
	"context"
	"errors"

	"chatroom/pkg/domain"
)

// ErrUnavailable wraps store failures that should degrade rather than fault.
var ErrUnavailable = errors.New("store unavailable")

// Store defines persistence operations for users and messages.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	SetUserStatus(id string, status domain.UserStatus) error

	// messages: the store assigns id and created_at at insert time.
	InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, room string) ([]domain.Message, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
