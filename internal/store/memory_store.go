package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatroom/pkg/domain"
)

// MemoryStore keeps users and messages in-process. Used by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User // key: user ID
	email    map[string]string      // email -> user ID
	messages []domain.Message

	// InsertErr, when set, is returned by InsertMessage.
	InsertErr error
	// ListErr, when set, is returned by ListMessages.
	ListErr error
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		email: make(map[string]string),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	user, ok := m.users[id]
	return user, ok, nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	return user, ok, nil
}

func (m *MemoryStore) SetUserStatus(id string, status domain.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil
	}
	user.Status = status
	user.UpdatedAt = time.Now().UTC()
	m.users[id] = user
	return nil
}

func (m *MemoryStore) InsertMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return domain.Message{}, m.InsertErr
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, room string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]domain.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if msg.Room == room {
			out = append(out, msg)
		}
	}
	return out, nil
}

// MessageCount reports how many messages are stored across rooms.
func (m *MemoryStore) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}
