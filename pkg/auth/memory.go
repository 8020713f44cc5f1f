package auth

import (
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type memoryUser struct {
	storedHash []byte
	level      PermissionLevel
}

// MemoryStore is an in-memory Authenticator for tests and throwaway
// setups. Same hashing scheme as the SQLite store.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*memoryUser
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*memoryUser)}
}

func (m *MemoryStore) CreateUser(username string, passwordHash []byte, level PermissionLevel) error {
	if username == "" {
		return ErrEmptyUsername
	}
	if len(passwordHash) == 0 {
		return ErrEmptyPassword
	}

	stored, err := bcrypt.GenerateFromPassword(passwordHash, bcrypt.MinCost)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return ErrUserExists
	}
	m.users[username] = &memoryUser{storedHash: stored, level: level}
	return nil
}

func (m *MemoryStore) Authenticate(user string, passwordHash []byte) (PermissionLevel, error) {
	m.mu.RLock()
	u, ok := m.users[user]
	m.mu.RUnlock()
	if !ok {
		return LevelNone, ErrUnknownUser
	}
	if err := bcrypt.CompareHashAndPassword(u.storedHash, passwordHash); err != nil {
		return LevelNone, ErrBadCredentials
	}
	return u.level, nil
}

func (m *MemoryStore) FetchPermissionLevel(user string) PermissionLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[user]
	if !ok {
		return LevelNone
	}
	return u.level
}

func (m *MemoryStore) SetPermissionLevel(user string, level PermissionLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[user]
	if !ok {
		return ErrUnknownUser
	}
	u.level = level
	return nil
}

func (m *MemoryStore) ChangePassword(user string, currentHash, newHash []byte) error {
	if len(newHash) == 0 {
		return ErrEmptyPassword
	}
	if _, err := m.Authenticate(user, currentHash); err != nil {
		return err
	}

	stored, err := bcrypt.GenerateFromPassword(newHash, bcrypt.MinCost)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[user]
	if !ok {
		return ErrUnknownUser
	}
	u.storedHash = stored
	return nil
}
