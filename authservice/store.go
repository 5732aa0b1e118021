package authservice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/DuyTran1503/websocketio/errors"
)

// Valid user presence states.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
)

// User is the stored account record. PasswordHash never leaves the store
// layer; responses carry a Profile instead.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Avatar       string    `json:"avatar"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Profile is the public view of a user.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar"`
	Status   string `json:"status,omitempty"`
}

// Profile returns the public view of the user.
func (u *User) Profile() *Profile {
	return &Profile{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Avatar:   u.Avatar,
		Status:   u.Status,
	}
}

// Store persists user accounts. Username and email are unique; Create
// fails with errors.ErrKeyExists when either is taken.
type Store interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	FindByUsernameOrEmail(ctx context.Context, username, email string) (*User, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byUsername map[string]string
	byEmail    map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(user.Username)
	email := strings.ToLower(user.Email)

	if _, taken := s.byUsername[username]; taken {
		return errors.WrapInvalid(errors.ErrKeyExists, "MemoryStore", "Create",
			"username already in use")
	}
	if _, taken := s.byEmail[email]; taken {
		return errors.WrapInvalid(errors.ErrKeyExists, "MemoryStore", "Create",
			"email already in use")
	}

	copied := *user
	s.byID[user.ID] = &copied
	s.byUsername[username] = user.ID
	s.byEmail[email] = user.ID
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[id]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryStore", "GetByID",
			"user not found")
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStore) FindByUsernameOrEmail(ctx context.Context, username, email string) (*User, error) {
	s.mu.RLock()
	id, ok := s.byUsername[strings.ToLower(username)]
	if !ok && email != "" {
		id, ok = s.byEmail[strings.ToLower(email)]
	}
	s.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryStore", "FindByUsernameOrEmail",
			"user not found")
	}
	return s.GetByID(ctx, id)
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[id]
	if !ok {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "MemoryStore", "UpdateStatus",
			"user not found")
	}
	user.Status = status
	return nil
}
