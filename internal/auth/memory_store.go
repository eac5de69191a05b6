package auth

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
)

// SeedWriter is implemented by stores that can upsert bootstrap accounts.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

var errUserNotFound = xerrors.New(xerrors.CodeNotFound, "user not found")

// MemoryStore keeps accounts in process memory. Seeds from configuration are
// the only source of accounts.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*User
	keys   map[string]string
	byID   map[int64]*Subject
	nextID int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*User),
		keys:   make(map[string]string),
		byID:   make(map[int64]*Subject),
		nextID: 1,
	}
}

// ApplySeed creates or replaces the account named by seed.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "seed username cannot be empty")
	}
	if seed.Password == "" && seed.APIKey == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "seed "+username+" needs a password or an api key")
	}
	var passwordHash string
	if seed.Password != "" {
		hashed, err := HashPassword(seed.Password)
		if err != nil {
			return err
		}
		passwordHash = hashed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		user = &User{ID: s.nextID}
		s.nextID++
	} else if user.APIKeyHash != "" {
		delete(s.keys, user.APIKeyHash)
	}
	user.Username = username
	user.PasswordHash = passwordHash
	user.APIKeyHash = ""
	if seed.APIKey != "" {
		user.APIKeyHash = HashAPIKey(seed.APIKey)
		s.keys[user.APIKeyHash] = username
	}
	user.Disabled = seed.Disabled
	s.users[username] = user

	subject := &Subject{
		ID:          user.ID,
		Username:    username,
		Permissions: dedupeStrings(seed.Permissions),
		Disabled:    seed.Disabled,
	}
	subject.normalise()
	s.byID[user.ID] = subject
	return nil
}

// FindUserByUsername implements Store.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.users[strings.TrimSpace(username)]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, errUserNotFound
}

// FindUserByAPIKey implements Store.
func (s *MemoryStore) FindUserByAPIKey(ctx context.Context, key string) (*User, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errUserNotFound
	}
	s.mu.RLock()
	username, ok := s.keys[HashAPIKey(key)]
	s.mu.RUnlock()
	if !ok {
		return nil, errUserNotFound
	}
	return s.FindUserByUsername(ctx, username)
}

// LoadSubject implements Store.
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject, ok := s.byID[userID]; ok {
		return subject.Clone(), nil
	}
	return nil, errUserNotFound
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
