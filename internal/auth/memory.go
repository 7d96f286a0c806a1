package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryUserStore keeps credentials in process memory. Used for tests and
// single-instance development runs without Postgres.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*User)}
}

func (s *MemoryUserStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) || strings.EqualFold(existing.Email, u.Email) {
			return ErrAlreadyExists
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryUserStore) Find(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryUserStore) FindByIdentifier(_ context.Context, identifier string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, identifier) || strings.EqualFold(u.Email, identifier) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryUserStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryUserStore) SetStatus(_ context.Context, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// MemoryRefreshTokenStore keeps refresh tokens in process memory. The mutex
// makes Consume a linearizable check-and-flip, matching the Postgres CAS.
type MemoryRefreshTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*RefreshToken
	now    func() time.Time
}

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		tokens: make(map[string]*RefreshToken),
		now:    time.Now,
	}
}

func (s *MemoryRefreshTokenStore) Create(_ context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *tok
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.tokens[tok.ID] = &cp
	return nil
}

func (s *MemoryRefreshTokenStore) Find(_ context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, ErrRefreshNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *MemoryRefreshTokenStore) Consume(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return ErrRefreshNotFound
	}
	if tok.Revoked {
		return ErrRefreshRevoked
	}
	now := s.now().UTC()
	tok.Revoked = true
	tok.RevokedAt = &now
	return nil
}

func (s *MemoryRefreshTokenStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return ErrRefreshNotFound
	}
	if !tok.Revoked {
		now := s.now().UTC()
		tok.Revoked = true
		tok.RevokedAt = &now
	}
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeAllForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	count := 0
	for _, tok := range s.tokens {
		if tok.UserID == userID && !tok.Revoked {
			tok.Revoked = true
			tok.RevokedAt = &now
			count++
		}
	}
	return count, nil
}

func (s *MemoryRefreshTokenStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

func (s *MemoryRefreshTokenStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, tok := range s.tokens {
		if !now.Before(tok.ExpiresAt) {
			delete(s.tokens, id)
			count++
		}
	}
	return count, nil
}
