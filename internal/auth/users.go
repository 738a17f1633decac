package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/config"
	"github.com/KevinKickass/OpenServoCore/internal/types"
	"github.com/google/uuid"
)

var userNamespace = uuid.MustParse("6f1c2a7e-3b7d-4c1e-9a51-0d2f3e4b5c6d")

// StaticUserStore serves the users listed in the configuration. Lockout
// state lives in memory and resets on restart.
type StaticUserStore struct {
	mu           sync.Mutex
	users        map[string]*types.User
	maxFailed    int
	lockDuration time.Duration
	now          func() time.Time
}

func NewStaticUserStore(cfg config.AuthConfig) *StaticUserStore {
	s := &StaticUserStore{
		users:        make(map[string]*types.User, len(cfg.Users)),
		maxFailed:    cfg.MaxFailedLoginAttempts,
		lockDuration: cfg.AccountLockDuration,
		now:          time.Now,
	}
	for _, u := range cfg.Users {
		s.users[u.Username] = &types.User{
			ID:           uuid.NewSHA1(userNamespace, []byte(u.Username)),
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Role:         u.Role,
		}
	}
	return s
}

func (s *StaticUserStore) GetUserByUsername(_ context.Context, username string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	cp := *u
	return &cp, nil
}

func (s *StaticUserStore) byID(id uuid.UUID) (*types.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
}

func (s *StaticUserStore) IncrementFailedLoginAttempts(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.byID(userID)
	if err != nil {
		return err
	}
	u.FailedLoginAttempts++
	if s.maxFailed > 0 && u.FailedLoginAttempts >= s.maxFailed {
		until := s.now().Add(s.lockDuration)
		u.LockedUntil = &until
	}
	return nil
}

func (s *StaticUserStore) ResetFailedLoginAttempts(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.byID(userID)
	if err != nil {
		return err
	}
	u.FailedLoginAttempts = 0
	u.LockedUntil = nil
	return nil
}

func (s *StaticUserStore) UpdateLastLogin(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.byID(userID)
	if err != nil {
		return err
	}
	now := s.now()
	u.LastLoginAt = &now
	return nil
}
