package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/config"
	"github.com/KevinKickass/OpenServoCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUserNotFound       = errors.New("user not found")
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

// UserStore is implemented by the static configuration store and by
// PostgreSQL.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
	IncrementFailedLoginAttempts(ctx context.Context, userID uuid.UUID) error
	ResetFailedLoginAttempts(ctx context.Context, userID uuid.UUID) error
	UpdateLastLogin(ctx context.Context, userID uuid.UUID) error
}

type machineGrant struct {
	name        string
	permissions []Permission
}

type AuthService struct {
	users           UserStore
	jwtHandler      *JWTHandler
	passwordHasher  *PasswordHasher
	machineTokenGen *MachineTokenGenerator
	machineTokens   map[string]machineGrant
	logger          *zap.Logger
}

func NewAuthService(users UserStore, cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret is not production ready", zap.String("env", cfg.JWTSecretEnv))
	}

	tokens := make(map[string]machineGrant, len(cfg.MachineTokens))
	for _, t := range cfg.MachineTokens {
		perms := make([]Permission, len(t.Permissions))
		for i, p := range t.Permissions {
			perms[i] = Permission(p)
		}
		tokens[t.TokenHash] = machineGrant{name: t.Name, permissions: perms}
	}

	return &AuthService{
		users:           users,
		jwtHandler:      NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher:  NewPasswordHasher(),
		machineTokenGen: NewMachineTokenGenerator(),
		machineTokens:   tokens,
		logger:          logger,
	}
}

// LoginUser authenticates a user and returns an access token with its expiry.
func (a *AuthService) LoginUser(ctx context.Context, username, password, ipAddress string) (string, time.Time, error) {
	user, err := a.users.GetUserByUsername(ctx, username)
	if err != nil {
		a.logger.Info("Login failed",
			zap.String("username", username),
			zap.String("ip", ipAddress),
			zap.String("reason", "user not found"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	if user.LockedUntil != nil && time.Now().Before(*user.LockedUntil) {
		return "", time.Time{}, fmt.Errorf("%w until %s", ErrAccountLocked, user.LockedUntil.Format(time.RFC3339))
	}

	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !valid {
		if err := a.users.IncrementFailedLoginAttempts(ctx, user.ID); err != nil {
			a.logger.Error("Failed to record login attempt", zap.Error(err))
		}
		a.logger.Info("Login failed",
			zap.String("username", username),
			zap.String("ip", ipAddress),
			zap.String("reason", "invalid password"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	if err := a.users.ResetFailedLoginAttempts(ctx, user.ID); err != nil {
		a.logger.Error("Failed to reset login attempts", zap.Error(err))
	}

	token, expires, err := a.jwtHandler.GenerateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	_ = a.users.UpdateLastLogin(ctx, user.ID)
	a.logger.Info("Login succeeded", zap.String("username", username), zap.String("ip", ipAddress))

	return token, expires, nil
}

// ValidateMachineToken looks up a configured machine token.
func (a *AuthService) ValidateMachineToken(token string) ([]Permission, error) {
	if !a.machineTokenGen.ValidateTokenFormat(token) {
		return nil, fmt.Errorf("%w: format", ErrInvalidToken)
	}

	grant, ok := a.machineTokens[a.machineTokenGen.HashToken(token)]
	if !ok {
		return nil, ErrInvalidToken
	}

	a.logger.Debug("Machine token accepted", zap.String("name", grant.name))
	return grant.permissions, nil
}

// ValidateToken validates any token (JWT or Machine Token)
func (a *AuthService) ValidateToken(token string) ([]Permission, error) {
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return RoleToPermissions(claims.Role), nil
	}
	return a.ValidateMachineToken(token)
}

func RoleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func HasPermission(perms []Permission, required Permission) bool {
	for _, p := range perms {
		if p == required {
			return true
		}
	}
	return false
}
