// Package authpw provides email/password account management. Accounts are
// provisioned by an administrator rather than self-registered; new users get
// a temporary password and must change it on first sign-in.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"veil/api/internal/rbac"
	"veil/api/internal/store"
	"veil/api/internal/util"
)

// UserStore defines the storage interface for account management.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	ListUsers(ctx context.Context) ([]store.User, error)
	UpdateUser(ctx context.Context, userID, name, role, status string) error
	SetUserPassword(ctx context.Context, userID, passwordHash string, forceChange bool) error
}

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrEmailTaken         = errors.New("email already registered")
)

// Service provides account provisioning and password authentication.
type Service struct {
	store UserStore
}

// NewService creates a new account service.
func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// CreateUserRequest contains admin provisioning parameters.
type CreateUserRequest struct {
	Name  string
	Email string
	Role  string
}

// CreateUserResponse carries the new account and its one-time temporary
// password. The password is never stored in the clear and cannot be
// recovered later.
type CreateUserResponse struct {
	User         store.User
	TempPassword string
}

// CreateUser provisions a new account with a generated temporary password.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*CreateUserResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.Name)
	if email == "" || name == "" {
		return nil, errors.New("name and email are required")
	}
	if !strings.Contains(email, "@") {
		return nil, errors.New("invalid email address")
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	}

	tempPassword, err := generatePassword()
	if err != nil {
		return nil, fmt.Errorf("generate temporary password: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(tempPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:                  util.NewID("usr"),
		Name:                name,
		Email:               email,
		PasswordHash:        string(hash),
		Role:                string(rbac.Normalize(req.Role)),
		Status:              store.UserActive,
		ForcePasswordChange: true,
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return &CreateUserResponse{User: user, TempPassword: tempPassword}, nil
}

// SignIn authenticates a user by email and password. A disabled account is
// rejected even with the correct password.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if user.Status != store.UserActive {
		return store.User{}, ErrAccountDisabled
	}

	return user, nil
}

// ChangePassword replaces a user's password after verifying the current one.
// It clears the forced-change flag.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		return errors.New("current password is incorrect")
	}
	if currentPassword == newPassword {
		return errors.New("new password must differ from the current one")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.SetUserPassword(ctx, userID, string(hash), false); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// ResetPassword issues a fresh temporary password for a user without
// requiring the old one. The next sign-in forces a change.
func (s *Service) ResetPassword(ctx context.Context, userID string) (string, error) {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}

	tempPassword, err := generatePassword()
	if err != nil {
		return "", fmt.Errorf("generate temporary password: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(tempPassword), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.SetUserPassword(ctx, userID, string(hash), true); err != nil {
		return "", fmt.Errorf("update password: %w", err)
	}
	return tempPassword, nil
}

// UpdateUser changes a user's name, role, or status. Blank fields keep
// their current values.
func (s *Service) UpdateUser(ctx context.Context, userID, name, role, status string) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, fmt.Errorf("load user: %w", err)
	}

	if name = strings.TrimSpace(name); name == "" {
		name = user.Name
	}
	if role == "" {
		role = user.Role
	} else {
		role = string(rbac.Normalize(role))
	}
	switch status {
	case "":
		status = user.Status
	case store.UserActive, store.UserDisabled:
	default:
		return store.User{}, fmt.Errorf("unknown user status %q", status)
	}

	if err := s.store.UpdateUser(ctx, userID, name, role, status); err != nil {
		return store.User{}, fmt.Errorf("update user: %w", err)
	}
	return s.store.GetUserByID(ctx, userID)
}

// ListUsers returns all accounts.
func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	return s.store.ListUsers(ctx)
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	return nil
}

// generatePassword creates a random temporary password.
func generatePassword() (string, error) {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
