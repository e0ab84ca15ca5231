// Package authpin provides pseudonymous hash/PIN authentication.
//
// Users never register an email. Registration takes a display name and a
// 4-digit PIN and returns an opaque hash that doubles as the user id; the
// hash plus PIN is the only way back into the account.
package authpin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"veil/api/internal/store"
	"veil/api/internal/util"
)

var ErrInvalidCredentials = errors.New("invalid hash or pin")

var pinPattern = regexp.MustCompile(`^[0-9]{4}$`)

// UserStore defines the storage interface for auth
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, id string) (store.User, error)
	UpdateUserPinHash(ctx context.Context, userID, pinHash string) error
	TouchUserLogin(ctx context.Context, userID string) error
}

// Service provides hash/PIN authentication
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// RegisterRequest contains registration parameters
type RegisterRequest struct {
	DisplayName string
	Pin         string
}

// RegisterResponse contains the newly issued identity
type RegisterResponse struct {
	User store.User
	Hash string
}

// Register creates a new pseudonymous account and returns its hash.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	displayName := strings.TrimSpace(req.DisplayName)
	if len(displayName) < 3 || len(displayName) > 50 {
		return nil, errors.New("display name must be between 3 and 50 characters")
	}
	if !pinPattern.MatchString(req.Pin) {
		return nil, errors.New("pin must be exactly 4 digits")
	}

	pinHash, err := bcrypt.GenerateFromPassword([]byte(req.Pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}

	user := store.User{
		ID:          util.NewID(""),
		DisplayName: displayName,
		PinHash:     string(pinHash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return &RegisterResponse{User: user, Hash: user.ID}, nil
}

// SignIn authenticates a user by hash and PIN.
func (s *Service) SignIn(ctx context.Context, hash, pin string) (store.User, error) {
	if strings.TrimSpace(hash) == "" || pin == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByID(ctx, hash)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PinHash), []byte(pin)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := s.store.TouchUserLogin(ctx, user.ID); err != nil {
		return store.User{}, fmt.Errorf("record login: %w", err)
	}
	return user, nil
}

// ResetPin replaces the PIN after verifying the current one.
func (s *Service) ResetPin(ctx context.Context, hash, currentPin, newPin string) error {
	if !pinPattern.MatchString(newPin) {
		return errors.New("pin must be exactly 4 digits")
	}

	user, err := s.store.GetUserByID(ctx, hash)
	if err != nil {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PinHash), []byte(currentPin)); err != nil {
		return ErrInvalidCredentials
	}

	pinHash, err := bcrypt.GenerateFromPassword([]byte(newPin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	if err := s.store.UpdateUserPinHash(ctx, user.ID, string(pinHash)); err != nil {
		return fmt.Errorf("update pin: %w", err)
	}
	return nil
}
