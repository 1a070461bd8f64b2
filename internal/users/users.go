// Package users manages the accounts that may call the api surface.
package users

import (
	"context"
	"errors"
	"time"

	"github.com/antifraudhub/antifraudhub/internal/pagination"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User is an account. PasswordHash is a bcrypt hash and never serialized.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListOptions pages through users, newest first.
type ListOptions struct {
	Limit  int
	Cursor *pagination.Cursor
}

// Store persists users. Emails are unique case-insensitively; Create
// returns ErrEmailTaken on conflict.
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context, opts ListOptions) ([]*User, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}
