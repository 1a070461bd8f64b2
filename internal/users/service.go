package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/antifraudhub/antifraudhub/internal/auth"
	"github.com/antifraudhub/antifraudhub/internal/idgen"
	"github.com/antifraudhub/antifraudhub/internal/validation"
)

// Session is the result of a successful signin.
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        *User     `json:"user"`
}

// Service implements account operations on top of a Store.
type Service struct {
	store  Store
	tokens *auth.TokenIssuer
	cost   int
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a user service. tokens may be nil when authentication
// is disabled; Signin then fails.
func NewService(store Store, tokens *auth.TokenIssuer, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		tokens: tokens,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
		logger: logger,
	}
}

// Signup creates a regular user.
func (s *Service) Signup(ctx context.Context, email, password string) (*User, error) {
	return s.create(ctx, email, password, auth.RoleUser)
}

func (s *Service) create(ctx context.Context, email, password, role string) (*User, error) {
	email = validation.SanitizeEmail(email)
	if errs := validation.Validate(
		validation.Required("email", email),
		validation.ValidEmail("email", email),
		validation.Required("password", password),
		validation.MinLength("password", password, validation.MinPasswordLength),
		validation.MaxLength("password", password, 72), // bcrypt input limit
	); len(errs) > 0 {
		return nil, errs
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		ID:           idgen.User(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user_id", u.ID, "role", role)
	return u, nil
}

// Signin checks credentials and issues an access token. Unknown email and
// wrong password both return ErrInvalidCredentials.
func (s *Service) Signin(ctx context.Context, email, password string) (*Session, error) {
	if s.tokens == nil {
		return nil, errors.New("token issuer not configured")
	}
	u, err := s.store.GetByEmail(ctx, validation.SanitizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, exp, err := s.tokens.Issue(auth.Principal{UserID: u.ID, Email: u.Email, Role: u.Role})
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: token, TokenType: "bearer", ExpiresAt: exp, User: u}, nil
}

// Get returns one user.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.GetByID(ctx, id)
}

// List returns a page of users, newest first.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*User, error) {
	return s.store.List(ctx, opts)
}

// Delete removes a user. Its outstanding tokens stop working on the next
// request.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("user deleted", "user_id", id)
	return nil
}

// EnsureAdmin creates the bootstrap admin if no user has that email yet.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) error {
	_, err := s.store.GetByEmail(ctx, validation.SanitizeEmail(email))
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	_, err = s.create(ctx, email, password, auth.RoleAdmin)
	if errors.Is(err, ErrEmailTaken) {
		return nil // another replica won the race
	}
	return err
}
