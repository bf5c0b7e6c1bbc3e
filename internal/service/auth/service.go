package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/pkg/crypto"
	jwtpkg "github.com/nanoscale/nanoscale/pkg/jwt"
)

const minPasswordLength = 8

var (
	// ErrInvalidCredentials hides whether the email or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSetupComplete is returned once the first operator exists.
	ErrSetupComplete = errors.New("setup already completed")
	// ErrInvalidInput covers malformed emails and short passwords.
	ErrInvalidInput = errors.New("invalid email or password")
	// ErrUnauthorized is returned for missing or invalid bearer tokens.
	ErrUnauthorized = errors.New("unauthorized")
)

// Session is an issued access token.
type Session struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Service handles operator authentication.
type Service struct {
	users     repository.UserRepository
	logger    *slog.Logger
	jwtSecret string
	tokenTTL  time.Duration
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, jwtSecret string, tokenTTL time.Duration) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return Service{users: users, logger: logger.With("component", "auth"), jwtSecret: jwtSecret, tokenTTL: tokenTTL}
}

// Setup creates the first operator. It fails once any user exists.
func (s Service) Setup(ctx context.Context, email, password string) (*domain.User, Session, error) {
	email = normalizeEmail(email)
	if err := validate(email, password); err != nil {
		return nil, Session{}, err
	}
	count, err := s.users.CountUsers(ctx)
	if err != nil {
		return nil, Session{}, fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil, Session{}, ErrSetupComplete
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, Session{}, fmt.Errorf("hash password: %w", err)
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, Session{}, ErrSetupComplete
		}
		return nil, Session{}, err
	}
	session, err := s.issue(user)
	if err != nil {
		return nil, Session{}, err
	}
	s.logger.Info("operator created", "user_id", user.ID)
	return user, session, nil
}

// Login authenticates an operator and returns an access token.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Session, error) {
	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Session{}, ErrInvalidCredentials
		}
		return nil, Session{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		if !errors.Is(err, crypto.ErrPasswordMismatch) {
			s.logger.Error("stored password hash unusable", "user_id", user.ID, "error", err)
		} else {
			s.logger.Warn("login rejected", "user_id", user.ID)
		}
		return nil, Session{}, ErrInvalidCredentials
	}
	session, err := s.issue(user)
	if err != nil {
		return nil, Session{}, err
	}
	s.logger.Info("operator logged in", "user_id", user.ID)
	return user, session, nil
}

// Authorize validates a bearer token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(trimmed, s.jwtSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrUnauthorized
		}
		return nil, nil, err
	}
	return user, claims, nil
}

func (s Service) issue(user *domain.User) (Session, error) {
	access, err := jwtpkg.GenerateToken(user.ID, user.Email, s.jwtSecret, s.tokenTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{AccessToken: access, ExpiresIn: s.tokenTTL}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validate(email, password string) error {
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidInput
	}
	if len(password) < minPasswordLength {
		return ErrInvalidInput
	}
	return nil
}
