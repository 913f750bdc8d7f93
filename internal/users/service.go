// Package users manages operator accounts and login verification.
package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/replyhub/replyhub/internal/db"
)

const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

var (
	// ErrNotFound is returned when the user does not exist.
	ErrNotFound = errors.New("user not found")
	// ErrInvalidCredentials is returned on a failed login attempt.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// User is an operator account.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	Role        string    `json:"role"`
	DisplayName string    `json:"displayName,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsAdmin reports whether the user carries the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

const userColumns = `id, username, email, role, display_name, is_active, created_at`

func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	pgID, err := db.ParseUUID(userID)
	if err != nil {
		return User{}, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, pgID)
	return scanUser(row)
}

func (s *Service) GetByUsername(ctx context.Context, username string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row)
}

// Login verifies the password and returns the user. Unknown usernames, bad
// passwords and deactivated accounts all produce the same error so the
// response does not leak which check failed.
func (s *Service) Login(ctx context.Context, username, password string) (User, error) {
	var hash string
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+`, password_hash FROM users WHERE username = $1`, username)
	user, err := scanUserWith(row, &hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if !user.IsActive {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Create inserts a new operator with a bcrypt-hashed password.
func (s *Service) Create(ctx context.Context, username, password, role string) (User, error) {
	if role == "" {
		role = RoleAgent
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, role)
		 VALUES ($1, $2, $3)
		 RETURNING `+userColumns,
		username, string(hash), role)
	return scanUser(row)
}

// EnsureAdmin seeds the admin account on first boot. An existing account is
// left untouched.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) (User, error) {
	user, err := s.GetByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}
	return s.Create(ctx, username, password, RoleAdmin)
}

func scanUser(row pgx.Row) (User, error) {
	return scanUserWith(row)
}

func scanUserWith(row pgx.Row, extra ...any) (User, error) {
	var (
		user        User
		pgID        pgtype.UUID
		email       pgtype.Text
		displayName pgtype.Text
		pgCreated   pgtype.Timestamptz
	)
	dest := []any{&pgID, &user.Username, &email, &user.Role, &displayName, &user.IsActive, &pgCreated}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	user.ID = db.UUIDToString(pgID)
	user.Email = db.TextToString(email)
	user.DisplayName = db.TextToString(displayName)
	user.CreatedAt = db.TimeFromPg(pgCreated)
	return user, nil
}
