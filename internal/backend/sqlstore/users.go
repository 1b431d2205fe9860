package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// User lookup errors. Callers must not leak which factor failed.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
)

// GetUser loads one service user.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	var user User
	query := s.db.Rebind(`SELECT * FROM users WHERE username = ?`)
	if err := s.db.GetContext(ctx, &user, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	return &user, nil
}

// VerifyUserPassword checks a user's password against the stored bcrypt
// hash and returns the user's groups on success.
func (s *Store) VerifyUserPassword(ctx context.Context, username, password string) ([]string, error) {
	user, err := s.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}
	return user.Groups(), nil
}

// UpsertUser creates or updates a service user with the given plaintext
// password.
func (s *Store) UpsertUser(ctx context.Context, username, password string, groups []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	query := s.db.Rebind(`
		INSERT INTO users (username, password_hash, user_groups)
		VALUES (?, ?, ?)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = excluded.password_hash,
			user_groups = excluded.user_groups`)
	if _, err := s.db.ExecContext(ctx, query, username, string(hash), strings.Join(groups, ",")); err != nil {
		return fmt.Errorf("upsert user %s: %w", username, err)
	}
	return nil
}
