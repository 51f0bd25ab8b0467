// Package auth implements signup/login: stateless logic over the
// metadata store's user operations. Passwords are never stored or
// compared in the clear — only as lowercase-hex SHA-256 digests.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/stashfs/stashd/internal/store"
)

// ErrInvalidPassword is returned by Login when the username exists but the
// password does not match, distinct from store.ErrUserNotFound.
var ErrInvalidPassword = errors.New("invalid password")

// ErrInvalidUsername is returned by Signup when username is empty or
// exceeds MaxUsernameLength.
var ErrInvalidUsername = errors.New("invalid username")

// MaxUsernameLength is the longest username the metadata store's
// username column (size:63) can hold.
const MaxUsernameLength = 63

// ValidateUsername reports whether username fits the store's
// length-bounded identifier column.
func ValidateUsername(username string) error {
	if len(username) < 1 || len(username) > MaxUsernameLength {
		return ErrInvalidUsername
	}
	return nil
}

// Store is the subset of the metadata store auth needs. Kept narrow so
// tests can fake it without pulling in a real database.
type Store interface {
	UserExists(ctx context.Context, username string) (bool, error)
	CreateUser(ctx context.Context, username, passwordHash string, quotaLimit int64) (*store.User, error)
	VerifyPassword(ctx context.Context, username, candidateHash string) (bool, error)
}

// Hash returns the lowercase-hex SHA-256 digest of password, exactly the
// 64-character format the stored password_hash column expects.
func Hash(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Signup registers a new user with the default quota limit. Returns
// store.ErrUserExists if the username is taken.
func Signup(ctx context.Context, s Store, username, password string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}

	exists, err := s.UserExists(ctx, username)
	if err != nil {
		return fmt.Errorf("auth: check existing user: %w", err)
	}
	if exists {
		return store.ErrUserExists
	}

	if _, err := s.CreateUser(ctx, username, Hash(password), 0); err != nil {
		return fmt.Errorf("auth: create user: %w", err)
	}
	return nil
}

// Login verifies a username/password pair, returning store.ErrUserNotFound
// or ErrInvalidPassword as distinct failure kinds.
func Login(ctx context.Context, s Store, username, password string) error {
	ok, err := s.VerifyPassword(ctx, username, Hash(password))
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidPassword
	}
	return nil
}
