package store

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserExists reports whether username is already registered.
func (s *Store) UserExists(ctx context.Context, username string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("username = ?", username).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateUser registers a new user with the given password hash and quota
// limit. Returns ErrUserExists if the username is taken.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, quotaLimit int64) (*User, error) {
	if quotaLimit <= 0 {
		quotaLimit = DefaultQuotaLimit
	}

	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		QuotaLimit:   quotaLimit,
		CreatedAt:    time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	return user, nil
}

// GetUser fetches a user by username.
func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, convertNotFoundError(err, ErrUserNotFound)
	}
	return &user, nil
}

// VerifyPassword reports whether candidateHash matches the stored hash for
// username, distinguishing "user not found" from "bad password" via the
// returned error (true, nil) vs (false, nil) vs (false, ErrUserNotFound).
func (s *Store) VerifyPassword(ctx context.Context, username, candidateHash string) (bool, error) {
	user, err := s.GetUser(ctx, username)
	if err != nil {
		return false, err
	}
	match := subtle.ConstantTimeCompare([]byte(user.PasswordHash), []byte(candidateHash)) == 1
	return match, nil
}

// GetQuota returns a user's current usage and limit in bytes.
func (s *Store) GetQuota(ctx context.Context, username string) (used, limit int64, err error) {
	user, err := s.GetUser(ctx, username)
	if err != nil {
		return 0, 0, err
	}
	return user.QuotaUsed, user.QuotaLimit, nil
}

// CheckQuota reports whether username has room for an additional extra
// bytes without exceeding their quota limit.
func (s *Store) CheckQuota(ctx context.Context, username string, extra int64) (bool, error) {
	used, limit, err := s.GetQuota(ctx, username)
	if err != nil {
		return false, err
	}
	return used+extra <= limit, nil
}

// recomputeQuota sets user.QuotaUsed to the sum of the user's current file
// sizes, inside tx. Called by UpsertFile and RemoveFile after they change
// the files table, so the invariant quota_used =
// Σ size(f) — holds after every commit, never by incrementing a delta.
func recomputeQuota(tx *gorm.DB, userID string) error {
	var total int64
	if err := tx.Model(&FileRecord{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(size), 0)").
		Scan(&total).Error; err != nil {
		return err
	}
	return tx.Model(&User{}).Where("id = ?", userID).Update("quota_used", total).Error
}
