package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UpsertFile records that username now owns a file named filename of the
// given size, creating the FileRecord if absent or updating it if present,
// and recomputes the owner's quota — both inside one transaction, so a
// crash or error between the two never leaves quota_used out of sync with
// the files table.
func (s *Store) UpsertFile(ctx context.Context, username, filename string, size int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("username = ?", username).First(&user).Error; err != nil {
			return convertNotFoundError(err, ErrUserNotFound)
		}

		var existing FileRecord
		err := tx.Where("user_id = ? AND filename = ?", user.ID, filename).First(&existing).Error
		switch {
		case err == nil:
			existing.Size = size
			existing.ModifiedAt = time.Now()
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			record := &FileRecord{
				ID:         uuid.New().String(),
				UserID:     user.ID,
				Filename:   filename,
				Size:       size,
				ModifiedAt: time.Now(),
			}
			if err := tx.Create(record).Error; err != nil {
				return err
			}
		default:
			return err
		}

		return recomputeQuota(tx, user.ID)
	})
}

// RemoveFile deletes the FileRecord for (username, filename) and
// recomputes the owner's quota in the same transaction. Returns
// ErrFileNotFound if no such record exists.
func (s *Store) RemoveFile(ctx context.Context, username, filename string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("username = ?", username).First(&user).Error; err != nil {
			return convertNotFoundError(err, ErrUserNotFound)
		}

		result := tx.Where("user_id = ? AND filename = ?", user.ID, filename).Delete(&FileRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrFileNotFound
		}

		return recomputeQuota(tx, user.ID)
	})
}

// GetFileSize returns the recorded size of (username, filename).
func (s *Store) GetFileSize(ctx context.Context, username, filename string) (int64, error) {
	user, err := s.GetUser(ctx, username)
	if err != nil {
		return 0, err
	}

	var record FileRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND filename = ?", user.ID, filename).
		First(&record).Error; err != nil {
		return 0, convertNotFoundError(err, ErrFileNotFound)
	}
	return record.Size, nil
}

// ListFiles returns every FileRecord owned by username, in no particular
// order (unspecified by design).
func (s *Store) ListFiles(ctx context.Context, username string) ([]FileRecord, error) {
	user, err := s.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}

	var records []FileRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", user.ID).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
