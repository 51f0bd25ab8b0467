package store

import "time"

// User is a registered account: an identifier, a password hash, and a
// byte quota. QuotaUsed is never written directly by callers — it is
// always recomputed from the files table inside the same transaction as
// the mutation that changed it (see recomputeQuota).
type User struct {
	ID           string `gorm:"primaryKey;size:36"`
	Username     string `gorm:"uniqueIndex;not null;size:63"`
	PasswordHash string `gorm:"not null;size:64"`
	QuotaUsed    int64  `gorm:"not null;default:0"`
	QuotaLimit   int64  `gorm:"not null"`
	CreatedAt    time.Time
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// FileRecord is one uploaded file owned by a user. The pair
// (UserID, Filename) is unique: an UPLOAD of an existing filename
// overwrites the record rather than creating a second one.
type FileRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	UserID     string `gorm:"uniqueIndex:idx_user_filename;not null;size:36"`
	Filename   string `gorm:"uniqueIndex:idx_user_filename;not null;size:255"`
	Size       int64  `gorm:"not null"`
	ModifiedAt time.Time
}

// TableName returns the table name for FileRecord.
func (FileRecord) TableName() string {
	return "files"
}

// AllModels returns every model migrated into the database schema.
func AllModels() []any {
	return []any{&User{}, &FileRecord{}}
}
