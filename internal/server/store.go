package server

import (
	"context"

	"github.com/stashfs/stashd/internal/store"
)

// Store is the subset of internal/store's persistence operations the
// server needs, kept narrow so handler/worker tests can fake it.
type Store interface {
	UserExists(ctx context.Context, username string) (bool, error)
	CreateUser(ctx context.Context, username, passwordHash string, quotaLimit int64) (*store.User, error)
	VerifyPassword(ctx context.Context, username, candidateHash string) (bool, error)
	CheckQuota(ctx context.Context, username string, extra int64) (bool, error)
	UpsertFile(ctx context.Context, username, filename string, size int64) error
	RemoveFile(ctx context.Context, username, filename string) error
	ListFiles(ctx context.Context, username string) ([]store.FileRecord, error)
}
