// Package storage mirrors finished downloads to remote object storage.
// Syncing is strictly best-effort: the local files are the product, and a
// failed upload never fails the job that produced them.
package storage

import (
	"context"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// Archive mirrors a finished job's destination directory to a bucket.
type Archive interface {
	// SyncJob uploads every file under localDir beneath the job's key
	// prefix and returns the remote location.
	SyncJob(ctx context.Context, jobID int64, localDir string) (string, error)
	// ListObjects enumerates previously synced objects under prefix.
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
