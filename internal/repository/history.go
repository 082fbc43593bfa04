package repository

import (
	"context"

	"spotify-downloader/internal/domain"
)

// HistoryRepository persists finished jobs beyond the registry's retention
// window.
type HistoryRepository interface {
	Init(ctx context.Context) error
	Record(ctx context.Context, entry *domain.HistoryEntry) (int64, error)
	ListRecent(ctx context.Context, limit int) ([]domain.HistoryEntry, error)
}
