package storage

import (
	"context"

	"github.com/chatsync/internal/model"
)

// PresenceStore — хранилище последних известных статусов пользователей.
// Реализации: memory.Client (по умолчанию), redis.Client (общий кэш нескольких клиентов, записи с TTL).
// Отсутствие записи означает offline.
type PresenceStore interface {
	Put(ctx context.Context, st model.UserStatus) error
	Get(ctx context.Context, userID int64) (model.UserStatus, bool, error)
	List(ctx context.Context) ([]model.UserStatus, error)
	Close() error
}
