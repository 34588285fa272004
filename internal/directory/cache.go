// Package directory: кеш известных пользователей для отображения имён.
package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"golang.org/x/sync/singleflight"
)

// UsersAPI: источник списка пользователей (GET /users).
type UsersAPI interface {
	ListUsers(ctx context.Context) ([]model.User, error)
}

type Cache struct {
	api   UsersAPI
	group singleflight.Group

	mu     sync.RWMutex
	users  []model.User
	byID   map[int64]int
	loaded bool
}

func NewCache(api UsersAPI) *Cache {
	return &Cache{api: api, byID: make(map[int64]int)}
}

// Load загружает пользователей один раз. Параллельные вызовы разделяют один запрос;
// после ошибки кеш остаётся незагруженным и следующий вызов повторит запрос.
func (c *Cache) Load(ctx context.Context) error {
	if c.Loaded() {
		return nil
	}
	_, err, _ := c.group.Do("users", func() (any, error) {
		if c.Loaded() {
			return nil, nil
		}
		return nil, c.fetch(ctx)
	})
	return err
}

// Refresh перечитывает список безусловно; при ошибке прежние данные сохраняются.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("users", func() (any, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

func (c *Cache) fetch(ctx context.Context) error {
	users, err := c.api.ListUsers(ctx)
	if err != nil {
		logger.Errorf("directory: load users: %v", err)
		return err
	}
	byID := make(map[int64]int, len(users))
	for i, u := range users {
		byID[u.ID] = i
	}
	c.mu.Lock()
	c.users = users
	c.byID = byID
	c.loaded = true
	c.mu.Unlock()
	return nil
}

func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

func (c *Cache) Lookup(id int64) (model.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return model.User{}, false
	}
	return c.users[i], true
}

// DisplayName возвращает имя пользователя или "user #id", если он неизвестен.
func (c *Cache) DisplayName(id int64) string {
	if u, ok := c.Lookup(id); ok && u.DisplayName != "" {
		return u.DisplayName
	}
	return fmt.Sprintf("user #%d", id)
}

// List возвращает пользователей в порядке сервера.
func (c *Cache) List() []model.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.users)
}
