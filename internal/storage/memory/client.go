package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chatsync/internal/model"
)

type item struct {
	val model.UserStatus
	exp time.Time
}

// Client хранит статусы в памяти процесса. ttl <= 0 — записи не истекают.
type Client struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[int64]item
	now   func() time.Time
}

func New(ttl time.Duration) *Client {
	return &Client{
		ttl:   ttl,
		items: make(map[int64]item),
		now:   time.Now,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Put(ctx context.Context, st model.UserStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := item{val: st}
	if c.ttl > 0 {
		it.exp = c.now().Add(c.ttl)
	}
	c.items[st.UserID] = it
	return nil
}

func (c *Client) Get(ctx context.Context, userID int64) (model.UserStatus, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[userID]
	if !ok || c.expired(it) {
		return model.UserStatus{}, false, nil
	}
	return it.val, true, nil
}

func (c *Client) List(ctx context.Context) ([]model.UserStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.UserStatus, 0, len(c.items))
	for id, it := range c.items {
		if c.expired(it) {
			delete(c.items, id)
			continue
		}
		out = append(out, it.val)
	}
	return out, nil
}

func (c *Client) expired(it item) bool {
	return !it.exp.IsZero() && c.now().After(it.exp)
}
