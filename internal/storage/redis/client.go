package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/redis/go-redis/v9"
)

// Ключи: presence:{userID} хранит JSON статуса с TTL, presence:index хранит множество id для List.
const (
	keyPrefix = "presence:"
	indexKey  = "presence:index"
)

type Client struct {
	cli *redis.Client
	ttl time.Duration
}

func New(ctx context.Context, url string, ttl time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func statusKey(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

// Put сохраняет статус на ttl; при ttl <= 0 запись бессрочная.
func (c *Client) Put(ctx context.Context, st model.UserStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis put presence %d: %w", st.UserID, err)
	}
	_, err = c.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, statusKey(st.UserID), data, max(c.ttl, 0))
		p.SAdd(ctx, indexKey, st.UserID)
		return nil
	})
	return err
}

func (c *Client) Get(ctx context.Context, userID int64) (model.UserStatus, bool, error) {
	raw, err := c.cli.Get(ctx, statusKey(userID)).Bytes()
	if err == redis.Nil {
		return model.UserStatus{}, false, nil
	}
	if err != nil {
		return model.UserStatus{}, false, err
	}
	var st model.UserStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return model.UserStatus{}, false, fmt.Errorf("redis decode presence %d: %w", userID, err)
	}
	return st, true, nil
}

// List возвращает живые записи; истёкшие id вычищаются из индекса.
func (c *Client) List(ctx context.Context) ([]model.UserStatus, error) {
	ids, err := c.cli.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	vals, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]model.UserStatus, 0, len(vals))
	var gone []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			gone = append(gone, ids[i])
			continue
		}
		var st model.UserStatus
		if err := json.Unmarshal([]byte(s), &st); err != nil {
			return nil, fmt.Errorf("redis decode presence %s: %w", ids[i], err)
		}
		out = append(out, st)
	}
	if len(gone) > 0 {
		if err := c.cli.SRem(ctx, indexKey, gone...).Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}
