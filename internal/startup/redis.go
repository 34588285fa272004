package startup

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chatsync/internal/logger"
	redisstorage "github.com/chatsync/internal/storage/redis"
)

const dialTimeout = 5 * time.Second

// ConnectRedisWithRetry подключается к Redis с экспоненциальными повторами в пределах maxWait.
// ttl: срок жизни записей присутствия.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, ttl, maxWait time.Duration) (*redisstorage.Client, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxWait

	var client *redisstorage.Client
	connect := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		c, err := redisstorage.New(dialCtx, redisURL, ttl)
		if err != nil {
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Errorf("redis connect failed, retry in %v: %v", wait, err)
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify); err != nil {
		logger.Errorf("redis (gave up after %v): %v", maxWait, err)
		return nil, err
	}
	return client, nil
}
