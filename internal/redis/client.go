package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/meshchat/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// collectionTTL bounds how long an abandoned room lingers. Every write to a
// collection pushes its expiry out again.
const collectionTTL = 24 * time.Hour

// Connect opens a client and checks that the server answers.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, logger), nil
}

// New wraps an existing client.
func New(client *redis.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger, ttl: collectionTTL}
}

// Close closes the Redis connection
func (s *Store) Close(context.Context) error {
	return s.client.Close()
}

// Client returns the underlying client.
func (s *Store) Client() *redis.Client {
	return s.client
}

// collectionKey is the hash holding every document of a collection, keyed
// by document ID.
func collectionKey(collection string) string {
	return "col:" + collection
}

// changeChannel carries the change feed of a collection.
func changeChannel(collection string) string {
	return "chg:" + collection
}
