package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

var Client *redis.Client

// StatusSummaryKey is the redis key holding the latest fleet status summary
const StatusSummaryKey = "flowfleet:status_summary"

// InitRedis initializes Redis connection
func InitRedis(addr, password string, db int) error {
	Client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx := context.Background()
	if err := Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✓ Redis connected successfully")
	return nil
}

// SetStatusSummary stores the latest fleet status summary JSON
func SetStatusSummary(ctx context.Context, summaryJSON string) error {
	if Client == nil {
		return nil
	}
	return Client.Set(ctx, StatusSummaryKey, summaryJSON, 5*time.Minute).Err()
}

// GetStatusSummary reads the cached fleet status summary JSON. Returns an
// empty string when no summary has been published yet.
func GetStatusSummary(ctx context.Context) (string, error) {
	if Client == nil {
		return "", nil
	}
	val, err := Client.Get(ctx, StatusSummaryKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Close closes the Redis connection
func Close() error {
	if Client != nil {
		return Client.Close()
	}
	return nil
}
