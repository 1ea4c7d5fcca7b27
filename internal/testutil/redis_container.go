package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redis sharedContainer

// GetRedisAddress returns host:port of a Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redis.get(t, "redis", func(ctx context.Context) (testcontainers.Container, string, error) {
		redisC, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return redisC, "", err
		}
		endpoint, err := redisC.Endpoint(ctx, "")
		return redisC, endpoint, err
	})
}
