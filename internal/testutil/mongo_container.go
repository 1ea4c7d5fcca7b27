package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var mongo sharedContainer

// GetMongoURI returns a connection URI for a MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongo.get(t, "mongo", func(ctx context.Context) (testcontainers.Container, string, error) {
		mongoC, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			return mongoC, "", err
		}
		endpoint, err := mongoC.Endpoint(ctx, "")
		if err != nil {
			return mongoC, "", err
		}
		return mongoC, fmt.Sprintf("mongodb://%s", endpoint), nil
	})
}
