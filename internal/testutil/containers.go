// Package testutil starts throwaway backing services for integration tests.
//
// Each container is started at most once per test binary and is reaped by
// testcontainers when the binary exits. Tests using these helpers are
// skipped with -short.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

type startFunc func(ctx context.Context) (testcontainers.Container, string, error)

func (c *sharedContainer) get(t *testing.T, name string, start startFunc) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s container test in -short mode", name)
	}

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		ctr, endpoint, err := start(ctx)
		if err != nil {
			_ = testcontainers.TerminateContainer(ctr) // best-effort cleanup
			c.err = err
			return
		}
		c.endpoint = endpoint
	})

	require.NoError(t, c.err, "start %s container", name)
	return c.endpoint
}
