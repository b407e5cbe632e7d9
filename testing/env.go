// Package testing carries shared fixtures for package tests. Importing it
// switches the process into test mode before any config is loaded.
package testing

import (
	"os"
	stdtesting "testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// JWTSecret signs tokens in tests. It satisfies the 32 byte minimum.
const JWTSecret = "labkeeper-test-secret-0123456789"

func init() {
	_ = os.Setenv("LABKEEPER_TEST_MODE", "1")
	if os.Getenv("JWT_SECRET") == "" {
		_ = os.Setenv("JWT_SECRET", JWTSecret)
	}
}

// Redis starts an in-process Redis and returns a client bound to it. Both
// are released when the test ends.
func Redis(t stdtesting.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}
