// Package storetest starts an isolated in-memory Redis per test.
package storetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/go-redis/redis/v8"
)

// StartRedis starts a miniredis server and returns it with a client bound to
// it. Both are closed when the test ends.
//
// miniredis does not age keys on its own: TTL reads return exactly what was
// set until FastForward is called.
func StartRedis(t testing.TB) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()

	srv := miniredis.RunT(t)
	conn := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return srv, conn
}
