package redis

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/internal/runtime/ids"
	"github.com/drblury/creditflow/internal/storage"
	"github.com/drblury/creditflow/internal/storage/storagetest"
)

const testAddrEnv = "CREDITFLOW_TEST_REDIS_ADDR"

// testClient returns a client for the server named by CREDITFLOW_TEST_REDIS_ADDR
// and skips the test when it is unset or unreachable.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv(testAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", testAddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis at %s unreachable: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// openTestDriver namespaces each driver under a fresh prefix and removes its
// keys afterwards.
func openTestDriver(t *testing.T, client *redis.Client) storage.Driver {
	t.Helper()
	prefix := "creditflow-test:" + ids.CreateULID()
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return New(client, prefix)
}

func TestDriver(t *testing.T) {
	client := testClient(t)
	storagetest.Run(t, func(t *testing.T) storage.Driver { return openTestDriver(t, client) })
}

func TestOpenRequiresAddr(t *testing.T) {
	_, err := Open(context.Background(), Options{})
	assert.Error(t, err)
}

func TestOpenUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNewLeavesClientOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	d := New(client, "")
	require.NoError(t, d.Close())
	assert.Equal(t, DefaultPrefix, d.prefix)
}

func TestKeyLayout(t *testing.T) {
	b := New(nil, "p").Bucket("clients").(*bucket)
	idx := storage.Index{Name: "identifier", Value: "11122233344", Unique: true}

	assert.Equal(t, "p:clients:rec:abc", b.recordKey("abc"))
	assert.Equal(t, "p:clients:idx:identifier:11122233344", b.indexKey(idx))
	assert.Equal(t, "p:clients:uniq:identifier:11122233344", b.uniqueKey(idx))
	assert.Equal(t, "p:clients:seq", b.seqKey())
}
