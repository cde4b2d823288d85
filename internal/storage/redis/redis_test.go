package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	require.Error(t, err)
}

func TestNewLockValidates(t *testing.T) {
	_, err := NewLock(nil, "k", time.Second)
	require.Error(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	_, err = NewLock(client, "", time.Second)
	require.Error(t, err)

	lock, err := NewLock(client, "intentmesh:sweep", 0)
	require.NoError(t, err)
	require.Equal(t, time.Minute, lock.ttl)
	require.NoError(t, lock.Release(context.Background(), ""))
}
