package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eshaffer321/lodgetix-reconcile/internal/infrastructure/config"
)

func TestNilCacheIsEmpty(t *testing.T) {
	var c *RedisCache
	ctx := context.Background()

	var dest map[string]int
	hit, err := c.GetJSON(ctx, "stats", &dest)
	assert.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, c.SetJSON(ctx, "stats", map[string]int{"total": 1}))
	assert.NoError(t, c.Delete(ctx, "stats"))
}

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "reconcile:stats", NewRedisCache(nil, "reconcile", time.Minute).key("stats"))
	assert.Equal(t, "stats", NewRedisCache(nil, "", time.Minute).key("stats"))
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	_, err := NewRedisClient(context.Background(), config.RedisConfig{Addr: "127.0.0.1:1"})
	assert.ErrorContains(t, err, "failed to ping redis")
}
