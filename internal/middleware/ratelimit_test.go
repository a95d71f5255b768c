package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimitedApp(t *testing.T, limit int) (*fiber.App, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rl := NewRateLimiter(client, zerolog.Nop())
	app := fiber.New()
	app.Post("/upload", rl.UploadLimit(limit), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})
	return app, mr
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	app, mr := newLimitedApp(t, 2)

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/upload", nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest("POST", "/upload", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "ratelimit:upload:")
}

func TestRateLimiter_FailsOpenWhenRedisIsDown(t *testing.T) {
	app, mr := newLimitedApp(t, 1)
	mr.Close()

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/upload", nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}
}

func TestRateLimiter_NilLimiterIsNoop(t *testing.T) {
	var rl *RateLimiter
	app := fiber.New()
	app.Get("/", rl.GenerateLimit(1), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/", nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}
