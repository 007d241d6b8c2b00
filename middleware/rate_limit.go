package middleware

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/sirupsen/logrus"

	"subpilot/utils"
)

// RateLimitConfig configures one limiter instance.
type RateLimitConfig struct {
	Scope      string
	Max        int
	Expiration time.Duration
	// Storage is shared across instances when set; nil keeps counters in memory.
	Storage fiber.Storage
	Logger  *logrus.Logger
}

// RateLimiter limits requests per caller and path. Authenticated callers are
// keyed by user id, everyone else by client IP.
func RateLimiter(cfg RateLimitConfig) fiber.Handler {
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Expiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			subject := c.IP()
			if id, ok := c.Locals("userID").(uint); ok && id != 0 {
				subject = "user:" + strconv.FormatUint(uint64(id), 10)
			}
			return utils.GenerateRateLimitKey(cfg.Scope, subject, c.Path())
		},
		LimitReached: func(c *fiber.Ctx) error {
			if cfg.Logger != nil {
				utils.LogEvent(cfg.Logger, "rate_limit_hit", map[string]interface{}{
					"scope":      cfg.Scope,
					"endpoint":   c.Path(),
					"ip":         c.IP(),
					"user_agent": c.Get(fiber.HeaderUserAgent),
				})
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "Too many requests. Please wait before trying again.",
				"retry_after": cfg.Expiration.String(),
			})
		},
		Storage: cfg.Storage,
	})
}

// RedisStorage implements fiber.Storage for Redis
type RedisStorage struct {
	client *redis.Client
}

type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

func NewRedisStorage(opts RedisOptions) *RedisStorage {
	return &RedisStorage{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       opts.DB,
		}),
	}
}

// Get returns nil, nil for a missing key as fiber.Storage requires.
func (r *RedisStorage) Get(key string) ([]byte, error) {
	val, err := r.client.Get(context.Background(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (r *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	return r.client.Set(context.Background(), key, val, exp).Err()
}

func (r *RedisStorage) Delete(key string) error {
	return r.client.Del(context.Background(), key).Err()
}

func (r *RedisStorage) Reset() error {
	return r.client.FlushDB(context.Background()).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// Ping checks the connection at startup.
func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
