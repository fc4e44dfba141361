package redis

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Hash keys, also used as pubsub channels carrying the changed field name
const (
	ModemKey    = "modem"
	InternetKey = "internet"
)

// Client publishes cellular state into Redis hashes
type Client struct {
	client *redis.Client
	logger func(string, ...interface{})
}

// New creates a new Redis client. The connection is made lazily.
func New(redisURL string, logger func(string, ...interface{})) (*Client, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}

	return &Client{
		client: redis.NewClient(opt),
		logger: logger,
	}, nil
}

// Ping checks if the Redis server is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PublishModemState sets one field of the modem hash
func (c *Client) PublishModemState(ctx context.Context, field, value string) error {
	return c.publish(ctx, ModemKey, map[string]string{field: value})
}

// PublishModemFields sets several modem fields in one round trip
func (c *Client) PublishModemFields(ctx context.Context, fields map[string]string) error {
	return c.publish(ctx, ModemKey, fields)
}

// PublishInternetState sets one field of the internet hash
func (c *Client) PublishInternetState(ctx context.Context, field, value string) error {
	return c.publish(ctx, InternetKey, map[string]string{field: value})
}

// ModemState reads back one modem field, "" if unset
func (c *Client) ModemState(ctx context.Context, field string) (string, error) {
	v, err := c.client.HGet(ctx, ModemKey, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (c *Client) publish(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	pipe := c.client.Pipeline()
	for _, name := range names {
		pipe.HSet(ctx, key, name, fields[name])
	}
	for _, name := range names {
		pipe.Publish(ctx, key, name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger("Unable to set %s %v in redis: %v", key, names, err)
		return errors.Wrap(err, "cannot write to redis")
	}
	return nil
}

// Close closes the Redis client
func (c *Client) Close() error {
	return c.client.Close()
}
