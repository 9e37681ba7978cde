package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 3 * time.Second
)

// Options selects the redis instance used for shared gateway state.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether an address was configured at all.
func (o Options) Enabled() bool {
	return strings.TrimSpace(o.Addr) != ""
}

// Connect builds a go-redis client and verifies it with PING before handing it out.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	if !opts.Enabled() {
		return nil, errors.New("redis: addr is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         strings.TrimSpace(opts.Addr),
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultIOTimeout,
		WriteTimeout: defaultIOTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}

	return client, nil
}
