// Package redis feeds store changes from a Redis pub/sub channel carrying
// store.Notification payloads.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	logger "github.com/hanpama/liveql/internal/logger"
	store "github.com/hanpama/liveql/internal/store"
)

// NewClient connects to uri with at most poolSize connections.
func NewClient(ctx context.Context, uri string, poolSize int) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type Listener struct {
	client  *goredis.Client
	channel string
	memory  *store.Memory
	logger  logger.Logger
}

func NewListener(client *goredis.Client, channel string, memory *store.Memory, l logger.Logger) *Listener {
	return &Listener{client: client, channel: channel, memory: memory, logger: l}
}

// Run applies every message published on the channel until ctx is
// cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ps := l.client.Subscribe(ctx, l.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to %s: %w", l.channel, err)
	}
	l.logger.Info("listening for store notifications", zap.String("channel", l.channel))

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("redis subscription closed")
			}
			l.handle(msg)
		}
	}
}

func (l *Listener) handle(msg *goredis.Message) {
	if msg == nil {
		return
	}
	n, err := store.DecodeNotification([]byte(msg.Payload))
	if err == nil {
		_, err = l.memory.Apply(n)
	}
	if err != nil {
		l.logger.Warn("ignoring store notification", zap.String("channel", msg.Channel), zap.Error(err))
	}
}

// Publish sends n on channel.
func Publish(ctx context.Context, client *goredis.Client, channel string, n store.Notification) error {
	if channel == "" {
		return errors.New("publish: channel is required")
	}
	payload, err := n.Encode()
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}
