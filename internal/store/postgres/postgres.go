// Package postgres feeds store changes from PostgreSQL LISTEN/NOTIFY.
//
// Writers publish a store.Notification payload with pg_notify on the
// configured channel. The Listener holds one pooled connection for the
// LISTEN and applies every payload to a store.Memory, which in turn wakes up
// the subscriptions reading the affected entity types.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	logger "github.com/hanpama/liveql/internal/logger"
	store "github.com/hanpama/liveql/internal/store"
)

// NewPool opens a pool of at most poolSize connections to uri.
func NewPool(ctx context.Context, uri string, poolSize int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parse postgres uri: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

type Listener struct {
	pool    *pgxpool.Pool
	channel string
	memory  *store.Memory
	logger  logger.Logger
}

func NewListener(pool *pgxpool.Pool, channel string, memory *store.Memory, l logger.Logger) *Listener {
	return &Listener{pool: pool, channel: channel, memory: memory, logger: l}
}

// Run listens until ctx is cancelled. It returns nil on cancellation and the
// connection error otherwise.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen on %s: %w", l.channel, err)
	}
	l.logger.Info("listening for store notifications", zap.String("channel", l.channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.handle(n)
	}
}

func (l *Listener) handle(n *pgconn.Notification) {
	if n == nil {
		return
	}
	if err := apply(l.memory, []byte(n.Payload)); err != nil {
		l.logger.Warn("ignoring store notification", zap.String("channel", n.Channel), zap.Error(err))
	}
}

func apply(memory *store.Memory, payload []byte) error {
	n, err := store.DecodeNotification(payload)
	if err != nil {
		return err
	}
	_, err = memory.Apply(n)
	return err
}

// Notify publishes n on channel.
func Notify(ctx context.Context, pool *pgxpool.Pool, channel string, n store.Notification) error {
	if channel == "" {
		return errors.New("notify: channel is required")
	}
	payload, err := n.Encode()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}
