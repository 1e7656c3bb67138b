// sync/pgchannel.go
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const reconnectDelay = 5 * time.Second

// Postgres NOTIFY payloads are capped at roughly 8000 bytes. Larger states
// are announced with a ping and read back from shared storage instead.
const maxNotifyPayload = 7500

// PGChannel broadcasts between contexts running in separate processes over
// Postgres LISTEN/NOTIFY, sharing the pool of the pgkv storage driver.
type PGChannel struct {
	pool     *pgxpool.Pool
	name     string
	log      zerolog.Logger
	handlers []func(Message)
	cancel   context.CancelFunc
}

func NewPGChannel(pool *pgxpool.Pool, name string, log zerolog.Logger) *PGChannel {
	return &PGChannel{pool: pool, name: name, log: log}
}

func (c *PGChannel) Publish(ctx context.Context, msg Message) error {
	payload, err := encodeNotifyPayload(msg)
	if err != nil {
		return err
	}
	if _, err := c.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, c.name, string(payload)); err != nil {
		return fmt.Errorf("sync: notify: %w", err)
	}
	return nil
}

func encodeNotifyPayload(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("sync: encode message: %w", err)
	}
	if len(payload) <= maxNotifyPayload {
		return payload, nil
	}
	payload, err = json.Marshal(Message{Type: MessageTypeStatePing, Origin: msg.Origin})
	if err != nil {
		return nil, fmt.Errorf("sync: encode ping: %w", err)
	}
	return payload, nil
}

// Subscribe registers fn for inbound messages. Call before Start.
func (c *PGChannel) Subscribe(fn func(Message)) {
	c.handlers = append(c.handlers, fn)
}

// Start launches the listen loop, which stays connected until the channel is
// closed and reconnects after transient failures.
func (c *PGChannel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.listenLoop(ctx)
}

func (c *PGChannel) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *PGChannel) listenLoop(ctx context.Context) {
	for {
		err := c.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Str("channel", c.name).
			Msgf("listen connection lost, reconnecting in %v", reconnectDelay)

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *PGChannel) listen(ctx context.Context) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{c.name}.Sanitize()); err != nil {
		return err
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal([]byte(notification.Payload), &msg); err != nil {
			c.log.Warn().Err(err).Msg("dropping unparsable broadcast")
			continue
		}
		for _, fn := range c.handlers {
			fn(msg)
		}
	}
}
