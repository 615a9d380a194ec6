// Package redisbroker implements broker.Broker on Redis Streams. Each namespace
// is one stream, capped with an approximate MAXLEN and given an idle TTL so a
// crashed bridge does not leave streams behind. Acknowledged entries are
// trimmed with XTRIM MINID. Cleanup leaves a marker key, living as long as the
// TTL, that keeps the name closed.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-http-bridge/broker"
	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "mcp-bridge:broker:"
	defaultMaxLen    = 4096
	defaultTTL       = time.Hour
	readBlock        = time.Second
	readCount        = 64
)

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every stream key. Defaults to "mcp-bridge:broker:".
	KeyPrefix string
	// MaxLen approximately caps each stream. Defaults to 4096.
	MaxLen int64
	// TTL is refreshed on every publish and also bounds how long a cleaned-up
	// namespace stays closed. Defaults to one hour.
	TTL time.Duration
}

// Broker is a Redis Streams broker.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	ttl       time.Duration
}

// New returns a Broker using cfg.Client.
func New(cfg Config) (*Broker, error) {
	if cfg.Client == nil {
		return nil, errors.New("redisbroker: client is required")
	}
	b := &Broker{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		maxLen:    cfg.MaxLen,
		ttl:       cfg.TTL,
	}
	if b.keyPrefix == "" {
		b.keyPrefix = defaultKeyPrefix
	}
	if b.maxLen <= 0 {
		b.maxLen = defaultMaxLen
	}
	if b.ttl <= 0 {
		b.ttl = defaultTTL
	}
	return b, nil
}

// Close closes the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, message jsonrpc.Message) (string, error) {
	key := b.streamKey(namespace)

	if err := b.checkOpen(ctx, namespace); err != nil {
		return "", err
	}

	pipe := b.client.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": []byte(message)},
	})
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", key, err)
	}
	return add.Val(), nil
}

// Subscribe implements broker.Broker. The closed marker is checked on entry
// and whenever a blocking read times out, so a subscription ends within one
// read block of Cleanup. A stream that expires after it was observed also
// ends the subscription.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler broker.MessageHandler) error {
	key := b.streamKey(namespace)

	if err := b.checkOpen(ctx, namespace); err != nil {
		return err
	}

	startID := "0-0"
	if lastEventID != "" {
		startID = lastEventID
	}
	seen := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, startID},
			Count:   readCount,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if err := b.checkOpen(ctx, namespace); err != nil {
					return err
				}
				exists, xerr := b.client.Exists(ctx, key).Result()
				if xerr != nil {
					return fmt.Errorf("check stream %s: %w", key, xerr)
				}
				if exists == 1 {
					seen = true
				} else if seen {
					return broker.ErrNamespaceClosed
				}
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read from stream %s: %w", key, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				seen = true
				startID = msg.ID

				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// Ack implements broker.Broker by trimming every entry up to and including
// eventID.
func (b *Broker) Ack(ctx context.Context, namespace string, eventID string) error {
	minID, ok := nextStreamID(eventID)
	if !ok {
		return nil
	}
	key := b.streamKey(namespace)
	if err := b.client.XTrimMinID(ctx, key, minID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("trim stream %s: %w", key, err)
	}
	return nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.streamKey(namespace))
	pipe.Set(ctx, b.closedKey(namespace), 1, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Broker) checkOpen(ctx context.Context, namespace string) error {
	n, err := b.client.Exists(ctx, b.closedKey(namespace)).Result()
	if err != nil {
		return fmt.Errorf("check namespace %s: %w", namespace, err)
	}
	if n > 0 {
		return broker.ErrNamespaceClosed
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

func (b *Broker) closedKey(namespace string) string {
	return b.keyPrefix + "closed:" + namespace
}

// nextStreamID returns the smallest stream ID greater than id.
func nextStreamID(id string) (string, bool) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", false
	}
	msN, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return "", false
	}
	seqN, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", false
	}
	if seqN == ^uint64(0) {
		return strconv.FormatUint(msN+1, 10) + "-0", true
	}
	return ms + "-" + strconv.FormatUint(seqN+1, 10), true
}

var _ broker.Broker = (*Broker)(nil)
