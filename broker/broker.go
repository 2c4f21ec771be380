// Package broker is the durable queue between the pipeline workers: redis
// streams with consumer groups in production, an in-process implementation for
// tests.
//
// Delivery is at-least-once: a consumed entry stays pending until it is
// acked, and entries pending longer than the visibility timeout are
// redelivered to another consumer. Consumers must be idempotent.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courier-mta/courier/config"
	"github.com/courier-mta/courier/mlog"
)

var xlog = mlog.New("broker")

// Message is one consumed queue entry. ID is broker-assigned and stable
// across redeliveries of the same entry.
type Message struct {
	ID         string
	Topic      string
	Body       []byte
	Deliveries int64 // 1 on first delivery, more after visibility timeouts.
}

// Queue is the broker interface the workers consume and publish through.
type Queue interface {
	// Publish appends an entry to a topic, returning its broker id.
	Publish(ctx context.Context, topic string, body []byte) (string, error)

	// Consume fetches up to max entries for a consumer group, blocking up to
	// block when the topic is empty. Entries pending longer than the
	// visibility timeout are claimed and redelivered first.
	Consume(ctx context.Context, topic, group, consumer string, max int, block time.Duration) ([]Message, error)

	// Ack marks entries as processed for the group. Unacked entries are
	// redelivered.
	Ack(ctx context.Context, topic, group string, ids ...string) error

	Close() error
}

// Redis is the production Queue on redis streams. Topics are streams, groups
// are stream consumer groups, the visibility timeout is enforced with
// XAUTOCLAIM on consume.
type Redis struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
}

var _ Queue = (*Redis)(nil)

// NewRedis connects to the configured redis server and pings it.
func NewRedis(ctx context.Context, cfg config.Redis) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client, prefix: cfg.Prefix, visibility: cfg.VisibilityTimeout}, nil
}

func (r *Redis) streamKey(topic string) string {
	return r.prefix + "." + topic
}

// Publish appends to the topic stream with XADD.
func (r *Redis) Publish(ctx context.Context, topic string, body []byte) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey(topic),
		Values: map[string]any{"body": body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

// ensureGroup creates the consumer group at the start of the stream if it
// does not exist yet, creating the stream as well.
func (r *Redis) ensureGroup(ctx context.Context, topic, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, r.streamKey(topic), group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Redis) Consume(ctx context.Context, topic, group, consumer string, max int, block time.Duration) ([]Message, error) {
	if err := r.ensureGroup(ctx, topic, group); err != nil {
		return nil, fmt.Errorf("ensuring group %s on %s: %w", group, topic, err)
	}

	key := r.streamKey(topic)
	var msgs []Message

	// First pick up entries another consumer left pending past the visibility
	// timeout.
	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  r.visibility,
		Start:    "0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", topic, err)
	}
	for _, m := range claimed {
		msg, err := r.message(ctx, topic, group, m)
		if err != nil {
			xlog.WithContext(ctx).Errorx("skipping malformed queue entry", err, mlog.Field("topic", topic), mlog.Field("id", m.ID))
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) >= max {
		r.fillDeliveries(ctx, topic, group, consumer, msgs)
		return msgs, nil
	}

	// Then read new entries.
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    int64(max - len(msgs)),
		Block:    redisBlock(block),
	}).Result()
	if errors.Is(err, redis.Nil) {
		r.fillDeliveries(ctx, topic, group, consumer, msgs)
		return msgs, nil
	} else if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", topic, err)
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			msg, err := r.message(ctx, topic, group, m)
			if err != nil {
				xlog.WithContext(ctx).Errorx("skipping malformed queue entry", err, mlog.Field("topic", topic), mlog.Field("id", m.ID))
				continue
			}
			msgs = append(msgs, msg)
		}
	}
	r.fillDeliveries(ctx, topic, group, consumer, msgs)
	return msgs, nil
}

// redisBlock maps the Queue block duration to XREADGROUP's BLOCK option.
// go-redis sends BLOCK for any value >= 0, and redis treats BLOCK 0 as wait
// forever. Consume's contract is that a non-positive block does not wait.
func redisBlock(block time.Duration) time.Duration {
	if block <= 0 {
		return -1
	}
	return block
}

// fillDeliveries sets the delivery count of consumed entries from the group's
// pending entries list. XPENDING's retry count includes the XREADGROUP or
// XAUTOCLAIM call that just returned the entry.
func (r *Redis) fillDeliveries(ctx context.Context, topic, group, consumer string, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   r.streamKey(topic),
		Group:    group,
		Consumer: consumer,
		Start:    msgs[0].ID,
		End:      msgs[len(msgs)-1].ID,
		Count:    int64(len(msgs)),
	}).Result()
	if err != nil {
		xlog.WithContext(ctx).Errorx("fetching pending delivery counts", err, mlog.Field("topic", topic))
	}
	mergeDeliveries(msgs, pending)
}

// mergeDeliveries copies pending retry counts onto the matching consumed
// entries. Entries without a pending record count as first delivery.
func mergeDeliveries(msgs []Message, pending []redis.XPendingExt) {
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	for i := range msgs {
		if n := counts[msgs[i].ID]; n > 0 {
			msgs[i].Deliveries = n
		} else {
			msgs[i].Deliveries = 1
		}
	}
}

// message converts a stream entry, acking and dropping entries without a
// body so they are not redelivered forever.
func (r *Redis) message(ctx context.Context, topic, group string, m redis.XMessage) (Message, error) {
	v, ok := m.Values["body"]
	if !ok {
		if err := r.Ack(ctx, topic, group, m.ID); err != nil {
			xlog.WithContext(ctx).Errorx("acking malformed queue entry", err, mlog.Field("topic", topic), mlog.Field("id", m.ID))
		}
		return Message{}, fmt.Errorf("stream entry without body field")
	}
	s, ok := v.(string)
	if !ok {
		return Message{}, fmt.Errorf("stream entry body is %T, expected string", v)
	}
	return Message{ID: m.ID, Topic: topic, Body: []byte(s)}, nil
}

func (r *Redis) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, r.streamKey(topic), group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
