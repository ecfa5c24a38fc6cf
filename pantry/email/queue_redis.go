// pantry/email/queue_redis.go
package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dalemusser/mailaddr/pantry/email/address"
)

// RedisQueueClient is the subset of Redis operations the queue store needs.
// NewGoRedisClient adapts a go-redis client to it.
type RedisQueueClient interface {
	// Set stores a value with no expiry.
	Set(ctx context.Context, key, value string) error

	// Get returns ErrNotQueued when key does not exist.
	Get(ctx context.Context, key string) (string, error)

	Del(ctx context.Context, keys ...string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRangeByScore returns members with min <= score <= max. A count of
	// zero or less means no limit.
	ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]string, error)

	// ZRem reports whether member was present and removed.
	ZRem(ctx context.Context, key, member string) (bool, error)

	ZCard(ctx context.Context, key string) (int64, error)
}

// RedisQueueConfig configures the Redis queue store.
type RedisQueueConfig struct {
	Client RedisQueueClient
	Prefix string // Key prefix (default: "email_queue:")

	// Factory rebuilds stored addresses. Use the Sender's factory so an
	// address its Checker accepted still decodes. Default: address.Default().
	Factory *address.Factory

	Logger *zap.Logger
}

// RedisQueueStore is a Redis-backed queue store for production use.
//
// Each email is stored as JSON under <prefix>data:<id> and its ID is a member
// of the sorted set <prefix>queue:<status>, scored by send time minus
// priority.
type RedisQueueStore struct {
	client  RedisQueueClient
	prefix  string
	factory *address.Factory
	logger  *zap.Logger
}

// NewRedisQueueStore creates a new Redis-backed queue store.
func NewRedisQueueStore(cfg RedisQueueConfig) *RedisQueueStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "email_queue:"
	}
	if cfg.Factory == nil {
		cfg.Factory = address.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &RedisQueueStore{
		client:  cfg.Client,
		prefix:  cfg.Prefix,
		factory: cfg.Factory,
		logger:  cfg.Logger,
	}
}

// dequeueBatch is how many ready IDs Dequeue tries per status set before
// giving up on it.
const dequeueBatch = 16

// Enqueue adds an email to the queue.
func (s *RedisQueueStore) Enqueue(ctx context.Context, email *QueuedEmail) error {
	if err := s.put(ctx, email); err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, s.queueKey(email.Status), s.score(email), email.ID); err != nil {
		return fmt.Errorf("email: failed to add to queue: %w", err)
	}
	return nil
}

// Dequeue claims the next ready email, checking pending before scheduled.
// Removal from the status set is the claim, so two workers never send the
// same email. An ID another worker claimed first is skipped.
//
// A payload that cannot be decoded is moved to the failed set rather than
// dropped, so it stays visible in Stats.
func (s *RedisQueueStore) Dequeue(ctx context.Context) (*QueuedEmail, error) {
	now := float64(time.Now().Unix())

	for _, status := range []EmailStatus{EmailStatusPending, EmailStatusScheduled} {
		key := s.queueKey(status)
		ids, err := s.client.ZRangeByScore(ctx, key, math.Inf(-1), now, 0, dequeueBatch)
		if err != nil {
			return nil, fmt.Errorf("email: failed to dequeue: %w", err)
		}

		for _, id := range ids {
			claimed, err := s.client.ZRem(ctx, key, id)
			if err != nil {
				return nil, fmt.Errorf("email: failed to claim %s: %w", id, err)
			}
			if !claimed {
				continue
			}

			data, err := s.client.Get(ctx, s.dataKey(id))
			if errors.Is(err, ErrNotQueued) {
				continue
			}
			if err != nil {
				// Put the claim back so the email is not orphaned.
				_ = s.client.ZAdd(ctx, key, now, id)
				return nil, fmt.Errorf("email: failed to get email data: %w", err)
			}

			email, err := s.decode(data)
			if err != nil {
				s.logger.Error("undecodable queued email moved to failed",
					zap.String("id", id), zap.Error(err))
				if zerr := s.client.ZAdd(ctx, s.queueKey(EmailStatusFailed), now, id); zerr != nil {
					return nil, fmt.Errorf("email: failed to park %s: %w", id, zerr)
				}
				continue
			}

			email.Status = EmailStatusSending
			if err := s.Enqueue(ctx, email); err != nil {
				return nil, err
			}
			return email, nil
		}
	}

	return nil, nil
}

// Update stores an email's new state and moves it between status sets.
func (s *RedisQueueStore) Update(ctx context.Context, email *QueuedEmail) error {
	old, err := s.Get(ctx, email.ID)
	if err != nil {
		return err
	}
	if old.Status != email.Status {
		if _, err := s.client.ZRem(ctx, s.queueKey(old.Status), email.ID); err != nil {
			return fmt.Errorf("email: failed to update queue: %w", err)
		}
	}
	return s.Enqueue(ctx, email)
}

// Get retrieves an email by ID.
func (s *RedisQueueStore) Get(ctx context.Context, id string) (*QueuedEmail, error) {
	data, err := s.client.Get(ctx, s.dataKey(id))
	if err != nil {
		if errors.Is(err, ErrNotQueued) {
			return nil, fmt.Errorf("%w: %s", ErrNotQueued, id)
		}
		return nil, fmt.Errorf("email: failed to get email data: %w", err)
	}
	return s.decode(data)
}

// Delete removes an email from the queue.
func (s *RedisQueueStore) Delete(ctx context.Context, id string) error {
	email, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.client.ZRem(ctx, s.queueKey(email.Status), id); err != nil {
		return fmt.Errorf("email: failed to remove from queue: %w", err)
	}
	return s.client.Del(ctx, s.dataKey(id))
}

// Stats returns queue statistics.
func (s *RedisQueueStore) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	for _, status := range allStatuses {
		n, err := s.client.ZCard(ctx, s.queueKey(status))
		if err != nil {
			return nil, fmt.Errorf("email: failed to count %s: %w", status, err)
		}
		stats.add(status, n)
	}
	return stats, nil
}

func (s *RedisQueueStore) put(ctx context.Context, email *QueuedEmail) error {
	data, err := json.Marshal(encodeStored(email))
	if err != nil {
		return fmt.Errorf("email: failed to marshal email: %w", err)
	}
	if err := s.client.Set(ctx, s.dataKey(email.ID), string(data)); err != nil {
		return fmt.Errorf("email: failed to store email: %w", err)
	}
	return nil
}

func (s *RedisQueueStore) decode(data string) (*QueuedEmail, error) {
	var stored storedEmail
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("email: failed to unmarshal email: %w", err)
	}
	email, err := stored.decode(s.factory)
	if err != nil {
		return nil, fmt.Errorf("email: failed to unmarshal email %s: %w", stored.ID, err)
	}
	return email, nil
}

func (s *RedisQueueStore) dataKey(id string) string {
	return s.prefix + "data:" + id
}

func (s *RedisQueueStore) queueKey(status EmailStatus) string {
	return s.prefix + "queue:" + string(status)
}

// score orders emails by send time; each priority point moves an email one
// second earlier.
func (s *RedisQueueStore) score(email *QueuedEmail) float64 {
	ts := email.CreatedAt.Unix()
	if email.ScheduledAt != nil {
		ts = email.ScheduledAt.Unix()
	}
	return float64(ts - int64(email.Priority))
}

// storedEmail is the Redis payload. Addresses are kept as separate email and
// name fields and rebuilt with the store's Factory, instead of going through
// Address.UnmarshalText and the default validator.
type storedEmail struct {
	QueuedEmail
	Message storedMessage `json:"message"`
}

type storedMessage struct {
	Message
	From    *storedAddress  `json:"from,omitempty"`
	To      []storedAddress `json:"to"`
	Cc      []storedAddress `json:"cc,omitempty"`
	Bcc     []storedAddress `json:"bcc,omitempty"`
	ReplyTo *storedAddress  `json:"reply_to,omitempty"`
}

type storedAddress struct {
	Email string  `json:"email"`
	Name  *string `json:"name,omitempty"`
}

func encodeStored(email *QueuedEmail) storedEmail {
	m := email.Message
	return storedEmail{
		QueuedEmail: *email,
		Message: storedMessage{
			Message: m,
			From:    storeOne(m.From),
			To:      storeAll(m.To),
			Cc:      storeAll(m.Cc),
			Bcc:     storeAll(m.Bcc),
			ReplyTo: storeOne(m.ReplyTo),
		},
	}
}

func storeOne(a *address.Address) *storedAddress {
	if a == nil {
		return nil
	}
	sa := storeAll([]address.Address{*a})[0]
	return &sa
}

func storeAll(as []address.Address) []storedAddress {
	if as == nil {
		return nil
	}
	out := make([]storedAddress, len(as))
	for i, a := range as {
		out[i].Email = a.Email()
		if name, ok := a.Name(); ok {
			out[i].Name = &name
		}
	}
	return out
}

func (se storedEmail) decode(f *address.Factory) (*QueuedEmail, error) {
	email := se.QueuedEmail
	msg := se.Message.Message

	var err error
	if msg.From, err = loadOne(f, se.Message.From); err != nil {
		return nil, err
	}
	if msg.To, err = loadAll(f, se.Message.To); err != nil {
		return nil, err
	}
	if msg.Cc, err = loadAll(f, se.Message.Cc); err != nil {
		return nil, err
	}
	if msg.Bcc, err = loadAll(f, se.Message.Bcc); err != nil {
		return nil, err
	}
	if msg.ReplyTo, err = loadOne(f, se.Message.ReplyTo); err != nil {
		return nil, err
	}

	email.Message = msg
	return &email, nil
}

func loadOne(f *address.Factory, sa *storedAddress) (*address.Address, error) {
	if sa == nil {
		return nil, nil
	}
	a, err := f.New(sa.Email, sa.Name)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func loadAll(f *address.Factory, sas []storedAddress) ([]address.Address, error) {
	if sas == nil {
		return nil, nil
	}
	out := make([]address.Address, 0, len(sas))
	for i := range sas {
		a, err := f.New(sas[i].Email, sas[i].Name)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// goRedisClient adapts go-redis to RedisQueueClient.
type goRedisClient struct {
	c redis.UniversalClient
}

// NewGoRedisClient wraps a go-redis client (single node, cluster or
// sentinel) for use with RedisQueueStore.
func NewGoRedisClient(c redis.UniversalClient) RedisQueueClient {
	return goRedisClient{c: c}
}

func (g goRedisClient) Set(ctx context.Context, key, value string) error {
	return g.c.Set(ctx, key, value, 0).Err()
}

func (g goRedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := g.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotQueued
	}
	return v, err
}

func (g goRedisClient) Del(ctx context.Context, keys ...string) error {
	return g.c.Del(ctx, keys...).Err()
}

func (g goRedisClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return g.c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (g goRedisClient) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]string, error) {
	if count <= 0 {
		count = -1
	}
	return g.c.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    formatScore(min),
		Max:    formatScore(max),
		Offset: offset,
		Count:  count,
	}).Result()
}

func (g goRedisClient) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := g.c.ZRem(ctx, key, member).Result()
	return n > 0, err
}

func (g goRedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	return g.c.ZCard(ctx, key).Result()
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
