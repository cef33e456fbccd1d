package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/errs"

	"github.com/redis/go-redis/v9"
)

// syncedField marks an unread hash that has been reconciled against the store.
const syncedField = "_synced"

var _ Store = (*RedisCache)(nil)

type RedisCache struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedis connects and pings. The caller decides whether a failed ping is fatal.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	c := NewRedisFromClient(client, cfg.OpTimeout)
	if err := c.Ping(ctx); err != nil {
		return c, err
	}
	return c, nil
}

func NewRedisFromClient(client *redis.Client, opTimeout time.Duration) *RedisCache {
	if opTimeout <= 0 {
		opTimeout = 50 * time.Millisecond
	}
	return &RedisCache{client: client, opTimeout: opTimeout}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func presenceKey(userID uint) string { return fmt.Sprintf("presence:%d", userID) }
func typingKey(from, to uint) string { return fmt.Sprintf("typing:%d:%d", from, to) }
func unreadKey(recipient uint) string { return fmt.Sprintf("unread:%d", recipient) }
func senderField(sender uint) string { return strconv.FormatUint(uint64(sender), 10) }

func (c *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *RedisCache) SetPresence(ctx context.Context, userID uint, online bool) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var err error
	if online {
		err = c.client.Set(ctx, presenceKey(userID), "1", PresenceTTL).Err()
	} else {
		err = c.client.Del(ctx, presenceKey(userID)).Err()
	}
	if err != nil {
		return errs.Transient("set presence", err)
	}
	return nil
}

func (c *RedisCache) IsOnline(ctx context.Context, userID uint) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, errs.Transient("get presence", err)
	}
	return n > 0, nil
}

func (c *RedisCache) SetTyping(ctx context.Context, fromID, toID uint, typing bool) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var err error
	if typing {
		err = c.client.Set(ctx, typingKey(fromID, toID), "1", TypingTTL).Err()
	} else {
		err = c.client.Del(ctx, typingKey(fromID, toID)).Err()
	}
	if err != nil {
		return errs.Transient("set typing", err)
	}
	return nil
}

func (c *RedisCache) GetTyping(ctx context.Context, fromID, toID uint) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.client.Exists(ctx, typingKey(fromID, toID)).Result()
	if err != nil {
		return false, errs.Transient("get typing", err)
	}
	return n > 0, nil
}

func (c *RedisCache) IncrementUnread(ctx context.Context, recipientID, senderID uint) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	key := unreadKey(recipientID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, senderField(senderID), 1)
		pipe.Expire(ctx, key, UnreadTTL)
		return nil
	})
	if err != nil {
		return errs.Transient("increment unread", err)
	}
	return nil
}

func (c *RedisCache) ResetUnread(ctx context.Context, recipientID, senderID uint) error {
	return c.SetUnread(ctx, recipientID, senderID, 0)
}

func (c *RedisCache) SetUnread(ctx context.Context, recipientID, senderID uint, count int64) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	key := unreadKey(recipientID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, senderField(senderID), count)
		pipe.Expire(ctx, key, UnreadTTL)
		return nil
	})
	if err != nil {
		return errs.Transient("set unread", err)
	}
	return nil
}

func (c *RedisCache) GetUnread(ctx context.Context, recipientID, senderID uint) (int64, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	vals, err := c.client.HMGet(ctx, unreadKey(recipientID), syncedField, senderField(senderID)).Result()
	if err != nil {
		return 0, false, errs.Transient("get unread", err)
	}
	if vals[0] == nil {
		return 0, false, nil
	}
	if vals[1] == nil {
		return 0, true, nil
	}
	s, _ := vals[1].(string)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, errs.Transient("get unread", err)
	}
	return n, true, nil
}

func (c *RedisCache) GetAllUnreadForRecipient(ctx context.Context, recipientID uint) (map[uint]int64, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	raw, err := c.client.HGetAll(ctx, unreadKey(recipientID)).Result()
	if err != nil {
		return nil, false, errs.Transient("get all unread", err)
	}
	if _, ok := raw[syncedField]; !ok {
		return nil, false, nil
	}

	out := make(map[uint]int64, len(raw))
	for field, v := range raw {
		if field == syncedField {
			continue
		}
		sender, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out[uint(sender)] = n
	}
	return out, true, nil
}

func (c *RedisCache) ReplaceUnread(ctx context.Context, recipientID uint, counts map[uint]int64) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	key := unreadKey(recipientID)
	values := make([]any, 0, 2*len(counts)+2)
	values = append(values, syncedField, "1")
	for sender, n := range counts {
		values = append(values, senderField(sender), n)
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, UnreadTTL)
		return nil
	})
	if err != nil {
		return errs.Transient("replace unread", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return errs.Transient("ping", err)
	}
	return nil
}
