package ws

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"classroom-chat/internal/logging"
	"classroom-chat/internal/observability"
)

// DefaultLockTTL bounds how long a room lease survives a crashed holder.
const DefaultLockTTL = 30 * time.Second

var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBroadcaster publishes room payloads to Redis so that every process
// relaying the channel pattern delivers them to its local Hub. It also hands
// out per-room leases so that appends and publishes from different processes
// are linearised.
type RedisBroadcaster struct {
	client  *redis.Client
	prefix  string
	local   *Hub
	ready   chan struct{}
	lockTTL time.Duration
}

func NewRedisBroadcaster(client *redis.Client, prefix string, local *Hub) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, ":"),
		local:   local,
		ready:   make(chan struct{}),
		lockTTL: DefaultLockTTL,
	}
}

// SetLockTTL changes the room lease lifetime. It must exceed the longest
// append, otherwise a slow holder can lose its lease mid-write.
func (b *RedisBroadcaster) SetLockTTL(ttl time.Duration) {
	if ttl > 0 {
		b.lockTTL = ttl
	}
}

func (b *RedisBroadcaster) lockKey(roomID int64) string {
	return b.prefix + "-lock:" + strconv.FormatInt(roomID, 10)
}

// WithRoomLock runs fn while holding the cluster-wide lease for roomID.
// It waits for the lease until ctx is done.
func (b *RedisBroadcaster) WithRoomLock(ctx context.Context, roomID int64, fn func()) error {
	key := b.lockKey(roomID)
	token := uuid.NewString()

	wait := time.Millisecond
	for {
		ok, err := b.client.SetNX(ctx, key, token, b.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("acquire room lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire room lock: %w", ctx.Err())
		case <-time.After(wait):
		}
		if wait < 50*time.Millisecond {
			wait *= 2
		}
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseLock.Run(rctx, b.client, []string{key}, token).Err(); err != nil {
			logger := logging.L()
			logger.Warn().Err(err).Int64(logging.FieldChatID, roomID).Msg("release room lock failed")
		}
	}()
	fn()
	return nil
}

func (b *RedisBroadcaster) channel(roomID int64) string {
	return b.prefix + ":" + strconv.FormatInt(roomID, 10)
}

// Broadcast publishes payload for roomID. When Redis is unavailable the
// payload is delivered to local connections only.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, roomID int64, payload []byte) {
	if err := b.client.Publish(ctx, b.channel(roomID), payload).Err(); err != nil {
		logger := logging.Ctx(ctx)
		logger.Error().Err(err).Int64(logging.FieldChatID, roomID).Msg("redis publish failed, delivering locally")
		b.local.Broadcast(ctx, roomID, payload)
		return
	}
	observability.IncRelay("out")
}

// Ready is closed once Run has an active subscription.
func (b *RedisBroadcaster) Ready() <-chan struct{} {
	return b.ready
}

// Run relays published payloads to the local Hub until ctx is cancelled.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, b.prefix+":*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.prefix, err)
	}
	close(b.ready)
	logger := logging.L()
	logger.Info().Str("pattern", b.prefix+":*").Msg("redis relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			roomID, err := strconv.ParseInt(strings.TrimPrefix(msg.Channel, b.prefix+":"), 10, 64)
			if err != nil {
				logger := logging.L()
				logger.Warn().Str("channel", msg.Channel).Msg("relay message on unexpected channel")
				continue
			}
			observability.IncRelay("in")
			b.local.Broadcast(ctx, roomID, []byte(msg.Payload))
		}
	}
}
