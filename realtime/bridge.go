package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/crewsync/realtime/internal/slogging"
)

// bridgeChannelPrefix namespaces the per-room pub/sub channels
const bridgeChannelPrefix = "crewsync:room:"

// Bridge fans relayed events out across server processes through Redis
// pub/sub. Without it, a multi-process deployment silently partitions
// rooms: members on different processes never see each other's events.
type Bridge struct {
	redis *redis.Client
	// instanceID tags published events so a process skips its own
	instanceID string
	logger     *slogging.Logger
}

// bridgeEnvelope is the wrapper published to Redis
type bridgeEnvelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// NewBridge creates a bridge bound to one Redis client
func NewBridge(redisClient *redis.Client) *Bridge {
	return &Bridge{
		redis:      redisClient,
		instanceID: uuid.New().String(),
		logger:     slogging.Get(),
	}
}

// Publish sends an already-relayed event to the room's channel. Failures
// are logged, not surfaced: local relay already succeeded before the
// bridge was involved.
func (b *Bridge) Publish(projectID string, data []byte) {
	payload, err := json.Marshal(bridgeEnvelope{Origin: b.instanceID, Data: data})
	if err != nil {
		b.logger.Error("Bridge marshal failed - project_id=%s error=%v", projectID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.redis.Publish(ctx, bridgeChannelPrefix+projectID, payload).Err(); err != nil {
		b.logger.Warn("Bridge publish failed - project_id=%s error=%v", projectID, err)
	}
}

// Run subscribes to every room channel and hands foreign events to
// deliver. It blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, deliver func(projectID string, data []byte)) {
	pubsub := b.redis.PSubscribe(ctx, bridgeChannelPrefix+"*")
	defer func() {
		_ = pubsub.Close()
	}()

	b.logger.Info("Bridge subscribed - instance_id=%s", b.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg, deliver)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) handleMessage(msg *redis.Message, deliver func(projectID string, data []byte)) {
	projectID := strings.TrimPrefix(msg.Channel, bridgeChannelPrefix)
	if projectID == "" || projectID == msg.Channel {
		return
	}

	var env bridgeEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("Bridge payload malformed - channel=%s error=%v", msg.Channel, err)
		return
	}
	if env.Origin == b.instanceID {
		// Our own publish echoed back
		return
	}
	deliver(projectID, env.Data)
}
