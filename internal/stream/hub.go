package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/AnshMNSoni/NariKawach/internal/safety"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "safety:"
	channelSuffix  = ":events"
	channelPattern = channelPrefix + "*" + channelSuffix
	sendBuffer     = 64
)

// Hub fans safety events out to the websocket clients of a user. With
// redis configured, events also cross to other instances; each instance
// tags what it publishes so it never delivers its own message twice.
type Hub struct {
	redis  *redis.Client
	log    *zap.Logger
	origin string

	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex

	cancel context.CancelFunc
	done   chan struct{}
}

type Client struct {
	UserID string
	Send   chan []byte
}

type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

func NewHub(redisClient *redis.Client, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		redis:   redisClient,
		log:     log,
		origin:  uuid.NewString(),
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		h.done = make(chan struct{})

		pubsub := redisClient.PSubscribe(ctx, channelPattern)
		waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
		if _, err := pubsub.Receive(waitCtx); err != nil {
			log.Warn("redis subscribe not confirmed", zap.Error(err))
		}
		waitCancel()
		go h.subscribeRedis(ctx, pubsub)
	}
	return h
}

func (h *Hub) Register(userID string) *Client {
	client := &Client{
		UserID: userID,
		Send:   make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = map[*Client]struct{}{}
	}
	h.clients[userID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := userClients[client]; !ok {
		return
	}
	delete(userClients, client)
	if len(userClients) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
}

// Connected reports how many sockets the user has on this instance.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Notify encodes the event and broadcasts it to the event's user.
func (h *Hub) Notify(ctx context.Context, e safety.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.log.Warn("event encode failed", zap.Error(err))
		return
	}
	h.Broadcast(ctx, e.UserID, payload)
}

func (h *Hub) Broadcast(ctx context.Context, userID string, payload []byte) {
	h.deliver(userID, payload)

	if h.redis == nil {
		return
	}
	msg, err := json.Marshal(envelope{Origin: h.origin, Payload: payload})
	if err != nil {
		return
	}
	if err := h.redis.Publish(context.WithoutCancel(ctx), redisChannel(userID), msg).Err(); err != nil {
		h.log.Warn("redis publish error", zap.String("user_id", userID), zap.Error(err))
	}
}

// deliver drops the payload for clients whose buffer is full.
func (h *Hub) deliver(userID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context, pubsub *redis.PubSub) {
	defer close(h.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID := userIDFromChannel(msg.Channel)
			if userID == "" {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Debug("dropping malformed relay message", zap.String("channel", msg.Channel))
				continue
			}
			if env.Origin == h.origin {
				continue
			}
			h.deliver(userID, env.Payload)
		}
	}
}

func (h *Hub) Close() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func redisChannel(userID string) string {
	return channelPrefix + userID + channelSuffix
}

func userIDFromChannel(ch string) string {
	// safety:{user}:events
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
