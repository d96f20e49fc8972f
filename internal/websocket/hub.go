package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/tullo/simulcast/internal/cache"
	"github.com/tullo/simulcast/internal/metrics"
	"github.com/tullo/simulcast/internal/models"
	"go.uber.org/zap"
)

type delivery struct {
	sessionID uuid.UUID
	data      []byte
	final     bool
}

// Hub maintains the comment feed subscribers of every session and pushes
// session events to them. With Redis, events arrive over pub/sub so any
// instance's poller reaches every subscriber; without it the hub is the
// notifier itself.
type Hub struct {
	// Subscribers grouped by session
	rooms map[uuid.UUID]map[*Client]struct{}

	// Cancels the Redis subscription of a room
	subs map[uuid.UUID]context.CancelFunc

	deliver    chan delivery
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// Redis client for pub/sub, nil for in-process delivery
	redis *cache.RedisClient

	logger *zap.Logger

	mu sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(redis *cache.RedisClient, logger *zap.Logger) *Hub {
	return &Hub{
		rooms:      make(map[uuid.UUID]map[*Client]struct{}),
		subs:       make(map[uuid.UUID]context.CancelFunc),
		deliver:    make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		redis:      redis,
		logger:     logger.With(zap.String("feature", "comment-feed")),
	}
}

// Run starts the hub and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[client.sessionID]
			if !ok {
				room = make(map[*Client]struct{})
				h.rooms[client.sessionID] = room
				if h.redis != nil {
					subCtx, cancel := context.WithCancel(ctx)
					h.subs[client.sessionID] = cancel
					go h.subscribe(subCtx, client.sessionID)
				}
			}
			room[client] = struct{}{}
			h.mu.Unlock()

			metrics.WebSocketConnectionsCurrent.Inc()
			h.logger.Debug("subscriber registered", zap.String("session_id", client.sessionID.String()))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case d := <-h.deliver:
			h.mu.Lock()
			for client := range h.rooms[d.sessionID] {
				select {
				case client.send <- d.data:
				default:
					h.removeLocked(client)
				}
			}
			if d.final {
				for client := range h.rooms[d.sessionID] {
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// removeLocked drops a client and its room once empty. Must hold h.mu.
func (h *Hub) removeLocked(client *Client) {
	room, ok := h.rooms[client.sessionID]
	if !ok {
		return
	}
	if _, ok := room[client]; !ok {
		return
	}
	delete(room, client)
	close(client.send)
	metrics.WebSocketConnectionsCurrent.Dec()

	if len(room) == 0 {
		delete(h.rooms, client.sessionID)
		if cancel, ok := h.subs[client.sessionID]; ok {
			cancel()
			delete(h.subs, client.sessionID)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		for client := range room {
			h.removeLocked(client)
		}
	}
}

// Register adds a client to its session room. It returns false once the hub
// has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// subscribe relays the Redis events of one session until ctx is cancelled
func (h *Hub) subscribe(ctx context.Context, sessionID uuid.UUID) {
	sub := h.redis.SubscribeToSession(ctx, sessionID)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := h.dispatch(ctx, sessionID, []byte(msg.Payload)); err != nil {
				return
			}
		}
	}
}

// dispatch queues an encoded models.WSMessage for the session's subscribers.
func (h *Hub) dispatch(ctx context.Context, sessionID uuid.UUID, data []byte) error {
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		h.logger.Warn("dropping malformed event", zap.String("session_id", sessionID.String()), zap.Error(err))
		return nil
	}

	select {
	case h.deliver <- delivery{sessionID: sessionID, data: data, final: head.Event == models.EventSessionEnded}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishComments delivers comments to local subscribers. It is used as the
// notifier when Redis is not available.
func (h *Hub) PublishComments(ctx context.Context, event models.CommentsEvent) error {
	return h.publish(ctx, event.SessionID, models.WSMessage{
		Event:   models.EventCommentsNew,
		Payload: event,
	})
}

// PublishSessionEnded notifies local subscribers and disconnects them.
func (h *Hub) PublishSessionEnded(ctx context.Context, sessionID uuid.UUID) error {
	return h.publish(ctx, sessionID, models.WSMessage{
		Event:   models.EventSessionEnded,
		Payload: models.SessionEndedEvent{SessionID: sessionID},
	})
}

func (h *Hub) publish(ctx context.Context, sessionID uuid.UUID, msg models.WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.dispatch(ctx, sessionID, data)
}

// Subscribers returns the number of clients following a session
func (h *Hub) Subscribers(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[sessionID])
}
