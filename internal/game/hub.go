package game

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/games-vector/vector-games-v2-sub001/internal/metrics"
)

type Client struct {
	conn   *websocket.Conn
	userID string
	game   string
	mu     sync.Mutex
}

type delivery struct {
	ev  Event
	raw []byte
}

// Hub owns this instance's websocket connections. Events arrive from the
// redis subscriber (leader or not, every instance gets the same stream)
// and are fanned out to the clients watching the event's game.
type Hub struct {
	log        *zap.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	deliveries chan delivery
	mu         sync.RWMutex
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliveries: make(chan delivery, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.conn.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WSClients.WithLabelValues(client.game).Inc()
			h.log.Debug("ws client connected",
				zap.String("user_id", client.userID),
				zap.String("game", client.game),
				zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.conn.Close()
				metrics.WSClients.WithLabelValues(client.game).Dec()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("ws client disconnected",
				zap.String("user_id", client.userID),
				zap.Int("total", total))

		case d := <-h.deliveries:
			h.mu.RLock()
			for client := range h.clients {
				if client.game != d.ev.GameCode {
					continue
				}
				if d.ev.UserID != "" && client.userID != d.ev.UserID {
					continue
				}
				go client.send(d.raw)
			}
			h.mu.RUnlock()
		}
	}
}

// Deliver hands an already-encoded event to the local clients. Drops the
// event rather than blocking the subscriber when the queue is full.
func (h *Hub) Deliver(ev Event, raw []byte) {
	select {
	case h.deliveries <- delivery{ev: ev, raw: raw}:
	default:
		h.log.Warn("hub delivery queue full, dropping event", zap.String("type", ev.Type))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RegisterClient(conn *websocket.Conn, userID, game string) *Client {
	client := &Client{conn: conn, userID: userID, game: game}
	h.register <- client
	return client
}

func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

func (c *Client) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	c.conn.WriteMessage(websocket.TextMessage, data)
}

// Send serializes and writes one message directly to this client, used
// for action acks and the initial state snapshot.
func (c *Client) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.send(data)
}

// StartSubscriber bridges redis pub/sub into the hub. Every instance runs
// one; whichever instance is leader publishes, all of them deliver.
func StartSubscriber(ctx context.Context, rdb *redis.Client, hub *Hub, log *zap.Logger) {
	sub := rdb.PSubscribe(ctx, broadcastChannelPrefix+"*")
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn("broadcast decode failed", zap.Error(err))
					continue
				}
				hub.Deliver(ev, []byte(msg.Payload))
			}
		}
	}()
}
