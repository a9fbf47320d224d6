package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/bridge"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS policy is enforced by the HTTP middleware; the stream
		// endpoint accepts any origin the middleware let through.
		return true
	},
}

// conversationFeed fans one conversation's bus subjects out to the
// clients watching it.
type conversationFeed struct {
	clients map[*Client]bool
	subs    []bus.Subscription
}

// Hub connects WebSocket clients to the event bus. Each conversation a
// client watches gets lazy bus subscriptions on its message and
// permission subjects, dropped again when the last watcher leaves.
type Hub struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
	feeds   map[string]*conversationFeed
}

// NewHub creates a streaming hub backed by the given event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "stream-hub")),
		clients:  make(map[*Client]bool),
		feeds:    make(map[string]*conversationFeed),
	}
}

// ServeWS upgrades the request and runs the client pumps. Clients may
// pre-subscribe with ?conversation_id= and manage subscriptions over the
// socket afterwards.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:             h,
		conn:            conn,
		send:            make(chan []byte, 256),
		logger:          h.logger,
		conversationIDs: make(map[string]bool),
	}
	h.Register(client)

	if conversationID := c.Query("conversation_id"); conversationID != "" {
		client.Subscribe(conversationID)
	}

	go client.WritePump()
	go client.ReadPump()
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

// Unregister removes a client from the hub and all its feeds.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)

	var drained []*conversationFeed
	for id, feed := range h.feeds {
		if feed.clients[c] {
			delete(feed.clients, c)
			if len(feed.clients) == 0 {
				drained = append(drained, feed)
				delete(h.feeds, id)
			}
		}
	}
	h.mu.Unlock()

	for _, feed := range drained {
		h.dropSubscriptions(feed)
	}
	c.closeSend()
}

// SubscribeClient attaches a client to a conversation's feed, creating
// the bus subscriptions on first use.
func (h *Hub) SubscribeClient(c *Client, conversationID string) {
	h.mu.Lock()
	feed, ok := h.feeds[conversationID]
	if ok {
		feed.clients[c] = true
		h.mu.Unlock()
		return
	}

	feed = &conversationFeed{clients: map[*Client]bool{c: true}}
	h.feeds[conversationID] = feed
	h.mu.Unlock()

	for _, subject := range []string{
		bridge.MessageSubject(conversationID),
		bridge.PermissionSubject(conversationID),
	} {
		sub, err := h.eventBus.Subscribe(subject, h.feedHandler(conversationID))
		if err != nil {
			h.logger.Error("failed to subscribe to bus subject",
				zap.String("subject", subject), zap.Error(err))
			continue
		}
		h.mu.Lock()
		feed.subs = append(feed.subs, sub)
		h.mu.Unlock()
	}
}

// UnsubscribeClient detaches a client from a conversation's feed,
// dropping the bus subscriptions when the last watcher leaves.
func (h *Hub) UnsubscribeClient(c *Client, conversationID string) {
	h.mu.Lock()
	feed, ok := h.feeds[conversationID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(feed.clients, c)
	if len(feed.clients) > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.feeds, conversationID)
	h.mu.Unlock()

	h.dropSubscriptions(feed)
}

// feedHandler forwards bus events to every client watching the
// conversation. Slow clients drop frames instead of stalling delivery.
func (h *Hub) feedHandler(conversationID string) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}

		h.mu.RLock()
		feed, ok := h.feeds[conversationID]
		var targets []*Client
		if ok {
			targets = make([]*Client, 0, len(feed.clients))
			for c := range feed.clients {
				targets = append(targets, c)
			}
		}
		h.mu.RUnlock()

		for _, c := range targets {
			if !c.Send(payload) {
				h.logger.Warn("dropping stream frame for slow client",
					zap.String("conversation_id", conversationID),
					zap.String("event_type", event.Type))
			}
		}
		return nil
	}
}

func (h *Hub) dropSubscriptions(feed *conversationFeed) {
	for _, sub := range feed.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe from bus subject", zap.Error(err))
		}
	}
}

// StopAll disconnects every client and drops every feed.
func (h *Hub) StopAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	feeds := make([]*conversationFeed, 0, len(h.feeds))
	for _, feed := range h.feeds {
		feeds = append(feeds, feed)
	}
	h.clients = make(map[*Client]bool)
	h.feeds = make(map[string]*conversationFeed)
	h.mu.Unlock()

	for _, feed := range feeds {
		h.dropSubscriptions(feed)
	}
	for _, c := range clients {
		c.closeSend()
	}
}
