// Package hub ferries operations between websocket clients and the
// collaboration service. Outbound events travel through redis pub/sub
// (one channel per page) so that every server instance fans out the same
// stream; inbound submissions go straight to the service and the caller
// gets a private ack with the transformed operation or the error.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"collabwiki/internal/collab"
	"collabwiki/internal/ot"
	"collabwiki/internal/session"
)

// Message is the envelope used both on the redis channels and on the
// websocket wire.
type Message struct {
	Type      string          `json:"type"`
	PageID    string          `json:"page_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Message types.
const (
	TypeOperation = "operation"
	TypeCursor    = "cursor"
	TypePresence  = "presence"
	TypeState     = "state"
	TypeAck       = "ack"
	TypePing      = "ping"
	TypePong      = "pong"
)

func pageChannel(pageID string) string {
	return fmt.Sprintf("page:%s", pageID)
}

// Publisher broadcasts service events through redis pub/sub. It is the
// transport side of collab.Broadcaster.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) publish(ctx context.Context, pageID string, msg Message) error {
	msg.PageID = pageID
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, pageChannel(pageID), data).Err()
}

func (p *Publisher) BroadcastOperation(ctx context.Context, pageID string, op ot.Op) error {
	data, err := ot.EncodeOp(op)
	if err != nil {
		return err
	}
	return p.publish(ctx, pageID, Message{Type: TypeOperation, UserID: op.OpMeta().UserID, Data: data})
}

func (p *Publisher) BroadcastCursor(ctx context.Context, pageID, userID string, cur session.CursorPosition) error {
	data, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	return p.publish(ctx, pageID, Message{Type: TypeCursor, UserID: userID, Data: data})
}

func (p *Publisher) BroadcastPresence(ctx context.Context, pageID string, users []session.UserPresence) error {
	data, err := json.Marshal(users)
	if err != nil {
		return err
	}
	// No UserID: presence goes to every member including the originator.
	return p.publish(ctx, pageID, Message{Type: TypePresence, Data: data})
}

// Client is one websocket connection bound to a page and user.
type Client struct {
	UserID      string
	DisplayName string
	PageID      string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	sub  *redis.PubSub
	hub  *Hub
}

// Hub tracks connected clients and runs join/leave bookkeeping through
// the service.
type Hub struct {
	service    *collab.Service
	redis      *redis.Client
	register   chan *Client
	unregister chan *Client
	clients    map[*Client]bool
	done       chan struct{}
}

func New(service *collab.Service, redisClient *redis.Client) *Hub {
	return &Hub{
		service:    service,
		redis:      redisClient,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled. Once it returns, add
// and the unregister path fall through on the hub's done channel instead
// of blocking.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(ctx, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.attach(ctx, c)
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				h.drop(ctx, c)
			}
		}
	}
}

// add hands a new client to the run loop. It reports false if the hub
// has already shut down.
func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) attach(ctx context.Context, c *Client) {
	if _, err := h.service.Join(ctx, c.PageID, c.UserID, c.DisplayName); err != nil {
		log.Printf("hub: join %s on page %s: %v", c.UserID, c.PageID, err)
		close(c.done)
		delete(h.clients, c)
		return
	}

	c.sub = h.redis.Subscribe(ctx, pageChannel(c.PageID))
	go c.relay()

	// The joining client gets the full state so it can render and start
	// submitting against the current sequence number.
	snap, err := h.service.Snapshot(ctx, c.PageID)
	if err != nil {
		log.Printf("hub: snapshot page %s: %v", c.PageID, err)
		return
	}
	data, _ := json.Marshal(snap)
	c.enqueue(Message{Type: TypeState, PageID: c.PageID, Data: data, Timestamp: time.Now()})
}

// drop signals the client's goroutines to stop. The send channel is
// never closed: relay and the read pump may still be holding a message,
// so shutdown travels through the done channel instead.
func (h *Hub) drop(ctx context.Context, c *Client) {
	close(c.done)
	if c.sub != nil {
		c.sub.Close()
	}
	if err := h.service.Leave(ctx, c.PageID, c.UserID); err != nil && !errors.Is(err, collab.ErrNotFound) {
		log.Printf("hub: leave %s on page %s: %v", c.UserID, c.PageID, err)
	}
}

// relay forwards redis pub/sub messages to the websocket, skipping
// events the client itself originated.
func (c *Client) relay() {
	ch := c.sub.Channel()
	for raw := range ch {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			log.Printf("hub: bad pub/sub payload on %s: %v", c.PageID, err)
			continue
		}
		if msg.UserID != "" && msg.UserID == c.UserID {
			continue
		}
		select {
		case c.send <- []byte(raw.Payload):
		case <-c.done:
			return
		default:
			// Slow consumer; stop relaying and let the ping cycle
			// tear the connection down.
			return
		}
	}
}

func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}
