package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"collabwiki/internal/collab"
	"collabwiki/internal/ot"
	"collabwiki/internal/session"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// submitResult is the private ack for an operation submission.
type submitResult struct {
	Success   bool            `json:"success"`
	Operation json.RawMessage `json:"transformed_operation,omitempty"`
	Seq       uint64          `json:"assigned_sequence,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ServeWS upgrades an HTTP request to a websocket session member.
// Identity comes from query parameters; authentication is the outer
// wiki's concern.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, pageID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade: %v", err)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = fmt.Sprintf("user_%d", time.Now().UnixNano())
	}
	displayName := r.URL.Query().Get("display_name")
	if displayName == "" {
		displayName = userID
	}

	c := &Client{
		UserID:      userID,
		DisplayName: displayName,
		PageID:      pageID,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		hub:         h,
	}
	if !h.add(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	ctx := context.Background()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))

		switch msg.Type {
		case TypeOperation:
			c.handleOperation(ctx, msg.Data)
		case TypeCursor:
			var cur session.CursorPosition
			if err := json.Unmarshal(msg.Data, &cur); err != nil {
				continue
			}
			if err := c.hub.service.UpdateCursor(ctx, c.PageID, c.UserID, cur); err != nil {
				log.Printf("hub: cursor for %s on page %s: %v", c.UserID, c.PageID, err)
			}
		case TypePing:
			c.enqueue(Message{Type: TypePong, Timestamp: time.Now()})
		}
	}
}

func (c *Client) handleOperation(ctx context.Context, data json.RawMessage) {
	op, err := ot.DecodeOp(data)
	if err != nil {
		c.ack(submitResult{Error: "malformed_operation"})
		return
	}
	processed, err := c.hub.service.ProcessOperation(ctx, c.PageID, op)
	if err != nil {
		c.ack(submitResult{Error: errorCode(err)})
		return
	}
	encoded, err := ot.EncodeOp(processed.Op)
	if err != nil {
		c.ack(submitResult{Error: "server_error"})
		return
	}
	c.ack(submitResult{Success: true, Operation: encoded, Seq: processed.Seq})
}

func (c *Client) ack(res submitResult) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	c.enqueue(Message{Type: TypeAck, Data: data, Timestamp: time.Now()})
}

// errorCode maps service errors to the wire taxonomy.
func errorCode(err error) string {
	var ve *ot.ValidationError
	switch {
	case errors.As(err, &ve):
		return ve.Kind
	case errors.Is(err, ot.ErrConflict):
		return "conflict"
	case errors.Is(err, collab.ErrNotFound):
		return "not_found"
	case errors.Is(err, collab.ErrDuplicate):
		return "duplicate"
	default:
		return "server_error"
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
