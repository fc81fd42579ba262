// Package push carries consultation change events over websockets so that
// polling flows can check again immediately instead of waiting for the next
// tick. Polling stays the source of truth; a lost event only costs latency.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/consultation"
)

// Event is the message sent to subscribers.
type Event struct {
	Type           string              `json:"type"`
	Topic          string              `json:"topic"`
	ConsultationID consultation.ID     `json:"consultation_id"`
	Status         consultation.Status `json:"status"`
	MeetingID      string              `json:"meeting_id,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Topic is the channel a principal listens on.
func Topic(role consultation.Role, userID consultation.ID) string {
	return string(role) + ":" + userID.String()
}

type Client struct {
	ID    string
	Topic string
	Send  chan []byte
}

// Hub tracks connected clients by topic.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	log     zerolog.Logger
	now     func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		log:     logger,
		now:     time.Now,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.Topic] == nil {
		h.clients[c.Topic] = make(map[*Client]struct{})
	}
	h.clients[c.Topic][c] = struct{}{}
}

// Unregister removes c and closes its Send channel. Unknown clients are
// ignored.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clients[c.Topic]
	if !ok {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.clients, c.Topic)
	}
	close(c.Send)
}

// Broadcast delivers ev to every client on its topic. Slow clients whose
// buffer is full miss the event.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal push event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[ev.Topic] {
		select {
		case c.Send <- data:
		default:
			h.log.Debug().Str("client_id", c.ID).Msg("push buffer full, dropping event")
		}
	}
}

// ConsultationChanged fans a committed change out to the doctor and the
// patient of c.
func (h *Hub) ConsultationChanged(_ context.Context, eventType string, c consultation.Consultation) {
	for _, topic := range []string{
		Topic(consultation.RoleDoctor, c.DoctorID),
		Topic(consultation.RolePatient, c.PatientID),
	} {
		h.Broadcast(Event{
			Type:           eventType,
			Topic:          topic,
			ConsultationID: c.ID,
			Status:         c.Status,
			MeetingID:      c.MeetingID,
			Timestamp:      h.now(),
		})
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator resolves the caller of an upgrade request.
type Authenticator func(r *http.Request) (consultation.Principal, error)

// Handler upgrades authenticated requests and subscribes the connection to
// the caller's own topic.
func (h *Hub) Handler(authenticate Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		c := &Client{
			ID:    uuid.NewString(),
			Topic: Topic(p.Role, p.UserID),
			Send:  make(chan []byte, 64),
		}
		h.Register(c)
		h.log.Debug().Str("client_id", c.ID).Str("topic", c.Topic).Msg("push client connected")

		go h.writePump(c, ws)
		go h.readPump(c, ws)
	}
}

// readPump only handles control frames; clients do not send messages.
func (h *Hub) readPump(c *Client, ws *websocket.Conn) {
	defer func() {
		h.Unregister(c)
		ws.Close()
	}()

	ws.SetReadLimit(512)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *Client, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
