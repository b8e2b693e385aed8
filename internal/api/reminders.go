package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gmsas95/medminder/internal/metrics"
	"github.com/gmsas95/medminder/internal/reminder"
	"github.com/gmsas95/medminder/internal/tracker"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// ErrNoSubscribers is returned by Hub.Notify when no client is connected
var ErrNoSubscribers = errors.New("no websocket subscribers")

const writeWait = 10 * time.Second

// wsMessage is the envelope for every frame on /ws/reminders
type wsMessage struct {
	Type        string              `json:"type"`
	Reminder    *reminder.Reminder  `json:"reminder,omitempty"`
	Reminders   []reminder.Reminder `json:"reminders,omitempty"`
	Error       string              `json:"error,omitempty"`
	Medication  string              `json:"medication_id,omitempty"`
	ScheduledAt *time.Time          `json:"scheduled_at,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// Hub pushes reminders to connected websocket clients. It implements
// notify.Notifier.
type Hub struct {
	tracker *tracker.Tracker
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewHub(tr *tracker.Tracker, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		tracker: tr,
		metrics: m,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.IncrementConnections()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.DecrementConnections()
		_ = c.conn.Close()
	}
}

// Notify broadcasts r to every client. It succeeds when at least one
// client received it.
func (h *Hub) Notify(ctx context.Context, r reminder.Reminder) error {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return ErrNoSubscribers
	}

	delivered := 0
	msg := wsMessage{Type: "reminder", Reminder: &r}
	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.send(msg); err != nil {
			h.logger.Debug("Dropping websocket client", zap.Error(err))
			h.remove(c)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return ErrNoSubscribers
	}
	return nil
}

// Serve runs one websocket connection: it sends the due reminders, then
// accepts acknowledgements until the client goes away
func (h *Hub) Serve(conn *websocket.Conn) {
	c := &wsClient{conn: conn}
	h.add(c)
	defer h.remove(c)

	now := h.tracker.Now()
	if err := c.send(wsMessage{Type: "due", Reminders: h.tracker.DueReminders(now)}); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in wsMessage
		if err := json.Unmarshal(data, &in); err != nil {
			_ = c.send(wsMessage{Type: "error", Error: "invalid message"})
			continue
		}
		switch in.Type {
		case "ack":
			if in.ScheduledAt == nil || in.Medication == "" {
				_ = c.send(wsMessage{Type: "error", Error: "ack needs medication_id and scheduled_at"})
				continue
			}
			if err := h.tracker.MarkNotified(in.Medication, *in.ScheduledAt); err != nil {
				_ = c.send(wsMessage{Type: "error", Error: err.Error()})
				continue
			}
			_ = c.send(wsMessage{Type: "acked", Medication: in.Medication, ScheduledAt: in.ScheduledAt})
		case "ping":
			_ = c.send(wsMessage{Type: "pong"})
		default:
			_ = c.send(wsMessage{Type: "error", Error: "unknown message type " + in.Type})
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.remove(c)
	}
}

func (s *Server) handleDueReminders(c *fiber.Ctx) error {
	due := s.tracker.DueReminders(s.tracker.Now())
	if due == nil {
		due = []reminder.Reminder{}
	}
	return c.JSON(due)
}

func (s *Server) handleMarkNotified(c *fiber.Ctx) error {
	var req notifiedRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if err := s.tracker.MarkNotified(req.MedicationID, req.ScheduledAt); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
