package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/levitate/musicgen/internal/events"
	"github.com/levitate/musicgen/internal/model"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
)

// Client is a WebSocket subscriber to one job
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// BroadcastMessage is a message for every subscriber of a job
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// Hub maintains job subscriptions and implements events.Notifier.
// All client bookkeeping happens on the Run goroutine.
type Hub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	log        zerolog.Logger
}

var _ events.Notifier = (*Hub)(nil)

// NewHub creates a new Hub
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run serves registrations and broadcasts until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for jobID, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, jobID)
			}
			return

		case client := <-h.register:
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.log.Debug().Str("job_id", client.JobID).Msg("client registered")

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug().Str("job_id", client.JobID).Msg("client unregistered")

		case msg := <-h.broadcast:
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow consumer
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) send(jobID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal ws message")
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}:
	default:
		h.log.Warn().Str("job_id", jobID).Msg("broadcast queue full, dropping message")
	}
}

// JobProgress sends a progress update to all job subscribers
func (h *Hub) JobProgress(jobID string, progress int, status model.JobStatus, step string) {
	h.send(jobID, model.WSProgressMessage{
		Type:        model.WSMessageTypeProgress,
		JobID:       jobID,
		Progress:    progress,
		Status:      status,
		CurrentStep: step,
	})
}

// JobCompleted sends a completion message to all job subscribers
func (h *Hub) JobCompleted(job *model.GenerationJob) {
	h.send(job.ID, model.WSCompleteMessage{
		Type:        model.WSMessageTypeComplete,
		JobID:       job.ID,
		DownloadURL: events.DownloadURL(job.ID),
	})
}

// JobFailed sends an error message to all job subscribers
func (h *Hub) JobFailed(jobID string, reason model.JobError) {
	h.send(jobID, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: reason,
	})
}

// HandleConnection serves one WebSocket connection until it closes
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, sendBuffer),
	}

	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	pongs := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("job_id", jobID).Msg("websocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
