// Package challenge — WebSocket hub for real-time session broadcasting.
package challenge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seongmin1117/stock-quest-sub011/internal/metrics"
	"github.com/seongmin1117/stock-quest-sub011/internal/model"
	"github.com/seongmin1117/stock-quest-sub011/internal/session"
)

// WSMessage is a JSON message sent to WebSocket clients. Type is
// "order_executed" or "challenge_closed"; unset fields are omitted.
type WSMessage struct {
	Type            string                    `json:"type"`
	SessionID       string                    `json:"session_id"`
	ChallengeID     string                    `json:"challenge_id"`
	InstrumentKey   string                    `json:"instrument_key,omitempty"`
	Side            string                    `json:"side,omitempty"`
	Status          string                    `json:"status,omitempty"`
	Quantity        string                    `json:"quantity,omitempty"`
	ExecutedPrice   string                    `json:"executed_price,omitempty"`
	FinalBalance    string                    `json:"final_balance,omitempty"`
	FinalReturnRate string                    `json:"final_return_rate,omitempty"`
	Instruments     []model.InstrumentMapping `json:"instruments,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts order fills and
// session closes to all connected clients.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking order execution.
	}
}

// ChallengeClosed implements session.Notifier: the revealed mappings ride
// along so clients learn the real identities without an extra fetch.
func (h *WSHub) ChallengeClosed(ev session.ClosedEvent) {
	h.Broadcast(WSMessage{
		Type:            "challenge_closed",
		SessionID:       ev.SessionID,
		ChallengeID:     ev.ChallengeID,
		FinalBalance:    ev.FinalBalance.String(),
		FinalReturnRate: ev.FinalReturnRate.String(),
		Instruments:     ev.Instruments,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
