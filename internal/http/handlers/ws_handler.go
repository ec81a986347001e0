package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/auth"
	"github.com/pitodo/backend/internal/config"
	"github.com/pitodo/backend/internal/events"
	"go.uber.org/zap"
)

// WSHub pushes wallet events to the websocket connections of their owner.
type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[uuid.UUID][]*websocket.Conn
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[uuid.UUID][]*websocket.Conn),
	}
}

func (h *WSHub) Start(ctx context.Context) error {
	return h.subscriber.Subscribe(ctx, events.StreamWallet, h.dispatch)
}

// dispatch routes an event to its owner. Events without an owner are dropped:
// balances are never broadcast.
func (h *WSHub) dispatch(event events.Event) {
	userID, err := uuid.Parse(event.UserID())
	if err != nil {
		h.log.Debug("ws event without owner dropped", zap.String("type", event.Type))
		return
	}
	h.SendToUser(userID, event)
}

func (h *WSHub) SendToUser(userID uuid.UUID, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections[userID] {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// WSUpgradeMiddleware rejects plain HTTP requests to the websocket route.
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	masterID := claims.MasterID
	h.register(masterID, conn)
	defer h.unregister(masterID, conn)

	// read until the client goes away; inbound frames are ignored
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *WSHub) register(masterID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	h.connections[masterID] = append(h.connections[masterID], conn)
	h.mu.Unlock()
}

func (h *WSHub) unregister(masterID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	conns := h.connections[masterID]
	for i, c := range conns {
		if c == conn {
			h.connections[masterID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.connections[masterID]) == 0 {
		delete(h.connections, masterID)
	}
	h.mu.Unlock()
	conn.Close()
}
