package ws

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/tavern-relay/internal/logging"
	sessionService "github.com/zhouzirui/tavern-relay/internal/service/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler WebSocket会话处理器，一个连接对应一个用户。
type Handler struct {
	coord    *sessionService.Coordinator
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// New 创建WebSocket处理器
func New(coord *sessionService.Coordinator) *Handler {
	return &Handler{
		coord: coord,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: logging.For("websocket"),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{userID}", h.handleWebSocket)
}

// InboundMessage 客户端发来的帧
type InboundMessage struct {
	Type      string `json:"type"`
	PersonaID string `json:"personaId,omitempty"`
	Text      string `json:"text,omitempty"`
}

// OutgoingMessage 服务端推送的帧
type OutgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// conn 串行化写操作；gorilla 的连接只允许一个并发写者。
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(msg OutgoingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID < 0 {
		http.Error(w, "userID must be a non-negative integer", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer ws.Close()

	log := h.log.WithField("user_id", userID)
	log.Info("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws}
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, c)

	h.send(c, "connected", map[string]any{"userId": userID})

	for {
		var msg InboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("websocket read error")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))

		h.handleMessage(ctx, c, userID, msg)
	}
}

// handleMessage 按顺序处理帧，保证同一连接上的回复顺序与请求一致。
func (h *Handler) handleMessage(ctx context.Context, c *conn, userID int64, msg InboundMessage) {
	switch msg.Type {
	case "select":
		sess, err := h.coord.SelectPersona(ctx, userID, msg.PersonaID)
		if err != nil {
			h.sendFailure(c, err, h.personaName(msg.PersonaID))
			return
		}
		p, _ := h.coord.Persona(sess.PersonaID)
		h.send(c, "selected", map[string]any{
			"sessionId": sess.ID,
			"personaId": p.ID,
			"name":      p.Label(),
			"greeting":  p.Greeting,
		})
	case "message":
		reply, ready, err := h.coord.SendMessage(ctx, userID, msg.Text)
		if err != nil {
			h.sendFailure(c, err, h.currentPersonaName(ctx, userID))
			return
		}
		if !ready {
			h.send(c, "not_ready", map[string]string{"prompt": sessionService.NotReadyPrompt})
			return
		}
		h.send(c, "reply", map[string]string{"text": reply})
	case "reset":
		if err := h.coord.Reset(ctx, userID); err != nil {
			h.sendFailure(c, err, "")
			return
		}
		h.send(c, "reset", nil)
	case "status":
		status, err := h.coord.Status(ctx, userID)
		if err != nil {
			h.sendFailure(c, err, "")
			return
		}
		h.send(c, "status", status)
	default:
		h.send(c, "error", map[string]string{"message": "unsupported message type: " + msg.Type})
	}
}

func (h *Handler) send(c *conn, kind string, data interface{}) {
	msg := OutgoingMessage{Type: kind, Data: data, Timestamp: time.Now().Unix()}
	if err := c.write(msg); err != nil {
		h.log.WithError(err).WithField("type", kind).Warn("websocket write failed")
	}
}

func (h *Handler) sendFailure(c *conn, err error, name string) {
	h.send(c, "error", map[string]string{"message": sessionService.Describe(err, name)})
}

func (h *Handler) personaName(id string) string {
	if p, err := h.coord.Persona(id); err == nil {
		return p.Name
	}
	return ""
}

func (h *Handler) currentPersonaName(ctx context.Context, userID int64) string {
	status, err := h.coord.Status(ctx, userID)
	if err != nil {
		return ""
	}
	return h.personaName(status.PersonaID)
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
