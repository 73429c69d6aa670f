package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tavern-relay/internal/mocks"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	sessionService "github.com/zhouzirui/tavern-relay/internal/service/session"
)

type frame struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	reg, err := persona.NewRegistry(persona.Seed())
	if err != nil {
		t.Fatalf("NewRegistry err: %v", err)
	}
	coord := sessionService.NewCoordinator(reg, mocks.NewGateway(), nil, sessionService.Config{AssistantTimeout: time.Second})
	r := chi.NewRouter()
	New(coord).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial err: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func roundTrip(t *testing.T, c *websocket.Conn, msg InboundMessage) frame {
	t.Helper()
	if err := c.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON err: %v", err)
	}
	return next(t, c)
}

func next(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON err: %v", err)
	}
	return f
}

func TestWebSocketConversation(t *testing.T) {
	c := dial(t, "/ws/42")

	if f := next(t, c); f.Type != "connected" {
		t.Fatalf("expected connected frame, got %+v", f)
	}

	if f := roundTrip(t, c, InboundMessage{Type: "message", Text: "hi"}); f.Type != "not_ready" {
		t.Fatalf("expected not_ready, got %+v", f)
	}

	f := roundTrip(t, c, InboundMessage{Type: "select", PersonaID: "riley"})
	if f.Type != "selected" || f.Data["personaId"] != "riley" {
		t.Fatalf("unexpected select frame: %+v", f)
	}

	f = roundTrip(t, c, InboundMessage{Type: "message", Text: "hello"})
	if f.Type != "reply" || f.Data["text"] != mocks.DefaultReply {
		t.Fatalf("unexpected reply frame: %+v", f)
	}

	f = roundTrip(t, c, InboundMessage{Type: "status"})
	if f.Type != "status" || f.Data["personaId"] != "riley" {
		t.Fatalf("unexpected status frame: %+v", f)
	}
}

func TestWebSocketErrors(t *testing.T) {
	c := dial(t, "/ws/7")
	next(t, c)

	f := roundTrip(t, c, InboundMessage{Type: "select", PersonaID: "ghost"})
	if f.Type != "error" || !strings.Contains(f.Data["message"].(string), "not found") {
		t.Fatalf("unexpected frame: %+v", f)
	}

	f = roundTrip(t, c, InboundMessage{Type: "dance"})
	if f.Type != "error" {
		t.Fatalf("expected error for unknown type, got %+v", f)
	}
}
