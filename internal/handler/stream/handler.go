package stream

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/tavern-relay/internal/logging"
	sessionService "github.com/zhouzirui/tavern-relay/internal/service/session"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

// DefaultHeartbeat is how often a "thinking" event is sent while a reply is pending.
const DefaultHeartbeat = 5 * time.Second

// Handler relays a single message over Server-Sent Events and keeps the
// connection warm while the assistant run is polled.
type Handler struct {
	coord     *sessionService.Coordinator
	heartbeat time.Duration
	log       *logrus.Entry
}

// New creates a new stream handler. A non-positive heartbeat uses DefaultHeartbeat.
func New(coord *sessionService.Coordinator, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{coord: coord, heartbeat: heartbeat, log: logging.For("stream")}
}

// StreamResponse represents one SSE event payload.
type StreamResponse struct {
	Event    string `json:"event"`
	UserID   int64  `json:"userId"`
	Content  string `json:"content,omitempty"`
	Finished bool   `json:"finished,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{userID}", h.handleStream)
}

type result struct {
	reply string
	ready bool
	err   error
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID < 0 {
		utils.RespondError(w, http.StatusBadRequest, "userID must be a non-negative integer")
		return
	}
	message := r.URL.Query().Get("message")
	if message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	if err := h.HandleStreamRequest(r.Context(), w, userID, message); err != nil {
		h.log.WithField("user_id", userID).WithError(err).Warn("stream ended with error")
	}
}

// HandleStreamRequest sends start, heartbeat events while the reply is pending, then one of
// message, not_ready or error, and finally end.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, userID int64, message string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return fmt.Errorf("streaming unsupported")
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := h.send(w, flusher, StreamResponse{Event: "start", UserID: userID}); err != nil {
		return err
	}

	// The turn is detached from the request so a disconnect does not cut it short.
	turnCtx := context.WithoutCancel(ctx)
	done := make(chan result, 1)
	go func() {
		reply, ready, err := h.coord.SendMessage(turnCtx, userID, message)
		done <- result{reply: reply, ready: ready, err: err}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	var res result
wait:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.send(w, flusher, StreamResponse{Event: "heartbeat", UserID: userID, Content: "thinking"}); err != nil {
				return err
			}
		case res = <-done:
			break wait
		}
	}

	switch {
	case res.err != nil:
		if err := h.send(w, flusher, StreamResponse{
			Event:  "error",
			UserID: userID,
			Error:  sessionService.Describe(res.err, h.personaName(ctx, userID)),
		}); err != nil {
			return err
		}
	case !res.ready:
		if err := h.send(w, flusher, StreamResponse{Event: "not_ready", UserID: userID, Content: sessionService.NotReadyPrompt}); err != nil {
			return err
		}
	default:
		if err := h.send(w, flusher, StreamResponse{Event: "message", UserID: userID, Content: res.reply}); err != nil {
			return err
		}
	}

	if err := h.send(w, flusher, StreamResponse{Event: "end", UserID: userID, Finished: true}); err != nil {
		return err
	}

	h.log.WithFields(logrus.Fields{"user_id": userID, "ready": res.ready}).Debug("stream completed")
	return res.err
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, resp StreamResponse) error {
	return utils.SendSSEEvent(w, flusher, resp.Event, resp)
}

func (h *Handler) personaName(ctx context.Context, userID int64) string {
	status, err := h.coord.Status(ctx, userID)
	if err != nil {
		return ""
	}
	p, err := h.coord.Persona(status.PersonaID)
	if err != nil {
		return ""
	}
	return p.Name
}
