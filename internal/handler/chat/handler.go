package chat

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/tavern-relay/internal/logging"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/service/assistant"
	sessionService "github.com/zhouzirui/tavern-relay/internal/service/session"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

// UsageSource 提供持久化的角色使用统计。
type UsageSource interface {
	PersonaUsage(ctx context.Context) (map[string]int, error)
}

// Handler 用户会话的HTTP处理器
type Handler struct {
	coord *sessionService.Coordinator
	usage UsageSource
	log   *logrus.Entry
}

// Option 配置处理器
type Option func(*Handler)

// WithUsage 在 /stats 中附带持久化的角色使用统计。
func WithUsage(usage UsageSource) Option {
	return func(h *Handler) {
		h.usage = usage
	}
}

// New 创建会话处理器
func New(coord *sessionService.Coordinator, opts ...Option) *Handler {
	h := &Handler{coord: coord, log: logging.For("chat")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/users/{userID}", func(u chi.Router) {
		u.Put("/persona", h.handleSelectPersona)
		u.Post("/messages", h.handleSendMessage)
		u.Post("/reset", h.handleReset)
		u.Get("/status", h.handleStatus)
		u.Get("/history", h.handleHistory)
		u.Post("/deactivate", h.handleDeactivate)
	})
	r.Get("/stats", h.handleStats)
	r.Post("/admin/sweep", h.handleSweep)
}

type selectResponse struct {
	SessionID string          `json:"sessionId"`
	Persona   persona.Persona `json:"persona"`
	Greeting  string          `json:"greeting,omitempty"`
}

type messageResponse struct {
	Ready  bool   `json:"ready"`
	Reply  string `json:"reply,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// handleSelectPersona 选择角色，重复选择同一角色不会新建线程。
func (h *Handler) handleSelectPersona(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	var payload struct {
		PersonaID string `json:"personaId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.PersonaID == "" {
		utils.RespondError(w, http.StatusBadRequest, "personaId is required")
		return
	}

	sess, err := h.coord.SelectPersona(r.Context(), userID, payload.PersonaID)
	if err != nil {
		h.respondFailure(w, err, h.personaName(payload.PersonaID))
		return
	}

	p, _ := h.coord.Persona(sess.PersonaID)
	utils.RespondJSON(w, http.StatusOK, selectResponse{
		SessionID: sess.ID,
		Persona:   p,
		Greeting:  p.Greeting,
	})
}

// handleSendMessage 转发用户消息；未选择角色时返回 ready=false。
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, ready, err := h.coord.SendMessage(r.Context(), userID, payload.Text)
	if err != nil {
		h.respondFailure(w, err, h.userPersonaName(r.Context(), userID))
		return
	}
	if !ready {
		utils.RespondJSON(w, http.StatusOK, messageResponse{Ready: false, Prompt: sessionService.NotReadyPrompt})
		return
	}
	utils.RespondJSON(w, http.StatusOK, messageResponse{Ready: true, Reply: reply})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}
	if err := h.coord.Reset(r.Context(), userID); err != nil {
		h.respondFailure(w, err, "")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}
	status, err := h.coord.Status(r.Context(), userID)
	if err != nil {
		h.respondFailure(w, err, "")
		return
	}
	utils.RespondJSON(w, http.StatusOK, status)
}

// handleHistory 返回当前轮次的最近消息，limit 缺省为 MAX_CONVERSATION_HISTORY。
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	messages, err := h.coord.History(r.Context(), userID, limit)
	if err != nil {
		h.respondFailure(w, err, "")
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}
	if err := h.coord.Deactivate(r.Context(), userID); err != nil {
		h.respondFailure(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	sessionService.Stats
	StoredPersonaUsage map[string]int `json:"storedPersonaUsage,omitempty"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: h.coord.Stats()}
	if h.usage != nil {
		usage, err := h.usage.PersonaUsage(r.Context())
		if err != nil {
			h.log.WithError(err).Warn("failed to read stored persona usage")
		} else {
			resp.StoredPersonaUsage = usage
		}
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleSweep 管理接口：立即按配置的超时清理过期会话。
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	removed := h.coord.SweepExpired(r.Context(), 0)
	utils.RespondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) respondFailure(w http.ResponseWriter, err error, name string) {
	utils.RespondError(w, StatusFor(err), sessionService.Describe(err, name))
}

func (h *Handler) personaName(id string) string {
	if p, err := h.coord.Persona(id); err == nil {
		return p.Name
	}
	return ""
}

func (h *Handler) userPersonaName(ctx context.Context, userID int64) string {
	status, err := h.coord.Status(ctx, userID)
	if err != nil {
		return ""
	}
	return h.personaName(status.PersonaID)
}

// StatusFor 将领域错误映射为 HTTP 状态码。
func StatusFor(err error) int {
	switch {
	case errors.Is(err, persona.ErrNotFound), errors.Is(err, sessionService.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessionService.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, assistant.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, assistant.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, assistant.ErrRunFailed), errors.Is(err, assistant.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID < 0 {
		utils.RespondError(w, http.StatusBadRequest, "userID must be a non-negative integer")
		return 0, false
	}
	return userID, true
}
