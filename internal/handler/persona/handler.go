package persona

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-relay/internal/logging"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

// Catalog 是处理器需要的角色目录能力。
type Catalog interface {
	persona.Store
	Add(p persona.Persona) error
	ImagePath(id string, index int) (string, error)
}

// Handler persona服务的HTTP处理器
type Handler struct {
	personas Catalog
}

// New 创建persona处理器
func New(personas Catalog) *Handler {
	return &Handler{personas: personas}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/personas", h.handleListPersonas)
	r.Post("/personas", h.handleAddPersona)
	r.Get("/personas/{id}", h.handleGetPersona)
	r.Get("/personas/{id}/image", h.handleImage)
}

// handleListPersonas 列出所有persona
func (h *Handler) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.personas.List())
}

func (h *Handler) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, ok := h.personas.FindByID(chi.URLParam(r, "id"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "persona not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}

// handleAddPersona 管理接口：注册新角色，重复 id 返回 409。
func (h *Handler) handleAddPersona(w http.ResponseWriter, r *http.Request) {
	var p persona.Persona
	if err := utils.DecodeJSON(r, &p); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch err := h.personas.Add(p); {
	case err == nil:
		logging.For("persona").WithField("persona_id", p.ID).Info("persona added")
		utils.RespondJSON(w, http.StatusCreated, p)
	case errors.Is(err, persona.ErrDuplicateKey):
		utils.RespondError(w, http.StatusConflict, err.Error())
	default:
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	}
}

// handleImage 返回角色图片，index 缺省为 0。
func (h *Handler) handleImage(w http.ResponseWriter, r *http.Request) {
	index := 0
	if raw := r.URL.Query().Get("index"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			utils.RespondError(w, http.StatusBadRequest, "index must be a non-negative integer")
			return
		}
		index = parsed
	}

	path, err := h.personas.ImagePath(chi.URLParam(r, "id"), index)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "image not found")
		return
	}
	http.ServeFile(w, r, path)
}
