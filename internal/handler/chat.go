package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/repository"
	"github.com/livechat/internal/ws"
)

// ChatHandler: REST-часть консоли администратора: комнаты, история, ответы.
type ChatHandler struct {
	chatRepo *repository.ChatRepository
	hub      *ws.Hub
}

func NewChatHandler(chatRepo *repository.ChatRepository, hub *ws.Hub) *ChatHandler {
	return &ChatHandler{chatRepo: chatRepo, hub: hub}
}

func (h *ChatHandler) Rooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chatRepo.ListRooms(r.Context()))
}

// Messages отдаёт историю комнаты. Для неизвестной комнаты: пустой список.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	msgs, err := h.chatRepo.Messages(r.Context(), roomID)
	if errors.Is(err, repository.ErrNotFound) {
		msgs = []model.Message{}
	} else if err != nil {
		logger.Errorf("chat messages room=%s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendReplyRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Send сохраняет ответ администратора и рассылает его в тему комнаты с тем же id.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(chi.URLParam(r, "roomID"))
	var req sendReplyRequest
	if !readJSON(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if roomID == "" || text == "" {
		writeError(w, http.StatusBadRequest, "room and text required")
		return
	}
	msg, err := h.hub.PublishReply(r.Context(), roomID, req.ID, text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to send")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
