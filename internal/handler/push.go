package handler

import (
	"errors"
	"net/http"

	"github.com/livechat/internal/push"
)

type PushHandler struct {
	svc *push.Service
}

func NewPushHandler(svc *push.Service) *PushHandler {
	return &PushHandler{svc: svc}
}

func (h *PushHandler) enabled(w http.ResponseWriter) bool {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, "push not configured")
		return false
	}
	return true
}

func (h *PushHandler) VAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.svc.PublicKey()})
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	var sub push.Subscription
	if !readJSON(w, r, &sub) {
		return
	}
	if err := h.svc.Subscribe(r.Context(), sub); errors.Is(err, push.ErrInvalidSubscription) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if !h.enabled(w) {
		return
	}
	var sub push.Subscription
	if !readJSON(w, r, &sub) {
		return
	}
	h.svc.Unsubscribe(r.Context(), sub.Endpoint)
	w.WriteHeader(http.StatusNoContent)
}
