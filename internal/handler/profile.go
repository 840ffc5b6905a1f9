package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/middleware"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/repository"
)

// ContactNotifier пересылает сообщение формы владельцу (email.Sender).
type ContactNotifier interface {
	NotifyContact(ctx context.Context, msg model.ContactMessage) error
}

type ProfileHandler struct {
	repo     *repository.ProfileRepository
	notifier ContactNotifier
}

// NewProfileHandler: notifier может быть nil, тогда сообщения только сохраняются.
func NewProfileHandler(repo *repository.ProfileRepository, notifier ContactNotifier) *ProfileHandler {
	return &ProfileHandler{repo: repo, notifier: notifier}
}

func (h *ProfileHandler) Profile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.repo.Profile(r.Context()))
}

func (h *ProfileHandler) Projects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.repo.Projects(r.Context()))
}

func (h *ProfileHandler) Contact(w http.ResponseWriter, r *http.Request) {
	var msg model.ContactMessage
	if !readJSON(w, r, &msg) {
		return
	}
	if err := h.repo.AddContact(r.Context(), msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger.Infof("contact from %s", middleware.MaskEmail(msg.Email))
	if h.notifier != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.notifier.NotifyContact(ctx, msg); err != nil {
				logger.Errorf("contact notify: %v", err)
			}
		}()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ping: проверка учётных данных администратора.
func (h *ProfileHandler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user": middleware.GetAdmin(r.Context())})
}

func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var p model.Profile
	if !readJSON(w, r, &p) {
		return
	}
	writeJSON(w, http.StatusOK, h.repo.UpdateProfile(r.Context(), p))
}

func (h *ProfileHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var p model.Project
	if !readJSON(w, r, &p) {
		return
	}
	created, err := h.repo.CreateProject(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *ProfileHandler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := h.repo.DeleteProject(r.Context(), id); errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
