package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livechat/internal/middleware"
	"github.com/livechat/internal/push"
	"github.com/livechat/internal/repository"
	"github.com/livechat/internal/ws"
)

// RouterDeps: всё, что нужно HTTP-части relay.
type RouterDeps struct {
	Hub      *ws.Hub
	Chat     *repository.ChatRepository
	Profile  *repository.ProfileRepository
	Admin    middleware.Credentials
	Notifier ContactNotifier
	// Push: Web Push для администратора; nil отключает /api/admin/push/*.
	Push           *push.Service
	AllowedOrigins string
	MetricsSecret  string
	// AccessLog включает построчный лог chi (для отладки).
	AccessLog bool
}

// NewRouter собирает маршруты relay: публичный API, API администратора, STOMP-эндпоинт и /metrics.
func NewRouter(d RouterDeps) http.Handler {
	chatH := NewChatHandler(d.Chat, d.Hub)
	profileH := NewProfileHandler(d.Profile, d.Notifier)
	wsH := NewWSHandler(d.Hub, d.AllowedOrigins)
	pushH := NewPushHandler(d.Push)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	if d.AccessLog {
		r.Use(chimw.Logger)
	}
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket, иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(d.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(middleware.InternalOnly(d.MetricsSecret)).Handle("/metrics", promhttp.Handler())
	r.Get("/ws/websocket", wsH.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimitAPI)
		r.Get("/profile", profileH.Profile)
		r.Get("/projects", profileH.Projects)
		r.Post("/contact", profileH.Contact)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.BasicAuth(d.Admin))
			r.Use(middleware.RateLimitAdmin)
			r.Get("/ping", profileH.Ping)
			r.Put("/profile", profileH.UpdateProfile)
			r.Post("/projects", profileH.CreateProject)
			r.Delete("/projects/{id}", profileH.DeleteProject)
			r.Get("/chat/rooms", chatH.Rooms)
			r.Get("/chat/rooms/{roomID}/messages", chatH.Messages)
			r.Post("/chat/rooms/{roomID}/send", chatH.Send)
			r.Get("/push/vapid-public", pushH.VAPIDPublic)
			r.Post("/push/subscribe", pushH.Subscribe)
			r.Delete("/push/subscribe", pushH.Unsubscribe)
		})
	})
	return r
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
