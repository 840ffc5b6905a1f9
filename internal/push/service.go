// Package push notifies the operator's browsers through Web Push when a visitor
// writes while no admin session is online.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/persist"
)

const (
	maxSubscriptions = 10
	previewLen       = 120
)

var ErrInvalidSubscription = errors.New("push: endpoint, keys.p256dh and keys.auth required")

// Subscription: подписка из браузера (PushSubscription.toJSON()).
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Notification: полезная нагрузка, которую показывает service worker.
type Notification struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	RoomID string `json:"roomId"`
}

// SendFunc отправляет одно уведомление; по умолчанию webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Service хранит подписки администратора и рассылает уведомления.
type Service struct {
	Send SendFunc

	mu    sync.Mutex
	subs  []Subscription
	layer *persist.Layer
	opts  *webpush.Options
}

func NewService(layer *persist.Layer, keys *VAPIDKeys, subscriber string) *Service {
	s := &Service{
		Send:  webpush.SendNotificationWithContext,
		layer: layer,
		opts: &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             60,
		},
	}
	s.layer.Load(context.Background(), &s.subs)
	return s
}

// PublicKey: ключ для pushManager.subscribe в браузере.
func (s *Service) PublicKey() string {
	return s.opts.VAPIDPublicKey
}

// Subscribe добавляет подписку (повтор по endpoint заменяет ключи). Хранятся последние maxSubscriptions.
func (s *Service) Subscribe(ctx context.Context, sub Subscription) error {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return ErrInvalidSubscription
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sub.Endpoint)
	s.subs = append(s.subs, sub)
	if n := len(s.subs) - maxSubscriptions; n > 0 {
		s.subs = append([]Subscription(nil), s.subs[n:]...)
	}
	s.layer.Save(ctx, s.subs)
	return nil
}

func (s *Service) Unsubscribe(ctx context.Context, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(strings.TrimSpace(endpoint)) {
		s.layer.Save(ctx, s.subs)
	}
}

// Count: число активных подписок.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Service) removeLocked(endpoint string) bool {
	for i, old := range s.subs {
		if old.Endpoint == endpoint {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return true
		}
	}
	return false
}

// NotifyVisitorMessage рассылает уведомление о сообщении посетителя на все подписки.
// Подписки, на которые push-сервис ответил 404/410, удаляются.
func (s *Service) NotifyVisitorMessage(ctx context.Context, m model.Message) {
	defer logger.DeferLogDuration("push.NotifyVisitorMessage", time.Now())()
	title := "New chat message"
	if m.Name != "" {
		title = "Message from " + m.Name
	}
	payload, err := json.Marshal(Notification{Title: title, Body: preview(m.Text), RoomID: m.RoomID})
	if err != nil {
		logger.Errorf("push: encode: %v", err)
		return
	}

	s.mu.Lock()
	subs := append([]Subscription(nil), s.subs...)
	s.mu.Unlock()

	var gone []string
	for _, sub := range subs {
		if err := s.send(ctx, payload, sub); err != nil {
			var ge goneError
			if errors.As(err, &ge) {
				gone = append(gone, sub.Endpoint)
				continue
			}
			logger.Errorf("push: %v", err)
		}
	}
	for _, ep := range gone {
		s.Unsubscribe(ctx, ep)
	}
}

type goneError struct{ code int }

func (e goneError) Error() string { return fmt.Sprintf("push: subscription gone (%d)", e.code) }

func (s *Service) send(ctx context.Context, payload []byte, sub Subscription) error {
	wp := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}
	resp, err := s.Send(ctx, payload, wp, s.opts)
	if err != nil {
		return fmt.Errorf("send %s: %w", host(sub.Endpoint), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return goneError{resp.StatusCode}
	case resp.StatusCode >= 300:
		return fmt.Errorf("send %s: status %d", host(sub.Endpoint), resp.StatusCode)
	}
	return nil
}

func preview(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= previewLen {
		return string(r)
	}
	return string(r[:previewLen]) + "…"
}

// host: только хост endpoint для логов (полный URL содержит токен подписки).
func host(endpoint string) string {
	rest := endpoint
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
