package email

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/livechat/internal/config"
	"github.com/livechat/internal/model"
)

// Sender пересылает сообщения формы контактов владельцу портфолио.
type Sender struct {
	cfg  config.SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(cfg config.SMTPConfig) *Sender {
	return &Sender{cfg: cfg, send: smtp.SendMail}
}

// Compose собирает письмо (заголовки + тело) для сообщения формы.
func (s *Sender) Compose(msg model.ContactMessage, now time.Time) []byte {
	from := s.from()
	var buf bytes.Buffer
	buf.WriteString("From: " + s.cfg.FromName + " <" + from + ">\r\n")
	buf.WriteString("To: " + s.cfg.NotifyTo + "\r\n")
	buf.WriteString("Reply-To: " + headerSafe(msg.Email) + "\r\n")
	buf.WriteString("Subject: Сообщение с сайта от " + headerSafe(msg.Name) + "\r\n")
	buf.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&buf, "Имя: %s\r\nEmail: %s\r\n\r\n%s\r\n", msg.Name, msg.Email, msg.Message)
	return buf.Bytes()
}

// NotifyContact отправляет письмо; отменяется вместе с ctx.
func (s *Sender) NotifyContact(ctx context.Context, msg model.ContactMessage) error {
	if !s.cfg.Enabled() {
		return fmt.Errorf("email: SMTP не настроен")
	}
	from := s.from()
	body := s.Compose(msg, time.Now())
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, from, []string{s.cfg.NotifyTo}, body) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: send: %w", err)
		}
		return nil
	}
}

func (s *Sender) from() string {
	if s.cfg.FromEmail != "" {
		return s.cfg.FromEmail
	}
	return s.cfg.Username
}

// headerSafe убирает переводы строк, чтобы пользовательский ввод не добавлял заголовки.
func headerSafe(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(strings.TrimSpace(v))
}
