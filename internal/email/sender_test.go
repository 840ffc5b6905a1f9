package email_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/livechat/internal/config"
	"github.com/livechat/internal/email"
	"github.com/livechat/internal/model"
)

func TestComposeStripsHeaderInjection(t *testing.T) {
	s := email.NewSender(config.SMTPConfig{Username: "bot@x.com", FromName: "Site", NotifyTo: "me@x.com"})
	msg := s.Compose(model.ContactMessage{
		Name:    "Eve\r\nBcc: victim@x.com",
		Email:   "eve@x.com",
		Message: "hello",
	}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	head, body, ok := strings.Cut(string(msg), "\r\n\r\n")
	if !ok {
		t.Fatalf("no header/body split: %q", msg)
	}
	if strings.Contains(head, "\r\nBcc:") {
		t.Errorf("injected header: %q", head)
	}
	for _, want := range []string{"From: Site <bot@x.com>", "To: me@x.com", "Reply-To: eve@x.com"} {
		if !strings.Contains(head, want) {
			t.Errorf("header missing %q: %q", want, head)
		}
	}
	if !strings.Contains(body, "hello") {
		t.Errorf("body = %q", body)
	}
}

func TestNotifyContactRequiresConfig(t *testing.T) {
	s := email.NewSender(config.SMTPConfig{})
	if err := s.NotifyContact(context.Background(), model.ContactMessage{Name: "a", Email: "a@x.com", Message: "m"}); err == nil {
		t.Fatal("expected error without SMTP settings")
	}
}
