package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/livechat/internal/logger"
)

// Credentials: логин и пароль администратора relay.
type Credentials struct {
	User     string
	Password string
}

// Check сверяет значение заголовка Authorization ("Basic base64(user:pass)") за постоянное время.
// Возвращает имя пользователя при успехе.
func (c Credentials) Check(header string) (string, bool) {
	if c.User == "" {
		return "", false
	}
	scheme, encoded, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(c.Password)) == 1
	if !userOK || !passOK {
		return "", false
	}
	return user, true
}

// Valid: то же, что Check, без имени (для STOMP CONNECT).
func (c Credentials) Valid(header string) bool {
	_, ok := c.Check(header)
	return ok
}

// BasicAuth пропускает только запросы с верным Basic-заголовком; иначе JSON 401.
// WWW-Authenticate не отправляется, чтобы браузер не показывал свой диалог входа.
func BasicAuth(creds Credentials) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			user, ok := creds.Check(header)
			if !ok {
				if header != "" {
					logger.Infof("basic auth: отказ %s %s (%s)", r.Method, r.URL.Path, MaskCredential(header))
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			ctx := context.WithValue(r.Context(), AdminKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
