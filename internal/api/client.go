// Package api: REST-клиент бэкенда портфолио. Публичные profile/projects/contact
// и привилегированные вызовы для консоли чата; учётные данные передаются явно.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
	"github.com/livechat/internal/model"
)

const (
	DefaultTimeout = 15 * time.Second
	maxErrorBody   = 512
)

// ErrUnauthorized: ответы 401 и 403.
var ErrUnauthorized = errors.New("api: unauthorized")

// StatusError: не-2xx ответ, кроме 401/403.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api %s: status %d", e.Endpoint, e.Code)
}

// Reply: тело ответа администратора. ID генерирует клиент, тот же id у локальной копии.
type Reply struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Client ходит в бэкенд по <base>/api.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.RWMutex
	defaultCred string
}

// NewClient приводит baseURL к виду .../api; timeout <= 0 означает DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    normalizeBase(baseURL),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func normalizeBase(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.HasSuffix(raw, "/api") {
		return raw
	}
	return raw + "/api"
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetDefaultCredential: учётные данные для привилегированных вызовов с пустым cred.
// Пустое значение сбрасывает.
func (c *Client) SetDefaultCredential(cred string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultCred = cred
}

func (c *Client) credential(explicit string) string {
	if explicit != "" {
		return explicit
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultCred
}

func (c *Client) GetProfile(ctx context.Context) (model.Profile, error) {
	var p model.Profile
	err := c.do(ctx, "profile", http.MethodGet, "/profile", "", nil, &p)
	return p, err
}

func (c *Client) GetProjects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	err := c.do(ctx, "projects", http.MethodGet, "/projects", "", nil, &out)
	return out, err
}

// SendContact отправляет форму обратной связи.
func (c *Client) SendContact(ctx context.Context, msg model.ContactMessage) error {
	return c.do(ctx, "contact", http.MethodPost, "/contact", "", msg, nil)
}

// AdminPing проверяет учётные данные. Любой статус кроме 401/403 считается
// успехом; ошибку даёт только сбой транспорта.
func (c *Client) AdminPing(ctx context.Context, cred string) (bool, error) {
	err := c.do(ctx, "admin.ping", http.MethodGet, "/admin/ping", c.credential(cred), nil, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrUnauthorized):
		return false, nil
	default:
		var se *StatusError
		if errors.As(err, &se) {
			return true, nil
		}
		return false, err
	}
}

func (c *Client) UpdateProfile(ctx context.Context, cred string, p model.Profile) error {
	return c.do(ctx, "admin.profile", http.MethodPut, "/admin/profile", c.credential(cred), p, nil)
}

// CreateProject добавляет проект и возвращает сохранённую версию.
func (c *Client) CreateProject(ctx context.Context, cred string, p model.Project) (model.Project, error) {
	var out model.Project
	err := c.do(ctx, "admin.projects.create", http.MethodPost, "/admin/projects", c.credential(cred), p, &out)
	return out, err
}

func (c *Client) DeleteProject(ctx context.Context, cred string, id int64) error {
	return c.do(ctx, "admin.projects.delete", http.MethodDelete, "/admin/projects/"+strconv.FormatInt(id, 10), c.credential(cred), nil, nil)
}

// ListRooms: все комнаты чата.
func (c *Client) ListRooms(ctx context.Context, cred string) ([]model.Room, error) {
	defer logger.DeferLogDuration("api.ListRooms", time.Now())()
	var out []model.Room
	err := c.do(ctx, "admin.rooms", http.MethodGet, "/admin/chat/rooms", c.credential(cred), nil, &out)
	return out, err
}

// RoomHistory: сохранённые сообщения комнаты, старые первыми.
func (c *Client) RoomHistory(ctx context.Context, cred, roomID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("api.RoomHistory", time.Now())()
	var out []model.Message
	err := c.do(ctx, "admin.rooms.messages", http.MethodGet, "/admin/chat/rooms/"+url.PathEscape(roomID)+"/messages", c.credential(cred), nil, &out)
	return out, err
}

// SendReply публикует ответ администратора в комнату.
func (c *Client) SendReply(ctx context.Context, cred, roomID string, r Reply) error {
	return c.do(ctx, "admin.rooms.send", http.MethodPost, "/admin/chat/rooms/"+url.PathEscape(roomID)+"/send", c.credential(cred), r, nil)
}

func (c *Client) do(ctx context.Context, endpoint, method, path, cred string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api %s: encode: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred != "" {
		req.Header.Set("Authorization", cred)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APIRequests.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("api %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.APIRequests.WithLabelValues(endpoint, statusClass(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("api %s: %w", endpoint, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api %s: read: %w", endpoint, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api %s: decode: %w", endpoint, err)
	}
	return nil
}

func statusClass(code int) string {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "unauthorized"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 500:
		return "5xx"
	default:
		return "4xx"
	}
}
