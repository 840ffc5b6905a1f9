package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/livechat/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv читает .env только вне production (в prod конфиг только из env).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		f, err := os.Open(dir + "/.env")
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		idx := strings.LastIndex(parent, "/")
		if idx <= 0 {
			return
		}
		dir = parent[:idx]
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// StorageConfig: где хранится состояние виджета и консоли администратора.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // memory | file | redis
	Dir         string `yaml:"dir"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// Keys: ключи хранилища. Значения по умолчанию совпадают с ключами браузерного клиента.
type Keys struct {
	VisitorState string `yaml:"visitor_state"`
	AdminState   string `yaml:"admin_state"`
	Credential   string `yaml:"credential"`
}

// SMTPConfig: SMTP для уведомлений о сообщениях формы контактов (только из env).
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	// NotifyTo: кому пересылать сообщения формы. Пустой: уведомления отключены.
	NotifyTo string
}

// Enabled: заданы ли учётные данные и адресат.
func (c SMTPConfig) Enabled() bool {
	return c.Username != "" && c.Password != "" && c.NotifyTo != ""
}

// Config содержит настройки клиента чата и dev-релея.
// Приоритет: переменные окружения > YAML-файл > значения по умолчанию.
type Config struct {
	// Клиент
	APIBaseURL     string
	WSURL          string
	ReconnectDelay time.Duration
	HeartbeatOut   time.Duration
	HeartbeatIn    time.Duration
	HTTPTimeout    time.Duration

	VisitorMaxMessages int
	AdminMaxMessages   int

	Storage       StorageConfig
	Keys          Keys
	CredentialTTL time.Duration
	Chime         bool

	// Релей (локальный бэкенд для разработки и интеграционных тестов)
	ServerAddr         string
	AdminUser          string
	AdminPassword      string
	CORSAllowedOrigins string
	MetricsSecret      string
	SMTP               SMTPConfig

	LogLevel string
}

// yamlConfig: промежуточная структура для парсинга YAML; длительности в миллисекундах.
type yamlConfig struct {
	APIBaseURL         string        `yaml:"api_base_url"`
	WSURL              string        `yaml:"ws_url"`
	ReconnectDelayMS   int           `yaml:"reconnect_delay_ms"`
	HeartbeatOutMS     int           `yaml:"heartbeat_outgoing_ms"`
	HeartbeatInMS      int           `yaml:"heartbeat_incoming_ms"`
	HTTPTimeoutMS      int           `yaml:"http_timeout_ms"`
	VisitorMaxMessages int           `yaml:"visitor_max_messages"`
	AdminMaxMessages   int           `yaml:"admin_max_messages"`
	Storage            StorageConfig `yaml:"storage"`
	Keys               Keys          `yaml:"keys"`
	CredentialTTLMin   int           `yaml:"credential_ttl_minutes"`
	Chime              bool          `yaml:"chime"`
	ServerAddr         string        `yaml:"server_addr"`
	AdminUser          string        `yaml:"admin_user"`
	AdminPassword      string        `yaml:"admin_password"`
	CORSAllowedOrigins string        `yaml:"cors_allowed_origins"`
	LogLevel           string        `yaml:"log_level"`
}

func defaults() yamlConfig {
	return yamlConfig{
		APIBaseURL:         "http://localhost:8081",
		ReconnectDelayMS:   2000,
		HeartbeatOutMS:     10000,
		HeartbeatInMS:      10000,
		HTTPTimeoutMS:      15000,
		VisitorMaxMessages: 200,
		AdminMaxMessages:   300,
		Storage:            StorageConfig{Backend: "file", Dir: defaultStateDir(), RedisPrefix: "livechat:"},
		Keys: Keys{
			VisitorState: "live_chat_state_v1",
			AdminState:   "admin_livechat_cache_v2",
			Credential:   "admin_basic_auth",
		},
		CredentialTTLMin:   12 * 60,
		Chime:              true,
		ServerAddr:         ":8081",
		AdminUser:          "admin",
		AdminPassword:      "admin",
		CORSAllowedOrigins: "*",
		LogLevel:           "info",
	}
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/livechat"
	}
	return ".livechat"
}

// Load загружает конфигурацию: .env (если есть), затем YAML (CONFIG_PATH → config/livechat.yaml), затем env.
func Load() *Config {
	loadEnv()
	yc := defaults()

	for _, path := range []string{os.Getenv("CONFIG_PATH"), "config/livechat.yaml"} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
			yc = defaults()
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}
	return fromYAML(yc)
}

func fromYAML(yc yamlConfig) *Config {
	d := defaults()
	apiBase := envStr("API_BASE_URL", yc.APIBaseURL)
	cfg := &Config{
		APIBaseURL:         apiBase,
		WSURL:              envStr("WS_URL", yc.WSURL),
		ReconnectDelay:     ms(envInt("RECONNECT_DELAY_MS", yc.ReconnectDelayMS), d.ReconnectDelayMS),
		HeartbeatOut:       ms(envInt("HEARTBEAT_OUTGOING_MS", yc.HeartbeatOutMS), 0),
		HeartbeatIn:        ms(envInt("HEARTBEAT_INCOMING_MS", yc.HeartbeatInMS), 0),
		HTTPTimeout:        ms(envInt("HTTP_TIMEOUT_MS", yc.HTTPTimeoutMS), d.HTTPTimeoutMS),
		VisitorMaxMessages: positive(envInt("VISITOR_MAX_MESSAGES", yc.VisitorMaxMessages), d.VisitorMaxMessages),
		AdminMaxMessages:   positive(envInt("ADMIN_MAX_MESSAGES", yc.AdminMaxMessages), d.AdminMaxMessages),
		Storage: StorageConfig{
			Backend:     strings.ToLower(envStr("STORAGE_BACKEND", nonEmpty(yc.Storage.Backend, d.Storage.Backend))),
			Dir:         envStr("STORAGE_DIR", nonEmpty(yc.Storage.Dir, d.Storage.Dir)),
			RedisURL:    envStr("REDIS_URL", yc.Storage.RedisURL),
			RedisPrefix: envStr("REDIS_PREFIX", nonEmpty(yc.Storage.RedisPrefix, d.Storage.RedisPrefix)),
		},
		Keys: Keys{
			VisitorState: nonEmpty(yc.Keys.VisitorState, d.Keys.VisitorState),
			AdminState:   nonEmpty(yc.Keys.AdminState, d.Keys.AdminState),
			Credential:   nonEmpty(yc.Keys.Credential, d.Keys.Credential),
		},
		CredentialTTL:      time.Duration(positive(envInt("CREDENTIAL_TTL_MINUTES", yc.CredentialTTLMin), d.CredentialTTLMin)) * time.Minute,
		Chime:              envBool("CHIME", yc.Chime),
		ServerAddr:         envStr("SERVER_ADDR", yc.ServerAddr),
		AdminUser:          envStr("ADMIN_USER", yc.AdminUser),
		AdminPassword:      envStr("ADMIN_PASSWORD", yc.AdminPassword),
		CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
		MetricsSecret:      envStr("METRICS_SECRET", ""),
		SMTP: SMTPConfig{
			Host:      envStr("SMTP_HOST", "smtp.yandex.ru"),
			Port:      envInt("SMTP_PORT", 587),
			Username:  envStr("SMTP_USERNAME", ""),
			Password:  envStr("SMTP_PASSWORD", ""),
			FromEmail: envStr("SMTP_FROM_EMAIL", ""),
			FromName:  envStr("SMTP_FROM_NAME", "Portfolio"),
			NotifyTo:  envStr("CONTACT_NOTIFY_EMAIL", ""),
		},
		LogLevel: envStr("LOG_LEVEL", yc.LogLevel),
	}
	if cfg.WSURL == "" {
		cfg.WSURL = WebSocketURL(cfg.APIBaseURL)
	}
	if os.Getenv("APP_ENV") == "production" && cfg.AdminPassword == d.AdminPassword {
		logger.Errorf("config: в production задайте ADMIN_PASSWORD (не используйте пароль по умолчанию)")
	}
	return cfg
}

// WebSocketURL выводит адрес STOMP-эндпоинта из базового HTTP-адреса бэкенда:
// http(s)://host[/api] → ws(s)://host/ws/websocket.
func WebSocketURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, "/api")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/websocket"
}

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// ms переводит миллисекунды в Duration; отрицательное значение: fallback.
// Ноль для heart-beat означает «отключено».
func ms(v, fallback int) time.Duration {
	if v < 0 {
		v = fallback
	}
	return time.Duration(v) * time.Millisecond
}

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
