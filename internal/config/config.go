package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	minRequestTimeout = 10 * time.Second
	maxRequestTimeout = 30 * time.Second
)

// loadEnv читает .env только вне production (в контейнере/prod конфиг только из env).
// Уже заданные переменные окружения не перезаписываются.
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Errorf("config: .env: %v", err)
	}
}

// Config содержит настройки клиента: адреса API, канала событий, таймауты и кеш присутствия.
// Приоритет: переменные окружения > YAML-файл > значения по умолчанию.
type Config struct {
	APIBaseURL string
	WSURL      string
	UserID     int64
	// Token — bearer-токен от внешнего сервиса авторизации, только из env.
	Token string

	RequestTimeout time.Duration

	// Канал событий
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	WSWriteTimeout   time.Duration
	WSPongTimeout    time.Duration
	WSMaxMessageSize int64

	// Присутствие (0 — опрос выключен, только push)
	PresencePollInterval time.Duration
	PresenceTTL          time.Duration
	// RedisURL — общий кеш присутствия. Пустой — хранение в памяти.
	RedisURL string

	UnreadFetchConcurrency int

	LogLevel string
}

// yamlConfig — промежуточная структура для парсинга YAML; длительности в секундах.
type yamlConfig struct {
	APIBaseURL             string `yaml:"api_base_url"`
	WSURL                  string `yaml:"ws_url"`
	UserID                 int64  `yaml:"user_id"`
	RequestTimeout         int    `yaml:"request_timeout"`
	ReconnectMin           int    `yaml:"reconnect_min"`
	ReconnectMax           int    `yaml:"reconnect_max"`
	WSWriteTimeout         int    `yaml:"ws_write_timeout"`
	WSPongTimeout          int    `yaml:"ws_pong_timeout"`
	WSMaxMessageSize       int64  `yaml:"ws_max_message_size"`
	PresencePollInterval   int    `yaml:"presence_poll_interval"`
	PresenceTTL            int    `yaml:"presence_ttl"`
	RedisURL               string `yaml:"redis_url"`
	UnreadFetchConcurrency int    `yaml:"unread_fetch_concurrency"`
	LogLevel               string `yaml:"log_level"`
}

func defaults() yamlConfig {
	return yamlConfig{
		APIBaseURL:             "http://localhost:8080/api",
		RequestTimeout:         15,
		ReconnectMin:           1,
		ReconnectMax:           30,
		WSWriteTimeout:         10,
		WSPongTimeout:          60,
		WSMaxMessageSize:       64 << 10,
		PresencePollInterval:   30,
		PresenceTTL:            300,
		UnreadFetchConcurrency: 4,
		LogLevel:               "info",
	}
}

// Load загружает конфигурацию.
// Сначала подгружаются переменные из .env (если есть), затем YAML и env (env имеет приоритет).
func Load() (*Config, error) {
	loadEnv()
	yc := defaults()

	// CHATSYNC_CONFIG_PATH → config/chatsync.yaml
	paths := []string{os.Getenv("CHATSYNC_CONFIG_PATH"), "config/chatsync.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		logger.Infof("config: загружен %s", path)
		break
	}

	cfg := &Config{
		APIBaseURL:             strings.TrimSuffix(envStr("API_BASE_URL", yc.APIBaseURL), "/"),
		WSURL:                  envStr("WS_URL", yc.WSURL),
		UserID:                 envInt64("CHAT_USER_ID", yc.UserID),
		Token:                  envStr("CHAT_TOKEN", ""),
		RequestTimeout:         seconds(envInt("REQUEST_TIMEOUT", yc.RequestTimeout)),
		ReconnectMin:           seconds(envInt("WS_RECONNECT_MIN", yc.ReconnectMin)),
		ReconnectMax:           seconds(envInt("WS_RECONNECT_MAX", yc.ReconnectMax)),
		WSWriteTimeout:         seconds(envInt("WS_WRITE_TIMEOUT", yc.WSWriteTimeout)),
		WSPongTimeout:          seconds(envInt("WS_PONG_TIMEOUT", yc.WSPongTimeout)),
		WSMaxMessageSize:       envInt64("WS_MAX_MESSAGE_SIZE", yc.WSMaxMessageSize),
		PresencePollInterval:   seconds(envInt("PRESENCE_POLL_INTERVAL", yc.PresencePollInterval)),
		PresenceTTL:            seconds(envInt("PRESENCE_TTL", yc.PresenceTTL)),
		RedisURL:               envStr("REDIS_URL", yc.RedisURL),
		UnreadFetchConcurrency: envInt("UNREAD_FETCH_CONCURRENCY", yc.UnreadFetchConcurrency),
		LogLevel:               envStr("LOG_LEVEL", yc.LogLevel),
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func (c *Config) normalize() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: api_base_url %q must be an absolute http(s) URL", c.APIBaseURL)
	}
	if c.UserID <= 0 {
		return errors.New("config: user_id must be set (CHAT_USER_ID)")
	}
	if c.WSURL == "" {
		c.WSURL = deriveWSURL(u)
	}

	c.RequestTimeout = clamp(c.RequestTimeout, minRequestTimeout, maxRequestTimeout)
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
	if c.WSWriteTimeout <= 0 {
		c.WSWriteTimeout = 10 * time.Second
	}
	if c.WSPongTimeout <= 0 {
		c.WSPongTimeout = 60 * time.Second
	}
	if c.WSMaxMessageSize <= 0 {
		c.WSMaxMessageSize = 64 << 10
	}
	if c.PresencePollInterval < 0 {
		c.PresencePollInterval = 0
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 5 * time.Minute
	}
	if c.UnreadFetchConcurrency <= 0 {
		c.UnreadFetchConcurrency = 4
	}
	return nil
}

// deriveWSURL: http→ws, https→wss, путь API + /ws.
func deriveWSURL(api *url.URL) string {
	ws := *api
	ws.Scheme = "ws"
	if api.Scheme == "https" {
		ws.Scheme = "wss"
	}
	ws.Path = strings.TrimSuffix(api.Path, "/") + "/ws"
	ws.RawQuery = ""
	return ws.String()
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

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
		logger.Errorf("config: %s=%q не число, используется %d", key, v, fallback)
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logger.Errorf("config: %s=%q не число, используется %d", key, v, fallback)
		return fallback
	}
	return n
}
