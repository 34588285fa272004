// Package session собирает компоненты клиента чата по конфигурации и управляет их жизненным циклом.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/apperr"
	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/directory"
	"github.com/chatsync/internal/files"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/rooms"
	"github.com/chatsync/internal/startup"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/ws"
)

const redisMaxWait = 30 * time.Second

type options struct {
	tokens     api.TokenSource
	httpClient *http.Client
	store      storage.PresenceStore
}

type Option func(*options)

// WithTokenSource подменяет источник токена (по умолчанию: токен из конфигурации).
func WithTokenSource(ts api.TokenSource) Option {
	return func(o *options) { o.tokens = ts }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithStore задаёт хранилище присутствия вместо выбора по RedisURL.
func WithStore(s storage.PresenceStore) Option {
	return func(o *options) { o.store = s }
}

// Session: клиент чата одного пользователя.
type Session struct {
	cfg *config.Config

	API       *api.Client
	Conn      *ws.Conn
	Directory *directory.Cache
	Rooms     *rooms.Registry
	Files     *files.Register
	Chat      *chat.Engine
	Presence  *presence.Tracker

	store  storage.PresenceStore
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New собирает компоненты. При заданном RedisURL подключается к Redis с повторами.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	o := options{tokens: api.StaticToken(cfg.Token)}
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		if cfg.RedisURL != "" {
			rc, err := startup.ConnectRedisWithRetry(ctx, cfg.RedisURL, cfg.PresenceTTL, redisMaxWait)
			if err != nil {
				return nil, err
			}
			store = rc
		} else {
			store = memory.New(cfg.PresenceTTL)
		}
	}

	apiOpts := []api.Option{api.WithTimeout(cfg.RequestTimeout)}
	if o.httpClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(o.httpClient))
	}
	client := api.NewClient(cfg.APIBaseURL, o.tokens, apiOpts...)

	conn := ws.NewConn(ws.Options{
		URL:            cfg.WSURL,
		Token:          o.tokens.Token,
		WriteTimeout:   cfg.WSWriteTimeout,
		PongTimeout:    cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		ReconnectMin:   cfg.ReconnectMin,
		ReconnectMax:   cfg.ReconnectMax,
	})

	reg := rooms.NewRegistry(cfg.UserID, client)
	fr := files.NewRegister()
	engine := chat.NewEngine(cfg.UserID, client, reg, fr,
		chat.WithConcurrency(cfg.UnreadFetchConcurrency),
		chat.WithBackgroundTimeout(cfg.RequestTimeout),
	)
	tracker := presence.NewTracker(store, client)
	engine.Attach(conn)
	tracker.Attach(conn)

	return &Session{
		cfg:       cfg,
		API:       client,
		Conn:      conn,
		Directory: directory.NewCache(client),
		Rooms:     reg,
		Files:     fr,
		Chat:      engine,
		Presence:  tracker,
		store:     store,
	}, nil
}

// Start загружает пользователей и комнаты, подключает канал событий и запускает опрос присутствия.
// Ошибка первого подключения не фатальна (переподключение идёт в фоне), кроме отказа в авторизации.
func (s *Session) Start(ctx context.Context) error {
	defer logger.DeferLogDuration("session.Start", time.Now())()
	if err := s.Directory.Load(ctx); err != nil {
		return err
	}
	if err := s.Rooms.Load(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.Conn.Connect(ctx); err != nil {
		if errors.Is(err, apperr.ErrNotAuthenticated) {
			cancel()
			s.Conn.Disconnect()
			return err
		}
		logger.Errorf("session: push channel unavailable, retrying in background: %v", err)
	}

	if s.cfg.PresencePollInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Presence.Run(runCtx, s.cfg.PresencePollInterval)
		}()
	}
	logger.Infof("session: user %d started, %d rooms", s.cfg.UserID, len(s.Rooms.ListRooms(rooms.Filter{})))
	return nil
}

// Close останавливает фоновые горутины и соединения. Повторный вызов безопасен.
func (s *Session) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.Conn.Disconnect()
		s.Chat.Close()
		if err := s.store.Close(); err != nil {
			logger.Errorf("session: close store: %v", err)
		}
	})
}
