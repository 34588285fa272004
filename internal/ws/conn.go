package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chatsync/internal/apperr"
	"github.com/chatsync/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 << 10
	sendBufSize           = 64
)

var (
	ErrNotConnected = errors.New("ws: not connected")
	ErrSendBufFull  = errors.New("ws: send buffer full")
	ErrStarted      = errors.New("ws: already started")
)

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Handler обрабатывает кадр; вызывается из горутины чтения.
type Handler func(Frame)

type Options struct {
	URL string
	// Token даёт bearer-токен для заголовка Authorization при каждом подключении.
	Token          func() string
	Dialer         *websocket.Dialer
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// Conn: владеемое явно соединение с каналом событий.
// Lifecycle: NewConn -> OnEvent/OnConnect -> Connect -> [dial, readPump, writePump, reconnect]* -> Disconnect.
type Conn struct {
	opts Options

	mu        sync.RWMutex
	handlers  map[EventType][]Handler
	onConnect []func()
	current   *websocket.Conn

	send      chan Frame
	connected atomic.Bool
	started   atomic.Bool

	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewConn(opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteWait
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Conn{
		opts:     opts,
		handlers: make(map[EventType][]Handler),
		send:     make(chan Frame, sendBufSize),
	}
}

// OnEvent регистрирует обработчик. Подписки живут в Conn и переживают переподключения.
func (c *Conn) OnEvent(t EventType, h Handler) {
	t, _ = NormalizeEvent(t)
	c.mu.Lock()
	c.handlers[t] = append(c.handlers[t], h)
	c.mu.Unlock()
}

// OnConnect регистрирует хук, вызываемый после каждого успешного (пере)подключения.
func (c *Conn) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

func (c *Conn) Connected() bool { return c.connected.Load() }

// Connect запускает супервизор соединения и ждёт результата первой попытки.
// Ошибка первой попытки возвращается, но переподключение продолжается в фоне до Disconnect.
func (c *Conn) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	first := make(chan error, 1)
	c.wg.Add(1)
	go c.run(runCtx, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return apperr.Classify("ws.Connect", ctx.Err())
	}
}

// Disconnect останавливает соединение и ждёт завершения горутин. Повторный вызов безопасен.
func (c *Conn) Disconnect() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.RLock()
		cur := c.current
		c.mu.RUnlock()
		if cur != nil {
			// Force readPump to unblock.
			cur.Close()
		}
	})
	c.wg.Wait()
}

// Send ставит кадр в очередь записи. Не блокирует.
func (c *Conn) Send(f Frame) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrSendBufFull
	}
}

func (c *Conn) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectMin
	b.MaxInterval = c.opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Conn) run(ctx context.Context, first chan<- error) {
	defer c.wg.Done()
	b := c.newBackoff()
	reported := false
	for {
		conn, err := c.dial(ctx)
		if !reported {
			first <- err
			reported = true
		}
		if err == nil {
			b.Reset()
			c.serve(ctx, conn)
		} else {
			logger.Errorf("ws dial %s: %v", c.opts.URL, err)
		}
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		logger.Infof("ws reconnect in %v", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != nil {
		tok := c.opts.Token()
		if tok == "" {
			return nil, apperr.NotAuthenticated("ws.Dial")
		}
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperr.NotAuthenticated("ws.Dial")
		}
		return nil, apperr.Classify("ws.Dial", err)
	}
	return conn, nil
}

// serve обслуживает одно соединение до его разрыва.
func (c *Conn) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.current = conn
	c.mu.Unlock()
	// Disconnect may have run between dial and registration.
	if ctx.Err() != nil {
		conn.Close()
	}

	// Frames queued for a previous connection are stale.
	c.drainSend()
	c.connected.Store(true)

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		c.writePump(connCtx, conn)
	}()

	c.subscribe()
	c.runHooks()

	c.readPump(conn)

	c.connected.Store(false)
	cancel()
	conn.Close()
	pumps.Wait()

	c.mu.Lock()
	if c.current == conn {
		c.current = nil
	}
	c.mu.Unlock()
}

func (c *Conn) drainSend() {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

// subscribe повторно подписывается на все зарегистрированные события.
func (c *Conn) subscribe() {
	c.mu.RLock()
	events := make([]EventType, 0, len(c.handlers))
	for t := range c.handlers {
		events = append(events, t)
	}
	c.mu.RUnlock()
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })

	f, err := NewFrame(EventSubscribe, SubscribePayload{Events: events})
	if err != nil {
		logger.Errorf("ws subscribe encode: %v", err)
		return
	}
	if err := c.Send(f); err != nil {
		logger.Errorf("ws subscribe: %v", err)
	}
}

func (c *Conn) runHooks() {
	c.mu.RLock()
	hooks := append([]func(){}, c.onConnect...)
	c.mu.RUnlock()
	for _, h := range hooks {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			h()
		}()
	}
}

func (c *Conn) dispatch(f Frame) {
	t, deprecated := NormalizeEvent(f.Type)
	if deprecated {
		logger.Debugf("ws event %q is deprecated, treated as %q", f.Type, t)
	}
	f.Type = t
	c.mu.RLock()
	hs := c.handlers[t]
	c.mu.RUnlock()
	for _, h := range hs {
		h(f)
	}
}

// readPump читает кадры до ошибки чтения (в том числе вызванной conn.Close).
func (c *Conn) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
		logger.Errorf("ws set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error: %v", err)
			}
			return
		}
		// Any inbound traffic proves the peer is alive.
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("ws unmarshal error: %v", err)
			continue
		}
		c.dispatch(f)
	}
}

// writePump пишет кадры и ping. Завершается при отмене ctx или ошибке записи.
func (c *Conn) writePump(ctx context.Context, conn *websocket.Conn) {
	pingPeriod := (c.opts.PongTimeout * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				logger.Errorf("ws set write deadline: %v", err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(f); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error: %v", err)
				continue
			}
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
			writeErr := conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
