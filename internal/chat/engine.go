// Package chat: движок синхронизации сообщений: активная переписка, входящие события,
// прочитанность и счётчики непрочитанного.
package chat

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatsync/internal/apperr"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/rooms"
	"github.com/chatsync/internal/ws"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	defaultBgTimeout   = 30 * time.Second
)

// MessagesAPI: удалённые операции с сообщениями.
type MessagesAPI interface {
	ListMessages(ctx context.Context, t model.Target) ([]model.Message, error)
	SendMessage(ctx context.Context, out model.OutgoingMessage) (model.Message, error)
	MarkRead(ctx context.Context, ids []string) error
}

// RoomSource: известные комнаты; личные переписки регистрируются по мере появления.
type RoomSource interface {
	ListRooms(f rooms.Filter) []model.ChatRoom
	TargetOf(roomID string) (model.Target, bool)
	ResolveDirectRoom(a, b int64) (string, error)
}

// Selection: выбранные для отправки файлы.
type Selection interface {
	Selected() []model.FileRef
	Clear()
}

type Option func(*Engine)

// WithConcurrency ограничивает число параллельных загрузок истории при пересчёте непрочитанного.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithBackgroundTimeout задаёт таймаут фоновых вызовов (отметка прочтения, пересчёт после переподключения).
func WithBackgroundTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.bgTimeout = d
		}
	}
}

// Engine: единственный писатель списка сообщений, кэша переписок и счётчиков непрочитанного.
type Engine struct {
	me          int64
	api         MessagesAPI
	rooms       RoomSource
	files       Selection
	concurrency int
	bgTimeout   time.Duration

	mu        sync.Mutex
	state     State
	target    model.Target
	gen       uint64
	lastErr   error
	visible   []model.Message
	cache     map[string][]model.Message // conversation id -> messages in arrival order
	readLocal map[string]struct{}
	unread    map[string]int

	lmu       sync.Mutex
	listeners map[int]func(Change)
	nextID    int

	sending atomic.Int32
	bg      sync.WaitGroup
}

func NewEngine(me int64, api MessagesAPI, rs RoomSource, files Selection, opts ...Option) *Engine {
	e := &Engine{
		me:          me,
		api:         api,
		rooms:       rs,
		files:       files,
		concurrency: defaultConcurrency,
		bgTimeout:   defaultBgTimeout,
		cache:       make(map[string][]model.Message),
		readLocal:   make(map[string]struct{}),
		unread:      make(map[string]int),
		listeners:   make(map[int]func(Change)),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SelectConversation делает цель активной и загружает её историю.
// Результат загрузки, пришедший после смены цели, отбрасывается с ErrStaleResult.
func (e *Engine) SelectConversation(ctx context.Context, t model.Target) error {
	const op = "chat.SelectConversation"
	if t.IsZero() {
		return apperr.NoActiveConversation(op)
	}
	if !t.Valid() {
		return apperr.Validation(op, "target must name exactly one room or peer")
	}
	if t.IsDirect() {
		if _, err := e.rooms.ResolveDirectRoom(e.me, t.PeerID); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.target = t
	e.visible = nil
	e.state = StateLoading
	e.lastErr = nil
	e.mu.Unlock()
	e.notify(ChangeState | ChangeMessages)

	defer logger.DeferLogDuration(op+" "+t.String(), time.Now())()
	history, err := e.api.ListMessages(ctx, t)

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		logger.Debugf("chat: stale history for %s discarded", t)
		return apperr.Stale(op)
	}
	if err != nil {
		e.state = StateError
		e.lastErr = err
		e.mu.Unlock()
		logger.Errorf("chat: load history %s: %v", t, err)
		e.notify(ChangeState)
		return err
	}

	convID := t.ConversationID(e.me)
	cached := e.cache[convID]
	e.visible = make([]model.Message, 0, len(history)+len(cached))
	for _, m := range history {
		e.reconcileRead(&m)
		e.visible, _ = appendUnique(e.visible, m)
	}
	// pushed messages the server has not returned yet; the cache already holds
	// everything appended while loading
	for _, m := range cached {
		e.visible, _ = appendUnique(e.visible, m)
	}
	ids := e.markVisibleReadLocked()
	e.cache[convID] = slices.Clone(e.visible)
	e.rebuildUnreadLocked()
	e.state = StateSynced
	e.mu.Unlock()

	e.notify(ChangeState | ChangeMessages | ChangeUnread)
	e.markReadAsync(ids)
	return nil
}

// Retry повторяет загрузку текущей цели; допустим только из состояния Error.
func (e *Engine) Retry(ctx context.Context) error {
	e.mu.Lock()
	state, t := e.state, e.target
	e.mu.Unlock()
	if state != StateError {
		return apperr.Validation("chat.Retry", "nothing to retry in state "+state.String())
	}
	return e.SelectConversation(ctx, t)
}

// SendMessage отправляет сообщение в активную переписку. files == nil означает текущий выбор файлов.
// При ошибке состояние и выбор файлов не меняются.
func (e *Engine) SendMessage(ctx context.Context, content string, files []model.FileRef) (model.Message, error) {
	const op = "chat.SendMessage"
	if files == nil && e.files != nil {
		files = e.files.Selected()
	}

	e.mu.Lock()
	t, gen := e.target, e.gen
	e.mu.Unlock()
	if t.IsZero() {
		return model.Message{}, apperr.NoActiveConversation(op)
	}

	out := model.OutgoingMessage{Content: content, AttachedFiles: files}
	if t.IsDirect() {
		out.ReceiverID = t.PeerID
	} else {
		out.RoomID = t.RoomID
	}
	if out.Blank() {
		return model.Message{}, apperr.Validation(op, "message has no text and no attachments")
	}

	e.sending.Add(1)
	defer e.sending.Add(-1)
	msg, err := e.api.SendMessage(ctx, out)
	if err != nil {
		logger.Errorf("chat: send to %s: %v", t, err)
		return model.Message{}, err
	}
	if msg.SenderID == 0 {
		msg.SenderID = e.me
	}

	e.mu.Lock()
	e.cacheAddLocked(msg)
	if e.gen == gen {
		e.visible, _ = appendUnique(e.visible, msg)
	}
	e.mu.Unlock()

	if e.files != nil {
		e.files.Clear()
	}
	e.notify(ChangeMessages)
	return msg, nil
}

// Sending сообщает, что отправка в процессе; вызывающий блокирует кнопку отправки.
func (e *Engine) Sending() bool { return e.sending.Load() > 0 }

// OnIncomingMessage принимает сообщение из канала событий.
func (e *Engine) OnIncomingMessage(msg model.Message) {
	if err := msg.Validate(); err != nil {
		logger.Errorf("chat: drop incoming message %q: %v", msg.ID, err)
		return
	}
	if msg.ID == "" {
		logger.Errorf("chat: drop incoming message without id from %d", msg.SenderID)
		return
	}
	if msg.ReceiverID != 0 {
		if peer, ok := e.peerOf(msg); ok {
			if _, err := e.rooms.ResolveDirectRoom(e.me, peer); err != nil {
				logger.Errorf("chat: register direct room with %d: %v", peer, err)
			}
		}
	}

	var ids []string
	change := ChangeUnread
	e.mu.Lock()
	active := e.state != StateIdle && e.target.Matches(&msg, e.me)
	if active && msg.UnreadFor(e.me) {
		msg.IsRead = true
		e.readLocal[msg.ID] = struct{}{}
		ids = []string{msg.ID}
	}
	e.cacheAddLocked(msg)
	if active {
		var added bool
		e.visible, added = appendUnique(e.visible, msg)
		if added {
			change |= ChangeMessages
		}
	}
	e.rebuildUnreadLocked()
	e.mu.Unlock()

	e.notify(change)
	e.markReadAsync(ids)
}

// MarkRead отмечает сообщения прочитанными локально, затем на сервере.
// Ошибка сервера только логируется.
func (e *Engine) MarkRead(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	e.mu.Lock()
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
		e.readLocal[id] = struct{}{}
	}
	for i := range e.visible {
		if _, ok := set[e.visible[i].ID]; ok {
			e.visible[i].IsRead = true
		}
	}
	for _, msgs := range e.cache {
		for i := range msgs {
			if _, ok := set[msgs[i].ID]; ok {
				msgs[i].IsRead = true
			}
		}
	}
	e.rebuildUnreadLocked()
	e.mu.Unlock()
	e.notify(ChangeMessages | ChangeUnread)

	if err := e.api.MarkRead(ctx, ids); err != nil {
		logger.Errorf("chat: mark read %v: %v", ids, err)
	}
}

func (e *Engine) UnreadCount(roomID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unread[roomID]
}

func (e *Engine) UnreadCounts() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.unread)
}

// RecomputeUnreadCounts перезагружает историю всех известных комнат и пересчитывает счётчики.
// Комнаты, которые не удалось загрузить, сохраняют прежний кэш; возвращается первая ошибка.
func (e *Engine) RecomputeUnreadCounts(ctx context.Context) error {
	defer logger.DeferLogDuration("chat.RecomputeUnreadCounts", time.Now())()

	var (
		rmu     sync.Mutex
		fetched = make(map[string][]model.Message)
	)
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, room := range e.rooms.ListRooms(rooms.Filter{}) {
		t, ok := e.rooms.TargetOf(room.ID)
		if !ok {
			continue
		}
		g.Go(func() error {
			msgs, err := e.api.ListMessages(ctx, t)
			if err != nil {
				logger.Errorf("chat: recompute %s: %v", room.ID, err)
				return err
			}
			rmu.Lock()
			fetched[room.ID] = msgs
			rmu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	e.mu.Lock()
	for id, msgs := range fetched {
		next := make([]model.Message, 0, len(msgs))
		for _, m := range msgs {
			e.reconcileRead(&m)
			next, _ = appendUnique(next, m)
		}
		// keep live messages the server has not returned yet
		for _, m := range e.cache[id] {
			next, _ = appendUnique(next, m)
		}
		e.cache[id] = next
	}
	e.rebuildUnreadLocked()
	e.mu.Unlock()
	e.notify(ChangeUnread)
	return err
}

// Messages: копия видимого списка активной переписки.
func (e *Engine) Messages() []model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.visible)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Target() model.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Subscribe регистрирует слушателя изменений. Слушатели вызываются вне блокировки движка.
func (e *Engine) Subscribe(fn func(Change)) (cancel func()) {
	e.lmu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.lmu.Unlock()
	return func() {
		e.lmu.Lock()
		delete(e.listeners, id)
		e.lmu.Unlock()
	}
}

// Attach подписывает движок на события соединения: входящие сообщения
// и пересчёт непрочитанного после каждого (пере)подключения.
func (e *Engine) Attach(conn *ws.Conn) {
	conn.OnEvent(ws.EventMessageReceived, func(f ws.Frame) {
		msg, err := ws.DecodeMessage(f)
		if err != nil {
			logger.Errorf("chat: decode %s: %v", f.Type, err)
			return
		}
		e.OnIncomingMessage(msg)
	})
	conn.OnConnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.bgTimeout)
		defer cancel()
		if err := e.RecomputeUnreadCounts(ctx); err != nil {
			logger.Errorf("chat: recompute after connect: %v", err)
		}
	})
}

// Close ждёт завершения фоновых отметок прочтения.
func (e *Engine) Close() {
	e.bg.Wait()
}

func (e *Engine) notify(c Change) {
	e.lmu.Lock()
	fns := slices.Collect(maps.Values(e.listeners))
	e.lmu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (e *Engine) markReadAsync(ids []string) {
	if len(ids) == 0 {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.bgTimeout)
		defer cancel()
		if err := e.api.MarkRead(ctx, ids); err != nil {
			logger.Errorf("chat: mark read %v: %v", ids, err)
		}
	}()
}

// markVisibleReadLocked отмечает прочитанными чужие сообщения видимого списка и возвращает их id.
func (e *Engine) markVisibleReadLocked() []string {
	var ids []string
	for i := range e.visible {
		if e.visible[i].UnreadFor(e.me) {
			e.visible[i].IsRead = true
			e.readLocal[e.visible[i].ID] = struct{}{}
			ids = append(ids, e.visible[i].ID)
		}
	}
	return ids
}

// reconcileRead накладывает локальные отметки прочтения на сообщение с сервера.
// Отметка снимается, когда сервер сам вернул сообщение прочитанным.
func (e *Engine) reconcileRead(m *model.Message) {
	if m.IsRead {
		delete(e.readLocal, m.ID)
		return
	}
	if _, ok := e.readLocal[m.ID]; ok {
		m.IsRead = true
	}
}

func (e *Engine) cacheAddLocked(m model.Message) {
	id := m.ConversationID()
	e.cache[id], _ = appendUnique(e.cache[id], m)
}

func (e *Engine) rebuildUnreadLocked() {
	clear(e.unread)
	for id, msgs := range e.cache {
		n := 0
		for i := range msgs {
			if msgs[i].UnreadFor(e.me) {
				n++
			}
		}
		if n > 0 {
			e.unread[id] = n
		}
	}
}

func (e *Engine) peerOf(m model.Message) (int64, bool) {
	switch e.me {
	case m.SenderID:
		return m.ReceiverID, m.ReceiverID != e.me
	case m.ReceiverID:
		return m.SenderID, m.SenderID != e.me
	}
	return 0, false
}

// appendUnique добавляет сообщение, если сообщения с таким id ещё нет.
func appendUnique(list []model.Message, m model.Message) ([]model.Message, bool) {
	if m.ID != "" && slices.ContainsFunc(list, func(x model.Message) bool { return x.ID == m.ID }) {
		return list, false
	}
	return append(list, m), true
}
