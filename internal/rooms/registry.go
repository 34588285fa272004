// Package rooms: реестр комнат чата и личных переписок.
package rooms

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chatsync/internal/apperr"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// RoomsAPI: удалённые операции с комнатами (GET/POST /rooms).
type RoomsAPI interface {
	ListRooms(ctx context.Context) ([]model.ChatRoom, error)
	CreateRoom(ctx context.Context, name string, members []int64) (model.ChatRoom, error)
}

// Filter: проекция для списка комнат.
type Filter struct {
	// ExcludeDirect скрывает личные переписки (вид "групповые комнаты").
	ExcludeDirect bool
}

// Registry хранит известные комнаты в порядке регистрации.
type Registry struct {
	me  int64
	api RoomsAPI
	now func() time.Time

	mu    sync.RWMutex
	rooms map[string]model.ChatRoom
	order []string
}

func NewRegistry(me int64, api RoomsAPI) *Registry {
	return &Registry{
		me:    me,
		api:   api,
		now:   time.Now,
		rooms: make(map[string]model.ChatRoom),
	}
}

// Me: пользователь, от имени которого работает реестр.
func (r *Registry) Me() int64 { return r.me }

// ResolveDirectRoom возвращает id личной переписки a и b; порядок аргументов не важен.
// Если комнаты ещё нет, она создаётся локально (на сервере не сохраняется).
func (r *Registry) ResolveDirectRoom(a, b int64) (string, error) {
	if a <= 0 || b <= 0 || a == b {
		return "", apperr.Validation("rooms.ResolveDirectRoom", "two distinct positive user ids required")
	}
	id := model.DirectRoomID(a, b)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[id]; ok {
		return id, nil
	}
	r.addLocked(model.ChatRoom{
		ID:              id,
		Name:            id,
		CreatedBy:       r.me,
		CreatedAt:       r.now().UTC(),
		Members:         model.NormalizeMembers([]int64{a, b}),
		IsDirectMessage: true,
	})
	return id, nil
}

// CreateRoom создаёт групповую комнату; текущий пользователь всегда входит в участники.
func (r *Registry) CreateRoom(ctx context.Context, name string, memberIDs []int64) (model.ChatRoom, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.ChatRoom{}, apperr.Validation("rooms.CreateRoom", "room name is empty")
	}
	members := model.NormalizeMembers(append(slices.Clone(memberIDs), r.me))

	room, err := r.api.CreateRoom(ctx, name, members)
	if err != nil {
		return model.ChatRoom{}, err
	}
	room.Members = model.NormalizeMembers(append(slices.Clone(room.Members), r.me))
	if room.Name == "" {
		room.Name = name
	}

	r.mu.Lock()
	r.addLocked(room)
	r.mu.Unlock()
	logger.Infof("rooms: created %s (%q, members=%v)", room.ID, room.Name, room.Members)
	return room, nil
}

// Load подтягивает комнаты с сервера и объединяет с известными.
func (r *Registry) Load(ctx context.Context) error {
	rooms, err := r.api.ListRooms(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, room := range rooms {
		room.Members = model.NormalizeMembers(room.Members)
		r.addLocked(room)
	}
	r.mu.Unlock()
	return nil
}

// Upsert регистрирует или заменяет комнату.
func (r *Registry) Upsert(room model.ChatRoom) {
	room.Members = model.NormalizeMembers(room.Members)
	r.mu.Lock()
	r.addLocked(room)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (model.ChatRoom, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if ok {
		room.Members = slices.Clone(room.Members)
	}
	return room, ok
}

// ListRooms: синхронная проекция известных комнат.
func (r *Registry) ListRooms(f Filter) []model.ChatRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ChatRoom, 0, len(r.order))
	for _, id := range r.order {
		room := r.rooms[id]
		if f.ExcludeDirect && room.IsDirectMessage {
			continue
		}
		room.Members = slices.Clone(room.Members)
		out = append(out, room)
	}
	return out
}

// PeerOf возвращает собеседника текущего пользователя в личной переписке.
func (r *Registry) PeerOf(roomID string) (int64, bool) {
	room, ok := r.Get(roomID)
	if !ok {
		return 0, false
	}
	return room.Peer(r.me)
}

// TargetOf возвращает цель для загрузки истории комнаты: собеседника для личной переписки.
func (r *Registry) TargetOf(roomID string) (model.Target, bool) {
	room, ok := r.Get(roomID)
	if !ok {
		return model.Target{}, false
	}
	if room.IsDirectMessage {
		peer, ok := r.PeerOf(roomID)
		if !ok {
			return model.Target{}, false
		}
		return model.PeerTarget(peer), true
	}
	return model.RoomTarget(room.ID), true
}

func (r *Registry) addLocked(room model.ChatRoom) {
	if _, ok := r.rooms[room.ID]; !ok {
		r.order = append(r.order, room.ID)
	}
	r.rooms[room.ID] = room
}
