// Package presence: последние известные статусы пользователей (best effort, без гарантий сохранности).
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/chatsync/internal/apperr"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/ws"
)

// StatusAPI: GET /user-statuses.
type StatusAPI interface {
	ListUserStatuses(ctx context.Context) ([]model.UserStatus, error)
}

type Tracker struct {
	store storage.PresenceStore
	api   StatusAPI
	now   func() time.Time
}

func NewTracker(store storage.PresenceStore, api StatusAPI) *Tracker {
	return &Tracker{store: store, api: api, now: time.Now}
}

// GetStatuses: снимок всех известных статусов, по возрастанию id.
func (t *Tracker) GetStatuses(ctx context.Context) ([]model.UserStatus, error) {
	all, err := t.store.List(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(all, func(a, b model.UserStatus) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return all, nil
}

// Status возвращает статус пользователя; без записи: offline.
func (t *Tracker) Status(ctx context.Context, userID int64) model.UserStatus {
	st, ok, err := t.store.Get(ctx, userID)
	if err != nil {
		logger.Errorf("presence: get %d: %v", userID, err)
	}
	if !ok {
		return model.UserStatus{UserID: userID, Status: model.StatusOffline}
	}
	return st
}

// SetStatus создаёт или заменяет запись; lastSeen = now.
func (t *Tracker) SetStatus(ctx context.Context, userID int64, status model.Status) error {
	const op = "presence.SetStatus"
	if userID <= 0 {
		return apperr.Validation(op, fmt.Sprintf("invalid user id %d", userID))
	}
	if !status.Valid() {
		return apperr.Validation(op, fmt.Sprintf("unknown status %q", status))
	}
	return t.store.Put(ctx, model.UserStatus{UserID: userID, Status: status, LastSeen: t.now().UTC()})
}

// Refresh подтягивает статусы с сервера. Некорректные записи пропускаются.
func (t *Tracker) Refresh(ctx context.Context) error {
	list, err := t.api.ListUserStatuses(ctx)
	if err != nil {
		return err
	}
	for _, st := range list {
		if st.UserID <= 0 || !st.Status.Valid() {
			logger.Debugf("presence: skip invalid status %+v", st)
			continue
		}
		if st.LastSeen.IsZero() {
			st.LastSeen = t.now().UTC()
		}
		if err := t.store.Put(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// Run опрашивает сервер каждые interval до отмены ctx. Ошибки только логируются.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	refresh := func() {
		if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("presence: refresh: %v", err)
		}
	}
	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// HandleEvent применяет push-событие user_status / user_online / user_offline.
func (t *Tracker) HandleEvent(f ws.Frame) {
	var p ws.UserStatusPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		logger.Errorf("presence: decode %s: %v", f.Type, err)
		return
	}
	st := model.UserStatus{UserID: p.UserID, Status: p.Status, LastSeen: t.now().UTC()}
	switch f.Type {
	case ws.EventUserOnline:
		st.Status = model.StatusOnline
	case ws.EventUserOffline:
		st.Status = model.StatusOffline
	case ws.EventUserStatus:
		if st.Status == "" && p.Online != nil {
			st.Status = model.StatusOffline
			if *p.Online {
				st.Status = model.StatusOnline
			}
		}
	default:
		return
	}
	if p.LastSeen != nil {
		st.LastSeen = p.LastSeen.UTC()
	}
	if st.UserID <= 0 || !st.Status.Valid() {
		logger.Errorf("presence: drop %s for user %d with status %q", f.Type, st.UserID, st.Status)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.Put(ctx, st); err != nil {
		logger.Errorf("presence: store %d: %v", st.UserID, err)
	}
}

// Attach регистрирует обработчики событий присутствия на соединении.
func (t *Tracker) Attach(conn *ws.Conn) {
	for _, ev := range []ws.EventType{ws.EventUserStatus, ws.EventUserOnline, ws.EventUserOffline} {
		conn.OnEvent(ev, t.HandleEvent)
	}
}
