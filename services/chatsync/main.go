// Консольный клиент чата: синхронизирует комнаты, сообщения и присутствие, печатает события в лог.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/rooms"
	"github.com/chatsync/internal/session"
)

func main() {
	logger.SetPrefix("chatsync")
	roomID := flag.String("room", "", "open a room by id")
	peer := flag.Int64("peer", 0, "open a direct conversation with user id")
	text := flag.String("send", "", "send a message to the opened conversation and keep watching")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	logger.Infof("starting chatsync: user=%d api=%s ws=%s", cfg.UserID, cfg.APIBaseURL, cfg.WSURL)

	startCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.RequestTimeout)
	s, err := session.New(startCtx, cfg)
	if err == nil {
		err = s.Start(startCtx)
	}
	cancel()
	if err != nil {
		logger.Errorf("start: %v", err)
		if s != nil {
			s.Close()
		}
		os.Exit(1)
	}
	defer s.Close()

	for _, r := range s.Rooms.ListRooms(rooms.Filter{ExcludeDirect: true}) {
		logger.Infof("room %s %q members=%v", r.ID, r.Name, r.Members)
	}

	var (
		mu    sync.Mutex
		shown int
	)
	stop := s.Chat.Subscribe(func(c chat.Change) {
		mu.Lock()
		defer mu.Unlock()
		if c.Has(chat.ChangeState) {
			logger.Infof("conversation %s: %s", s.Chat.Target(), s.Chat.State())
		}
		if c.Has(chat.ChangeMessages) {
			msgs := s.Chat.Messages()
			if len(msgs) < shown {
				shown = 0
			}
			for _, g := range chat.GroupConsecutiveBySender(msgs[shown:]) {
				name := s.Directory.DisplayName(g.SenderID)
				for _, m := range g.Messages {
					logger.Infof("%s: %s (%d files)", name, m.Content, len(m.AttachedFiles))
				}
			}
			shown = len(msgs)
		}
		if c.Has(chat.ChangeUnread) {
			logger.Debugf("unread: %v", s.Chat.UnreadCounts())
		}
	})
	defer stop()

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	target := model.Target{RoomID: *roomID, PeerID: *peer}
	if !target.IsZero() {
		opCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		err := s.Chat.SelectConversation(opCtx, target)
		cancel()
		if err != nil {
			logger.Errorf("open %s: %v", target, err)
		}
	}
	if *text != "" {
		opCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		if _, err := s.Chat.SendMessage(opCtx, *text, nil); err != nil {
			logger.Errorf("send: %v", err)
		}
		cancel()
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("chatsync shutting down")
			return
		case <-ticker.C:
			statuses, err := s.Presence.GetStatuses(ctx)
			if err != nil {
				logger.Errorf("presence: %v", err)
				continue
			}
			online := 0
			for _, st := range statuses {
				if st.Status == model.StatusOnline {
					online++
				}
			}
			logger.Infof("presence: %d known, %d online, unread %v", len(statuses), online, s.Chat.UnreadCounts())
		}
	}
}
