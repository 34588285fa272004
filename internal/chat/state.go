package chat

import "github.com/chatsync/internal/model"

// State: состояние активной переписки.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateSynced
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Change: битовая маска изменившихся частей состояния движка.
type Change uint8

const (
	ChangeState Change = 1 << iota
	ChangeMessages
	ChangeUnread
)

func (c Change) Has(f Change) bool { return c&f != 0 }

// Group: подряд идущие сообщения одного отправителя.
type Group struct {
	SenderID int64
	Messages []model.Message
}

// GroupConsecutiveBySender группирует сообщения для отображения; исходный список не меняется.
func GroupConsecutiveBySender(msgs []model.Message) []Group {
	var groups []Group
	for _, m := range msgs {
		if n := len(groups); n > 0 && groups[n-1].SenderID == m.SenderID {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, Group{SenderID: m.SenderID, Messages: []model.Message{m}})
	}
	return groups
}
