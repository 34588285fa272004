package model

import "fmt"

// Target selects a conversation: a room or a direct peer.
type Target struct {
	RoomID string
	PeerID int64
}

func RoomTarget(id string) Target { return Target{RoomID: id} }

func PeerTarget(id int64) Target { return Target{PeerID: id} }

func (t Target) IsZero() bool { return t.RoomID == "" && t.PeerID == 0 }

func (t Target) IsDirect() bool { return t.PeerID != 0 }

func (t Target) Valid() bool {
	return (t.RoomID != "") != (t.PeerID > 0)
}

// ConversationID is the unread-map key of the target for user me.
func (t Target) ConversationID(me int64) string {
	if t.PeerID != 0 {
		return DirectRoomID(me, t.PeerID)
	}
	return t.RoomID
}

// Matches reports whether m belongs to this conversation as seen by user me.
func (t Target) Matches(m *Message, me int64) bool {
	if t.RoomID != "" {
		return m.RoomID == t.RoomID
	}
	if m.ReceiverID == 0 {
		return false
	}
	return (m.SenderID == me && m.ReceiverID == t.PeerID) ||
		(m.SenderID == t.PeerID && m.ReceiverID == me)
}

func (t Target) String() string {
	if t.PeerID != 0 {
		return fmt.Sprintf("peer:%d", t.PeerID)
	}
	if t.RoomID != "" {
		return "room:" + t.RoomID
	}
	return "none"
}
