package model

import (
	"errors"
	"strings"
	"time"
)

var (
	errNoDestination   = errors.New("message has neither roomId nor receiverId")
	errTwoDestinations = errors.New("message has both roomId and receiverId")
)

type FileRef struct {
	ID           string `json:"id"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	Mimetype     string `json:"mimetype"`
	URL          string `json:"url"`
}

// Message is addressed either to a room or to a single receiver, never both.
type Message struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	SenderID      int64     `json:"senderId"`
	Timestamp     time.Time `json:"timestamp"`
	RoomID        string    `json:"roomId,omitempty"`
	ReceiverID    int64     `json:"receiverId,omitempty"`
	IsRead        bool      `json:"isRead"`
	AttachedFiles []FileRef `json:"attachedFiles,omitempty"`
}

func (m *Message) Validate() error {
	switch {
	case m.RoomID == "" && m.ReceiverID == 0:
		return errNoDestination
	case m.RoomID != "" && m.ReceiverID != 0:
		return errTwoDestinations
	}
	return nil
}

// ConversationID maps the message onto the room it is counted under.
// Direct messages map to the synthesized dm-{a}-{b} room.
func (m *Message) ConversationID() string {
	if m.RoomID != "" {
		return m.RoomID
	}
	return DirectRoomID(m.SenderID, m.ReceiverID)
}

// UnreadFor reports whether the message counts as unread for user me.
func (m *Message) UnreadFor(me int64) bool {
	return m.SenderID != me && !m.IsRead
}

// OutgoingMessage is the body of POST /messages.
type OutgoingMessage struct {
	Content       string    `json:"content"`
	RoomID        string    `json:"roomId,omitempty"`
	ReceiverID    int64     `json:"receiverId,omitempty"`
	AttachedFiles []FileRef `json:"attachedFiles,omitempty"`
}

// Blank reports a message with no text and no attachments.
func (o *OutgoingMessage) Blank() bool {
	return strings.TrimSpace(o.Content) == "" && len(o.AttachedFiles) == 0
}
