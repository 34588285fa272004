package model

import (
	"fmt"
	"slices"
	"time"
)

type ChatRoom struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CreatedBy       int64     `json:"createdBy"`
	CreatedAt       time.Time `json:"createdAt"`
	Members         []int64   `json:"members"`
	IsDirectMessage bool      `json:"isDirectMessage"`
}

// DirectRoomID returns the id shared by both participants of a direct conversation.
func DirectRoomID(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm-%d-%d", a, b)
}

// NormalizeMembers returns a sorted copy without duplicates and non-positive ids.
func NormalizeMembers(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (r *ChatRoom) HasMember(id int64) bool {
	_, ok := slices.BinarySearch(r.Members, id)
	return ok
}

// Peer returns the other participant of a direct-message room.
func (r *ChatRoom) Peer(me int64) (int64, bool) {
	if !r.IsDirectMessage || len(r.Members) != 2 {
		return 0, false
	}
	switch me {
	case r.Members[0]:
		return r.Members[1], true
	case r.Members[1]:
		return r.Members[0], true
	}
	return 0, false
}
