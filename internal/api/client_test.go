package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chatsync/internal/apperr"
	"github.com/chatsync/internal/backendtest"
	"github.com/chatsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*backendtest.Server, *Client) {
	t.Helper()
	srv := backendtest.New(t)
	srv.AddUser(model.User{ID: 1, DisplayName: "Анна", Role: "admin"}, "tok-1")
	srv.AddUser(model.User{ID: 2, DisplayName: "Борис", Role: "manager"}, "tok-2")
	return srv, NewClient(srv.URL(), StaticToken("tok-1"), WithTimeout(2*time.Second))
}

func TestListUsers(t *testing.T) {
	_, c := setup(t)
	users, err := c.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Борис", users[1].DisplayName)
}

func TestCreateAndListRooms(t *testing.T) {
	srv, c := setup(t)
	srv.AddRoom(model.ChatRoom{ID: "other", Name: "Чужая", Members: []int64{2, 3}})

	room, err := c.CreateRoom(context.Background(), "Team Alpha", []int64{2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, room.Members)
	assert.Equal(t, int64(1), room.CreatedBy)

	rooms, err := c.ListRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ID, rooms[0].ID)
}

func TestCreateRoomValidation(t *testing.T) {
	_, c := setup(t)
	_, err := c.CreateRoom(context.Background(), " ", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "name required")
}

func TestMessagesRoundTrip(t *testing.T) {
	srv, c := setup(t)
	srv.AddMessage(model.Message{ID: "m1", Content: "привет", SenderID: 2, ReceiverID: 1})
	srv.AddMessage(model.Message{ID: "m2", Content: "other", SenderID: 2, ReceiverID: 5})
	srv.AddMessage(model.Message{ID: "m3", Content: "room", SenderID: 2, RoomID: "r1"})

	ctx := context.Background()
	dm, err := c.ListMessages(ctx, model.PeerTarget(2))
	require.NoError(t, err)
	require.Len(t, dm, 1)
	assert.Equal(t, "m1", dm[0].ID)

	room, err := c.ListMessages(ctx, model.RoomTarget("r1"))
	require.NoError(t, err)
	require.Len(t, room, 1)

	sent, err := c.SendMessage(ctx, model.OutgoingMessage{Content: "ответ", ReceiverID: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, int64(1), sent.SenderID)
	assert.Equal(t, int64(2), sent.ReceiverID)

	require.NoError(t, c.MarkRead(ctx, []string{"m1"}))
	assert.Equal(t, [][]string{{"m1"}}, srv.ReadCalls())

	dm, err = c.ListMessages(ctx, model.PeerTarget(2))
	require.NoError(t, err)
	require.Len(t, dm, 2)
	assert.True(t, dm[0].IsRead)
}

func TestListMessagesNeedsTarget(t *testing.T) {
	_, c := setup(t)
	_, err := c.ListMessages(context.Background(), model.Target{})
	assert.ErrorIs(t, err, apperr.ErrNoActiveConversation)
}

func TestUserStatuses(t *testing.T) {
	srv, c := setup(t)
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv.SetStatus(model.UserStatus{UserID: 2, Status: model.StatusBusy, LastSeen: seen})

	st, err := c.ListUserStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, st, 1)
	assert.Equal(t, model.StatusBusy, st[0].Status)
	assert.True(t, seen.Equal(st[0].LastSeen))
}

func TestNotAuthenticated(t *testing.T) {
	srv, _ := setup(t)

	c := NewClient(srv.URL(), StaticToken(""))
	_, err := c.ListRooms(context.Background())
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)

	c = NewClient(srv.URL(), StaticToken("bogus"))
	_, err = c.ListRooms(context.Background())
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
}

func TestServerErrorIsNetwork(t *testing.T) {
	srv, c := setup(t)
	srv.FailNext(http.MethodGet, "/rooms", http.StatusBadGateway)

	_, err := c.ListRooms(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNetwork)
	assert.True(t, apperr.Transient(err))

	// only the next request fails
	_, err = c.ListRooms(context.Background())
	assert.NoError(t, err)
}

func TestTimeout(t *testing.T) {
	srv, _ := setup(t)
	srv.DelayNext(http.MethodGet, "/users", time.Second)
	c := NewClient(srv.URL(), StaticToken("tok-1"), WithTimeout(50*time.Millisecond))

	_, err := c.ListUsers(context.Background())
	assert.ErrorIs(t, err, apperr.ErrTimeout)
}

func TestConnectionRefused(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", StaticToken("tok"))
	_, err := c.ListUsers(context.Background())
	assert.ErrorIs(t, err, apperr.ErrNetwork)
}
