package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/chatsync/internal/apperr"
	"github.com/chatsync/internal/files"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/rooms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const me int64 = 1

type fakeAPI struct {
	mu      sync.Mutex
	history map[model.Target][]model.Message
	gates   map[model.Target]chan struct{}
	listErr map[model.Target]error
	sendErr error
	readErr error
	sent    []model.OutgoingMessage
	read    [][]string
	seq     int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history: make(map[model.Target][]model.Message),
		gates:   make(map[model.Target]chan struct{}),
		listErr: make(map[model.Target]error),
	}
}

func (f *fakeAPI) set(t model.Target, msgs ...model.Message) {
	f.mu.Lock()
	f.history[t] = msgs
	f.mu.Unlock()
}

func (f *fakeAPI) fail(t model.Target, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.listErr, t)
	} else {
		f.listErr[t] = err
	}
	f.mu.Unlock()
}

// hold blocks ListMessages for t until the returned func is called.
func (f *fakeAPI) hold(t model.Target) func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[t] = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeAPI) ListMessages(ctx context.Context, t model.Target) ([]model.Message, error) {
	f.mu.Lock()
	gate := f.gates[t]
	delete(f.gates, t)
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[t]; err != nil {
		return nil, err
	}
	return slices.Clone(f.history[t]), nil
}

func (f *fakeAPI) SendMessage(_ context.Context, out model.OutgoingMessage) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	f.sent = append(f.sent, out)
	f.seq++
	return model.Message{
		ID:            fmt.Sprintf("srv-%d", f.seq),
		Content:       out.Content,
		SenderID:      me,
		Timestamp:     time.Now(),
		RoomID:        out.RoomID,
		ReceiverID:    out.ReceiverID,
		AttachedFiles: out.AttachedFiles,
	}, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, ids)
	if f.readErr != nil {
		return f.readErr
	}
	for t, msgs := range f.history {
		for i := range msgs {
			if slices.Contains(ids, msgs[i].ID) {
				msgs[i].IsRead = true
			}
		}
		f.history[t] = msgs
	}
	return nil
}

func (f *fakeAPI) readIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ids := range f.read {
		out = append(out, ids...)
	}
	return out
}

func roomMsg(id, room string, sender int64) model.Message {
	return model.Message{ID: id, Content: id, SenderID: sender, RoomID: room}
}

func dmMsg(id string, sender, receiver int64) model.Message {
	return model.Message{ID: id, Content: id, SenderID: sender, ReceiverID: receiver}
}

type fixture struct {
	api   *fakeAPI
	rooms *rooms.Registry
	files *files.Register
	e     *Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	api := newFakeAPI()
	reg := rooms.NewRegistry(me, nil)
	fr := files.NewRegister()
	e := NewEngine(me, api, reg, fr, WithConcurrency(2), WithBackgroundTimeout(time.Second))
	t.Cleanup(e.Close)
	return &fixture{api: api, rooms: reg, files: fr, e: e}
}

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func rescan(msgs []model.Message) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID != me && !m.IsRead {
			n++
		}
	}
	return n
}

func TestSelectConversationLoadsHistory(t *testing.T) {
	f := setup(t)
	r1 := model.RoomTarget("r1")
	f.api.set(r1, roomMsg("m1", "r1", 2), roomMsg("m2", "r1", me), roomMsg("m3", "r1", 3))

	assert.Equal(t, StateIdle, f.e.State())
	require.NoError(t, f.e.SelectConversation(context.Background(), r1))

	assert.Equal(t, StateSynced, f.e.State())
	assert.Equal(t, r1, f.e.Target())
	msgs := f.e.Messages()
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))
	for _, m := range msgs {
		assert.True(t, m.IsRead || m.SenderID == me)
	}
	assert.Zero(t, f.e.UnreadCount("r1"))

	f.e.Close()
	assert.ElementsMatch(t, []string{"m1", "m3"}, f.api.readIDs())
}

func TestSelectDirectPeerRegistersRoom(t *testing.T) {
	f := setup(t)
	peer := model.PeerTarget(9)
	f.api.set(peer, dmMsg("d1", 9, me), dmMsg("d2", me, 9))

	require.NoError(t, f.e.SelectConversation(context.Background(), peer))
	room, ok := f.rooms.Get("dm-1-9")
	require.True(t, ok)
	assert.True(t, room.IsDirectMessage)
	assert.Equal(t, []string{"d1", "d2"}, ids(f.e.Messages()))
}

func TestSelectConversationInvalidTarget(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.e.SelectConversation(ctx, model.Target{})
	assert.ErrorIs(t, err, apperr.ErrNoActiveConversation)

	err = f.e.SelectConversation(ctx, model.Target{RoomID: "r1", PeerID: 2})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	err = f.e.SelectConversation(ctx, model.PeerTarget(me))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, StateIdle, f.e.State())
}

func TestStaleHistoryDiscarded(t *testing.T) {
	f := setup(t)
	a, b := model.RoomTarget("a"), model.RoomTarget("b")
	f.api.set(a, roomMsg("a1", "a", 2), roomMsg("a2", "a", 2))
	f.api.set(b, roomMsg("b1", "b", 3))
	release := f.api.hold(a)

	errA := make(chan error, 1)
	go func() { errA <- f.e.SelectConversation(context.Background(), a) }()
	require.Eventually(t, func() bool {
		return f.e.Target() == a && f.e.State() == StateLoading
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.e.SelectConversation(context.Background(), b))
	release()

	select {
	case err := <-errA:
		assert.ErrorIs(t, err, apperr.ErrStaleResult)
	case <-time.After(time.Second):
		t.Fatal("stale fetch did not complete")
	}
	assert.Equal(t, b, f.e.Target())
	assert.Equal(t, StateSynced, f.e.State())
	assert.Equal(t, []string{"b1"}, ids(f.e.Messages()))
	assert.Nil(t, f.e.LastError())
}

func TestIncomingDuringLoadingMergedAfterHistory(t *testing.T) {
	f := setup(t)
	r1 := model.RoomTarget("r1")
	f.api.set(r1, roomMsg("h1", "r1", 2), roomMsg("h2", "r1", 3))
	release := f.api.hold(r1)

	done := make(chan error, 1)
	go func() { done <- f.e.SelectConversation(context.Background(), r1) }()
	require.Eventually(t, func() bool {
		return f.e.Target() == r1 && f.e.State() == StateLoading
	}, time.Second, 5*time.Millisecond)

	f.e.OnIncomingMessage(roomMsg("l1", "r1", 2))
	f.e.OnIncomingMessage(roomMsg("h2", "r1", 3))
	f.e.OnIncomingMessage(model.Message{Content: "no id", SenderID: 2, RoomID: "r1"})
	assert.Equal(t, []string{"l1", "h2"}, ids(f.e.Messages()))

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("history load did not complete")
	}
	assert.Equal(t, []string{"h1", "h2", "l1"}, ids(f.e.Messages()))
	assert.Zero(t, f.e.UnreadCount("r1"))
}

func TestIncomingWithoutIDDropped(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.e.SelectConversation(context.Background(), model.RoomTarget("r1")))

	f.e.OnIncomingMessage(model.Message{Content: "no id", SenderID: 2, RoomID: "r1"})
	f.e.OnIncomingMessage(model.Message{Content: "no id", SenderID: 2, RoomID: "r2"})
	assert.Empty(t, f.e.Messages())
	assert.Empty(t, f.e.UnreadCounts())
}

func TestSelectFailureAndRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r1 := model.RoomTarget("r1")
	f.api.set(r1, roomMsg("m1", "r1", 2))

	assert.ErrorIs(t, f.e.Retry(ctx), apperr.ErrValidation)

	f.api.fail(r1, apperr.Network("api.ListMessages", errors.New("connection reset")))
	err := f.e.SelectConversation(ctx, r1)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNetwork)
	assert.Equal(t, StateError, f.e.State())
	assert.ErrorIs(t, f.e.LastError(), apperr.ErrNetwork)
	assert.Empty(t, f.e.Messages())

	f.api.fail(r1, nil)
	require.NoError(t, f.e.Retry(ctx))
	assert.Equal(t, StateSynced, f.e.State())
	assert.Equal(t, []string{"m1"}, ids(f.e.Messages()))
	assert.ErrorIs(t, f.e.Retry(ctx), apperr.ErrValidation)
}

func TestSendMessageNoActiveConversation(t *testing.T) {
	f := setup(t)
	_, err := f.e.SendMessage(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, apperr.ErrNoActiveConversation)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Empty(t, f.api.sent)
}

func TestSendEmptyMessage(t *testing.T) {
	f := setup(t)
	r1 := model.RoomTarget("r1")
	f.api.set(r1, roomMsg("m1", "r1", 2))
	require.NoError(t, f.e.SelectConversation(context.Background(), r1))

	_, err := f.e.SendMessage(context.Background(), "", []model.FileRef{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.e.SendMessage(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Equal(t, []string{"m1"}, ids(f.e.Messages()))
	assert.Empty(t, f.api.sent)
}

func TestSendMessageClearsSelection(t *testing.T) {
	f := setup(t)
	peer := model.PeerTarget(2)
	require.NoError(t, f.e.SelectConversation(context.Background(), peer))
	doc := model.FileRef{ID: "f1", OriginalName: "plan.pdf", Size: 10}
	f.files.Toggle(doc)

	msg, err := f.e.SendMessage(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.ReceiverID)
	require.Len(t, f.api.sent, 1)
	assert.Equal(t, []model.FileRef{doc}, f.api.sent[0].AttachedFiles)
	assert.Zero(t, f.files.Len())
	assert.Equal(t, []string{msg.ID}, ids(f.e.Messages()))
	assert.False(t, f.e.Sending())

	// echo from the push channel is not duplicated
	f.e.OnIncomingMessage(msg)
	assert.Len(t, f.e.Messages(), 1)
}

func TestSendMessageFailureKeepsSelection(t *testing.T) {
	f := setup(t)
	r1 := model.RoomTarget("r1")
	require.NoError(t, f.e.SelectConversation(context.Background(), r1))
	f.files.Toggle(model.FileRef{ID: "f1"})
	f.api.sendErr = apperr.Timeout("api.SendMessage", context.DeadlineExceeded)

	_, err := f.e.SendMessage(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Equal(t, 1, f.files.Len())
	assert.Empty(t, f.e.Messages())
}

func TestIncomingMessageForActiveRoom(t *testing.T) {
	f := setup(t)
	r1 := model.RoomTarget("r1")
	f.api.set(r1, roomMsg("m1", "r1", 2))
	require.NoError(t, f.e.SelectConversation(context.Background(), r1))

	f.e.OnIncomingMessage(roomMsg("m2", "r1", 3))
	msgs := f.e.Messages()
	require.Equal(t, []string{"m1", "m2"}, ids(msgs))
	assert.True(t, msgs[1].IsRead)
	assert.Zero(t, f.e.UnreadCount("r1"))

	f.e.OnIncomingMessage(roomMsg("m2", "r1", 3))
	assert.Len(t, f.e.Messages(), 2)

	f.e.OnIncomingMessage(roomMsg("x1", "r2", 3))
	f.e.OnIncomingMessage(dmMsg("d1", 4, me))
	assert.Equal(t, []string{"m1", "m2"}, ids(f.e.Messages()))
	assert.Equal(t, 1, f.e.UnreadCount("r2"))
	assert.Equal(t, 1, f.e.UnreadCount("dm-1-4"))
	_, ok := f.rooms.Get("dm-1-4")
	assert.True(t, ok)

	f.e.Close()
	assert.Contains(t, f.api.readIDs(), "m2")
	assert.NotContains(t, f.api.readIDs(), "x1")
}

func TestIncomingDirectMatchesBothDirections(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.e.SelectConversation(context.Background(), model.PeerTarget(7)))

	f.e.OnIncomingMessage(dmMsg("in", 7, me))
	f.e.OnIncomingMessage(dmMsg("out", me, 7))
	f.e.OnIncomingMessage(dmMsg("other", 8, me))
	assert.Equal(t, []string{"in", "out"}, ids(f.e.Messages()))
	assert.Zero(t, f.e.UnreadCount("dm-1-7"))
	assert.Equal(t, 1, f.e.UnreadCount("dm-1-8"))
}

func TestIncomingInvalidDropped(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.e.SelectConversation(context.Background(), model.RoomTarget("r1")))

	f.e.OnIncomingMessage(model.Message{ID: "bad", SenderID: 2, RoomID: "r1", ReceiverID: 1})
	f.e.OnIncomingMessage(model.Message{ID: "bad2", SenderID: 2})
	assert.Empty(t, f.e.Messages())
	assert.Empty(t, f.e.UnreadCounts())
}

func TestRecomputeMatchesRescan(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.rooms.Upsert(model.ChatRoom{ID: "r1", Members: []int64{1, 2, 3}})
	f.rooms.Upsert(model.ChatRoom{ID: "r2", Members: []int64{1, 2}})
	_, err := f.rooms.ResolveDirectRoom(me, 5)
	require.NoError(t, err)

	history := map[model.Target][]model.Message{
		model.RoomTarget("r1"): {roomMsg("a", "r1", 2), roomMsg("b", "r1", me), roomMsg("c", "r1", 3)},
		model.RoomTarget("r2"): {{ID: "d", SenderID: 2, RoomID: "r2", IsRead: true}, roomMsg("e", "r2", me)},
		model.PeerTarget(5):    {dmMsg("f", 5, me), dmMsg("g", 5, me), dmMsg("h", me, 5)},
	}
	for tg, msgs := range history {
		f.api.set(tg, msgs...)
	}

	require.NoError(t, f.e.RecomputeUnreadCounts(ctx))
	for tg, msgs := range history {
		assert.Equal(t, rescan(msgs), f.e.UnreadCount(tg.ConversationID(me)), tg.String())
	}
	assert.Equal(t, map[string]int{"r1": 2, "dm-1-5": 2}, f.e.UnreadCounts())

	// a failing room keeps its previous cache
	f.api.fail(model.RoomTarget("r1"), apperr.Network("api.ListMessages", errors.New("down")))
	f.api.set(model.PeerTarget(5), dmMsg("f", 5, me))
	err = f.e.RecomputeUnreadCounts(ctx)
	assert.ErrorIs(t, err, apperr.ErrNetwork)
	assert.Equal(t, 2, f.e.UnreadCount("r1"))
	assert.Equal(t, 2, f.e.UnreadCount("dm-1-5"))
}

func TestMarkReadNeverIncreases(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.rooms.Upsert(model.ChatRoom{ID: "r1"})
	f.rooms.Upsert(model.ChatRoom{ID: "r2"})
	f.api.set(model.RoomTarget("r1"), roomMsg("m1", "r1", 2), roomMsg("m3", "r1", 2))
	f.api.set(model.RoomTarget("r2"), roomMsg("m2", "r2", 3), roomMsg("m4", "r2", 3))
	require.NoError(t, f.e.RecomputeUnreadCounts(ctx))
	before := f.e.UnreadCounts()

	// server ignores the call; local state still wins
	f.api.readErr = apperr.Network("api.MarkRead", errors.New("down"))
	f.e.MarkRead(ctx, []string{"m1", "m2"})
	require.NoError(t, f.e.RecomputeUnreadCounts(ctx))

	after := f.e.UnreadCounts()
	for room, n := range before {
		assert.LessOrEqual(t, after[room], n, room)
	}
	assert.Equal(t, 1, after["r1"])
	assert.Equal(t, 1, after["r2"])
	assert.Equal(t, []string{"m1", "m2"}, f.api.readIDs())
	// server never confirmed, local marks stay
	assert.Contains(t, f.e.readLocal, "m1")
	assert.Contains(t, f.e.readLocal, "m2")
}

func TestReadMarksDroppedOnceServerConfirms(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.rooms.Upsert(model.ChatRoom{ID: "r1"})
	f.api.set(model.RoomTarget("r1"), roomMsg("m1", "r1", 2), roomMsg("m2", "r1", 2))
	require.NoError(t, f.e.RecomputeUnreadCounts(ctx))
	require.Equal(t, 2, f.e.UnreadCount("r1"))

	f.e.MarkRead(ctx, []string{"m1"})
	assert.Len(t, f.e.readLocal, 1)

	require.NoError(t, f.e.RecomputeUnreadCounts(ctx))
	assert.Empty(t, f.e.readLocal)
	assert.Equal(t, 1, f.e.UnreadCount("r1"))
}

func TestSubscribe(t *testing.T) {
	f := setup(t)
	var (
		mu  sync.Mutex
		got []Change
	)
	cancel := f.e.Subscribe(func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	require.NoError(t, f.e.SelectConversation(context.Background(), model.RoomTarget("r1")))
	f.e.OnIncomingMessage(roomMsg("x", "r2", 2))
	cancel()
	f.e.OnIncomingMessage(roomMsg("y", "r2", 2))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.True(t, got[0].Has(ChangeState))
	assert.True(t, got[1].Has(ChangeMessages))
	assert.True(t, got[2].Has(ChangeUnread))
	assert.False(t, got[2].Has(ChangeMessages))
}

func TestGroupConsecutiveBySender(t *testing.T) {
	msgs := []model.Message{
		{ID: "m1", SenderID: 1}, {ID: "m2", SenderID: 1}, {ID: "m3", SenderID: 2}, {ID: "m4", SenderID: 1},
	}
	groups := GroupConsecutiveBySender(msgs)
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"m1", "m2"}, ids(groups[0].Messages))
	assert.Equal(t, []string{"m3"}, ids(groups[1].Messages))
	assert.Equal(t, []string{"m4"}, ids(groups[2].Messages))
	assert.Equal(t, int64(2), groups[1].SenderID)

	assert.Empty(t, GroupConsecutiveBySender(nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "unknown", State(42).String())
}
