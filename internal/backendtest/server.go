// Package backendtest: in-process fake of the chat backend (REST + push channel) for tests.
package backendtest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type contextKey string

const userIDKey contextKey = "user_id"

func userID(ctx context.Context) int64 {
	v, _ := ctx.Value(userIDKey).(int64)
	return v
}

type errorResponse struct {
	Error string `json:"error"`
}

type fault struct {
	status int
	delay  time.Duration
	gate   chan struct{}
}

// Server is a fake backend bound to an httptest.Server.
type Server struct {
	srv *httptest.Server
	hub *hub

	mu       sync.Mutex
	tokens   map[string]int64
	users    []model.User
	rooms    []model.ChatRoom
	messages []model.Message
	statuses []model.UserStatus
	reads    [][]string
	faults   map[string][]fault
	releases []func()
	// messageEvent is the push event name used for new messages.
	messageEvent string
}

// New starts a fake backend and closes it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		hub:          newHub(),
		tokens:       make(map[string]int64),
		faults:       make(map[string][]fault),
		messageEvent: "message_received",
	}
	s.srv = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLog)
	r.Use(recoverJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(s.faultInjector)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/rooms", s.listRooms)
		r.Post("/rooms", s.createRoom)
		r.Get("/messages", s.listMessages)
		r.Post("/messages", s.sendMessage)
		r.Post("/messages/read", s.markRead)
		r.Get("/user-statuses", s.listStatuses)
		r.Get("/users", s.listUsers)
		r.Get("/ws", s.serveWS)
	})
	return r
}

func (s *Server) Close() {
	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()
	for _, release := range releases {
		release()
	}
	s.hub.closeAll()
	s.srv.Close()
}

// URL is the REST base URL.
func (s *Server) URL() string { return s.srv.URL }

// WSURL is the push channel URL.
func (s *Server) WSURL() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws" }

// AddUser registers a user and the bearer token that authenticates as them.
func (s *Server) AddUser(u model.User, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, u)
	s.tokens[token] = u.ID
}

func (s *Server) AddRoom(r model.ChatRoom) model.ChatRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Members = model.NormalizeMembers(r.Members)
	s.rooms = append(s.rooms, r)
	return r
}

// AddMessage stores a message without pushing it.
func (s *Server) AddMessage(m model.Message) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	s.messages = append(s.messages, m)
	return m
}

func (s *Server) SetStatus(st model.UserStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.statuses {
		if s.statuses[i].UserID == st.UserID {
			s.statuses[i] = st
			return
		}
	}
	s.statuses = append(s.statuses, st)
}

// UseMessageEvent switches the push event name for new messages (e.g. a legacy alias).
func (s *Server) UseMessageEvent(name string) {
	s.mu.Lock()
	s.messageEvent = name
	s.mu.Unlock()
}

// FailNext makes the next request to "METHOD /path" answer with status.
func (s *Server) FailNext(method, path string, status int) {
	s.addFault(method, path, fault{status: status})
}

// DelayNext delays the next request to "METHOD /path".
func (s *Server) DelayNext(method, path string, d time.Duration) {
	s.addFault(method, path, fault{delay: d})
}

// HoldNext blocks the next request to "METHOD /path" until release is called.
func (s *Server) HoldNext(method, path string) (release func()) {
	gate := make(chan struct{})
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	s.mu.Lock()
	s.releases = append(s.releases, release)
	s.mu.Unlock()
	s.addFault(method, path, fault{gate: gate})
	return release
}

func (s *Server) addFault(method, path string, f fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.faults[key] = append(s.faults[key], f)
}

func (s *Server) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// ReadCalls returns the id lists received by POST /messages/read.
func (s *Server) ReadCalls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reads)
}

// Push sends a frame to every push connection of the user.
func (s *Server) Push(userID int64, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.hub.sendToUser(userID, frame{Type: eventType, Payload: raw})
	return nil
}

// Connections is the number of open push connections of the user.
func (s *Server) Connections(userID int64) int { return s.hub.count(userID) }

// Accepted is the total number of push connections accepted so far.
func (s *Server) Accepted() int {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.hub.accepted
}

// Inbound returns the frame types received from clients, in order.
func (s *Server) Inbound() []string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	out := make([]string, 0, len(s.hub.inbound))
	for _, f := range s.hub.inbound {
		out = append(out, f.Type)
	}
	return out
}

// DropConnections closes every push connection server-side.
func (s *Server) DropConnections() { s.hub.closeAll() }

func (s *Server) faultInjector(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		var f *fault
		if q := s.faults[key]; len(q) > 0 {
			f = &q[0]
			s.faults[key] = q[1:]
		}
		s.mu.Unlock()

		if f != nil {
			if f.gate != nil {
				select {
				case <-f.gate:
				case <-r.Context().Done():
					return
				}
			}
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-r.Context().Done():
					return
				}
			}
			if f.status != 0 {
				writeError(w, f.status, "injected failure")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		uid, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
	})
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	me := userID(r.Context())
	s.mu.Lock()
	out := make([]model.ChatRoom, 0, len(s.rooms))
	for _, room := range s.rooms {
		if room.HasMember(me) {
			out = append(out, room)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string  `json:"name"`
		Members []int64 `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, "name required")
		return
	}
	me := userID(r.Context())
	room := model.ChatRoom{
		ID:        uuid.NewString(),
		Name:      req.Name,
		CreatedBy: me,
		CreatedAt: time.Now().UTC(),
		Members:   model.NormalizeMembers(append(req.Members, me)),
	}
	s.mu.Lock()
	s.rooms = append(s.rooms, room)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	me := userID(r.Context())
	roomID := r.URL.Query().Get("room")
	peer, _ := strconv.ParseInt(r.URL.Query().Get("peer"), 10, 64)
	if roomID == "" && peer == 0 {
		writeError(w, http.StatusBadRequest, "room or peer required")
		return
	}
	t := model.Target{RoomID: roomID, PeerID: peer}
	s.mu.Lock()
	out := make([]model.Message, 0)
	for i := range s.messages {
		if t.Matches(&s.messages[i], me) {
			out = append(out, s.messages[i])
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req model.OutgoingMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Blank() {
		writeError(w, http.StatusBadRequest, "content or attachments required")
		return
	}
	me := userID(r.Context())
	m := model.Message{
		ID:            uuid.NewString(),
		Content:       req.Content,
		SenderID:      me,
		Timestamp:     time.Now().UTC(),
		RoomID:        req.RoomID,
		ReceiverID:    req.ReceiverID,
		AttachedFiles: req.AttachedFiles,
	}
	if err := m.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, m)
	recipients := []int64{me}
	if m.ReceiverID != 0 {
		recipients = append(recipients, m.ReceiverID)
	} else {
		for _, room := range s.rooms {
			if room.ID == m.RoomID {
				recipients = append(recipients, room.Members...)
			}
		}
	}
	event := s.messageEvent
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, m)

	raw, _ := json.Marshal(m)
	slices.Sort(recipients)
	for _, uid := range slices.Compact(recipients) {
		s.hub.sendToUser(uid, frame{Type: event, Payload: raw})
	}
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	me := userID(r.Context())
	s.mu.Lock()
	s.reads = append(s.reads, req.MessageIDs)
	for i := range s.messages {
		if s.messages[i].SenderID != me && slices.Contains(req.MessageIDs, s.messages[i].ID) {
			s.messages[i].IsRead = true
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listStatuses(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := slices.Clone(s.statuses)
	s.mu.Unlock()
	if out == nil {
		out = []model.UserStatus{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := slices.Clone(s.users)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{
		hub:    s.hub,
		conn:   conn,
		userID: userID(r.Context()),
		send:   make(chan frame, sendBufSize),
		done:   make(chan struct{}),
	}
	s.hub.register(c)
	go c.writePump()
	go c.readPump()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
