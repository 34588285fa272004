// Package api: HTTP-клиент REST-бэкенда чата: комнаты, сообщения, статусы и пользователи.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chatsync/internal/apperr"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/google/uuid"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

// TokenSource выдаёт bearer-токен текущей сессии. Пустая строка: сессии нет.
type TokenSource interface {
	Token() string
}

// StaticToken: токен, заданный конфигурацией.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// Client вызывает REST API бэкенда. Каждый запрос ограничен таймаутом.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	timeout    time.Duration
}

type Option func(*Client)

// WithHTTPClient подменяет http.Client (например, клиент httptest-сервера).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout задаёт таймаут одного запроса.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		tokens:     tokens,
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type errorResponse struct {
	Error string `json:"error"`
}

type createRoomRequest struct {
	Name    string  `json:"name"`
	Members []int64 `json:"members"`
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

func (c *Client) ListRooms(ctx context.Context) ([]model.ChatRoom, error) {
	defer logger.DeferLogDuration("api.ListRooms", time.Now())()
	var rooms []model.ChatRoom
	if err := c.do(ctx, "api.ListRooms", http.MethodGet, "/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *Client) CreateRoom(ctx context.Context, name string, members []int64) (model.ChatRoom, error) {
	defer logger.DeferLogDuration("api.CreateRoom", time.Now())()
	var room model.ChatRoom
	err := c.do(ctx, "api.CreateRoom", http.MethodPost, "/rooms", createRoomRequest{Name: name, Members: members}, &room)
	return room, err
}

// ListMessages возвращает историю комнаты или личной переписки в порядке сервера.
func (c *Client) ListMessages(ctx context.Context, t model.Target) ([]model.Message, error) {
	defer logger.DeferLogDuration("api.ListMessages", time.Now())()
	q := url.Values{}
	switch {
	case t.RoomID != "":
		q.Set("room", t.RoomID)
	case t.PeerID != 0:
		q.Set("peer", strconv.FormatInt(t.PeerID, 10))
	default:
		return nil, apperr.NoActiveConversation("api.ListMessages")
	}
	var msgs []model.Message
	if err := c.do(ctx, "api.ListMessages", http.MethodGet, "/messages?"+q.Encode(), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, out model.OutgoingMessage) (model.Message, error) {
	defer logger.DeferLogDuration("api.SendMessage", time.Now())()
	var msg model.Message
	err := c.do(ctx, "api.SendMessage", http.MethodPost, "/messages", out, &msg)
	return msg, err
}

func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	defer logger.DeferLogDuration("api.MarkRead", time.Now())()
	return c.do(ctx, "api.MarkRead", http.MethodPost, "/messages/read", markReadRequest{MessageIDs: ids}, nil)
}

func (c *Client) ListUserStatuses(ctx context.Context) ([]model.UserStatus, error) {
	defer logger.DeferLogDuration("api.ListUserStatuses", time.Now())()
	var st []model.UserStatus
	if err := c.do(ctx, "api.ListUserStatuses", http.MethodGet, "/user-statuses", nil, &st); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *Client) ListUsers(ctx context.Context) ([]model.User, error) {
	defer logger.DeferLogDuration("api.ListUsers", time.Now())()
	var users []model.User
	if err := c.do(ctx, "api.ListUsers", http.MethodGet, "/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	token := ""
	if c.tokens != nil {
		token = c.tokens.Token()
	}
	if token == "" {
		return apperr.NotAuthenticated(op)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Classify(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.NotAuthenticated(op)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.Validation(op, msg)
	}
	return apperr.Network(op, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
}
