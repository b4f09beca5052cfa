// Copyright (C) 2025 quietline <dev@quietline.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/quietline/relay/backend/middleware"
	"github.com/quietline/relay/backend/models"
	"github.com/quietline/relay/backend/registry"
	"github.com/quietline/relay/backend/storage"
)

// fakeUsers maps identity -> token.
type fakeUsers map[string]string

func (u fakeUsers) Authenticate(_ context.Context, userID, token string) (bool, error) {
	return u[userID] == token, nil
}

func (u fakeUsers) Exists(_ context.Context, userID string) (bool, error) {
	_, ok := u[userID]
	return ok, nil
}

func (u fakeUsers) CreateAnonymous(context.Context) (*models.User, error) {
	return &models.User{ID: "anon", Token: "anon-token", Anonymous: true}, nil
}

func (u fakeUsers) CreateUser(_ context.Context, username, _ string) (*models.User, error) {
	return &models.User{ID: "reg", Username: username, Token: "reg-token"}, nil
}

func (u fakeUsers) Login(_ context.Context, username, _ string) (*models.User, error) {
	return &models.User{ID: "reg", Username: username, Token: "rotated"}, nil
}

func (u fakeUsers) ListUsers(context.Context) ([]models.User, error) {
	return []models.User{{ID: "alice"}, {ID: "bob"}}, nil
}

var _ storage.UserStore = fakeUsers{}

// fakeChats records calls and serves one canned chat.
type fakeChats struct {
	chat      *models.Chat
	createErr error
	created   [][]string
	appended  []models.ChatMessage
	userChats map[string][]string
}

func (f *fakeChats) CreateChat(_ context.Context, members []string, _, _, _ int64) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, members)
	return "chat-1", nil
}

func (f *fakeChats) GetChat(_ context.Context, chatID string) (*models.Chat, error) {
	if f.chat == nil || f.chat.ID != chatID {
		return nil, fmt.Errorf("%w: chat %s", storage.ErrNotFound, chatID)
	}
	return f.chat, nil
}

func (f *fakeChats) AddMember(context.Context, string, string, string) error    { return nil }
func (f *fakeChats) RemoveMember(context.Context, string, string, string) error { return nil }

func (f *fakeChats) AppendMessage(_ context.Context, _ string, msg models.ChatMessage) error {
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeChats) ListMessages(context.Context, string) ([]models.ChatMessage, error) {
	return nil, nil
}

func (f *fakeChats) ChatsForUser(_ context.Context, userID string) ([]string, error) {
	return f.userChats[userID], nil
}

func (f *fakeChats) SweepExpired(context.Context) (int, error) { return 0, nil }

var _ storage.ChatStore = (*fakeChats)(nil)

func newTestRouter(users fakeUsers, chats *fakeChats) *mux.Router {
	log := slog.Default()
	reg := registry.New(log)
	chatHandler := NewChatHandler(chats, users, reg, log)

	r := mux.NewRouter()
	r.HandleFunc("/chat/newchat", chatHandler.NewChat).Methods("POST")
	r.HandleFunc("/chat/send_message", chatHandler.SendMessage).Methods("POST")
	r.HandleFunc("/chat/adduser", chatHandler.AddUser).Methods("POST")
	r.HandleFunc("/chat/remuser", chatHandler.RemoveUser).Methods("POST")

	getChat := r.PathPrefix("/chat/getchat").Subrouter()
	getChat.Use(middleware.NewTokenAuth(users, "userid", "token"))
	getChat.HandleFunc("", chatHandler.GetChat).Methods("GET")

	getList := r.PathPrefix("/chat/getChatList").Subrouter()
	getList.Use(middleware.NewTokenAuth(users, "userId", "token"))
	getList.HandleFunc("", chatHandler.GetChatList).Methods("GET")

	userHandler := NewUserHandler(users, log)
	r.HandleFunc("/user/newano", userHandler.NewAnonymous).Methods("POST")
	r.HandleFunc("/user/login", userHandler.Login).Methods("POST")
	return r
}

func postJSON(t *testing.T, r http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestNewChat(t *testing.T) {
	req := require.New(t)
	users := fakeUsers{"alice": "tok-a", "bob": "tok-b"}
	chats := &fakeChats{}
	r := newTestRouter(users, chats)

	w := postJSON(t, r, "/chat/newchat", map[string]interface{}{
		"userList":     []string{"alice", "bob"},
		"ttl":          3600,
		"minTTL":       60,
		"maxTTL":       86400,
		"creatorId":    "alice",
		"creatorToken": "tok-a",
	})
	req.Equal(http.StatusCreated, w.Code)
	body := decode(t, w)
	req.Equal(true, body["success"])
	req.Equal("chat-1", body["id"])
	req.Len(chats.created, 1)
}

func TestNewChatRejectsBadToken(t *testing.T) {
	req := require.New(t)
	users := fakeUsers{"alice": "tok-a"}
	chats := &fakeChats{}
	r := newTestRouter(users, chats)

	w := postJSON(t, r, "/chat/newchat", map[string]interface{}{
		"userList":     []string{"alice", "bob"},
		"creatorId":    "alice",
		"creatorToken": "wrong",
	})
	req.Equal(http.StatusUnauthorized, w.Code)
	req.Equal(false, decode(t, w)["success"])
	req.Empty(chats.created)
}

func TestNewChatMapsMembershipErrors(t *testing.T) {
	req := require.New(t)
	users := fakeUsers{"alice": "tok-a"}
	chats := &fakeChats{createErr: fmt.Errorf("%w: need 2", storage.ErrInvalidMembership)}
	r := newTestRouter(users, chats)

	w := postJSON(t, r, "/chat/newchat", map[string]interface{}{
		"userList":     []string{"alice"},
		"creatorId":    "alice",
		"creatorToken": "tok-a",
	})
	req.Equal(http.StatusBadRequest, w.Code)
}

func TestSendMessagePersists(t *testing.T) {
	req := require.New(t)
	users := fakeUsers{"alice": "tok-a"}
	chats := &fakeChats{chat: &models.Chat{
		ID:       "chat-1",
		Members:  map[string]models.Role{"alice": models.RoleAdmin, "bob": models.RoleMember},
		Settings: models.ChatSettings{AdminID: "alice"},
	}}
	r := newTestRouter(users, chats)

	w := postJSON(t, r, "/chat/send_message", map[string]interface{}{
		"chatID":      "chat-1",
		"senderID":    "alice",
		"senderToken": "tok-a",
		"content":     "ciphertext-here",
		"timestamp":   1000,
		"ttl":         86400,
	})
	req.Equal(http.StatusCreated, w.Code)
	req.Len(chats.appended, 1)
	req.Equal("ciphertext-here", chats.appended[0].Content)
	req.Equal(int64(1000), chats.appended[0].SentAt)
	req.Equal(int64(86400), chats.appended[0].TTLSeconds)
}

func TestGetChatRequiresMembership(t *testing.T) {
	req := require.New(t)
	users := fakeUsers{"alice": "tok-a", "eve": "tok-e"}
	chats := &fakeChats{chat: &models.Chat{
		ID:       "chat-1",
		Members:  map[string]models.Role{"alice": models.RoleAdmin, "bob": models.RoleMember},
		Settings: models.ChatSettings{AdminID: "alice"},
	}}
	r := newTestRouter(users, chats)

	get := func(query string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat/getchat?"+query, nil))
		return w
	}

	// Member sees the chat.
	w := get("chatid=chat-1&userid=alice&token=tok-a")
	req.Equal(http.StatusOK, w.Code)
	req.Equal(true, decode(t, w)["success"])

	// Authenticated non-member does not.
	w = get("chatid=chat-1&userid=eve&token=tok-e")
	req.Equal(http.StatusForbidden, w.Code)

	// Wrong token never reaches the handler.
	w = get("chatid=chat-1&userid=alice&token=wrong")
	req.Equal(http.StatusUnauthorized, w.Code)
}

func TestGetChatList(t *testing.T) {
	req := require.New(t)
	users := fakeUsers{"alice": "tok-a"}
	chats := &fakeChats{userChats: map[string][]string{"alice": {"chat-1", "chat-2"}}}
	r := newTestRouter(users, chats)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chat/getChatList?userId=alice&token=tok-a", nil))
	req.Equal(http.StatusOK, w.Code)
	body := decode(t, w)
	req.Equal(true, body["success"])
	req.Equal([]interface{}{"chat-1", "chat-2"}, body["userData"])
}

func TestNewAnonymousHandsOutToken(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(fakeUsers{}, &fakeChats{})

	w := postJSON(t, r, "/user/newano", map[string]interface{}{})
	req.Equal(http.StatusCreated, w.Code)
	body := decode(t, w)
	req.Equal(true, body["success"])
	req.Equal("anon", body["id"])
	req.Equal("anon-token", body["token"])
}

func TestLoginRotatesToken(t *testing.T) {
	req := require.New(t)
	r := newTestRouter(fakeUsers{}, &fakeChats{})

	w := postJSON(t, r, "/user/login", map[string]interface{}{
		"username": "alice", "password": "hunter2",
	})
	req.Equal(http.StatusOK, w.Code)
	body := decode(t, w)
	req.Equal(true, body["success"])
	req.Equal("rotated", body["token"])
}
