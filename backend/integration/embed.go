// Copyright (C) 2025 quietline <dev@quietline.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package integration assembles the relay so it can run standalone from
// cmd/server or be embedded into a larger application that already owns the
// database handles and the HTTP router.
package integration

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/gorilla/mux"
	goredis "github.com/redis/go-redis/v9"

	"github.com/quietline/relay/backend/handlers"
	"github.com/quietline/relay/backend/middleware"
	"github.com/quietline/relay/backend/protocol"
	"github.com/quietline/relay/backend/registry"
	"github.com/quietline/relay/backend/storage/postgres"
	redisstore "github.com/quietline/relay/backend/storage/redis"
	"github.com/quietline/relay/backend/transport"
)

// Config holds the external resources the relay runs against.
type Config struct {
	DB             *sql.DB
	Redis          *goredis.Client
	Log            *slog.Logger
	AllowedOrigins []string
}

// Relay is the assembled core: stores, session registry and protocol router,
// plus the HTTP handlers around them.
type Relay struct {
	Users    *postgres.Store
	Chats    *redisstore.ChatStore
	Registry *registry.Registry
	Router   *protocol.Router

	chatHandler *handlers.ChatHandler
	userHandler *handlers.UserHandler
	cfg         *Config
}

// New wires the relay and runs the identity store migrations.
func New(cfg *Config) (*Relay, error) {
	users := postgres.NewStore(cfg.DB)
	if err := users.Migrate(); err != nil {
		return nil, err
	}

	chats := redisstore.NewChatStore(cfg.Redis, users, cfg.Log)
	reg := registry.New(cfg.Log)
	router := protocol.New(reg, chats, cfg.Log)

	return &Relay{
		Users:       users,
		Chats:       chats,
		Registry:    reg,
		Router:      router,
		chatHandler: handlers.NewChatHandler(chats, users, reg, cfg.Log),
		userHandler: handlers.NewUserHandler(users, cfg.Log),
		cfg:         cfg,
	}, nil
}

// RegisterRoutes mounts the collaborator HTTP surface on an existing router.
func (r *Relay) RegisterRoutes(root *mux.Router) {
	root.Use(middleware.CORS(r.cfg.AllowedOrigins))
	root.Use(middleware.RequestLogger(r.cfg.Log))

	chat := root.PathPrefix("/chat").Subrouter()
	chat.HandleFunc("/newchat", r.chatHandler.NewChat).Methods("POST", "OPTIONS")
	chat.HandleFunc("/send_message", r.chatHandler.SendMessage).Methods("POST", "OPTIONS")
	chat.HandleFunc("/adduser", r.chatHandler.AddUser).Methods("POST", "OPTIONS")
	chat.HandleFunc("/remuser", r.chatHandler.RemoveUser).Methods("POST", "OPTIONS")

	// The GET endpoints carry credentials as query parameters; the auth
	// middleware resolves them before the handler runs.
	getChat := root.PathPrefix("/chat/getchat").Subrouter()
	getChat.Use(middleware.NewTokenAuth(r.Users, "userid", "token"))
	getChat.HandleFunc("", r.chatHandler.GetChat).Methods("GET")

	getList := root.PathPrefix("/chat/getChatList").Subrouter()
	getList.Use(middleware.NewTokenAuth(r.Users, "userId", "token"))
	getList.HandleFunc("", r.chatHandler.GetChatList).Methods("GET")

	user := root.PathPrefix("/user").Subrouter()
	user.HandleFunc("/getUsers", r.userHandler.GetUsers).Methods("GET")
	user.HandleFunc("/newano", r.userHandler.NewAnonymous).Methods("POST", "OPTIONS")
	user.HandleFunc("/newuser", r.userHandler.NewUser).Methods("POST", "OPTIONS")
	user.HandleFunc("/login", r.userHandler.Login).Methods("POST", "OPTIONS")
}

// NewTransport returns the persistent-connection server for this relay.
func (r *Relay) NewTransport() *transport.Server {
	return transport.NewServer(r.Router, r.Registry, r.cfg.Log)
}

// RunSweeper deletes expired messages every interval until ctx is done.
func (r *Relay) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := r.Chats.SweepExpired(ctx)
			if err != nil {
				r.cfg.Log.Warn("sweep failed", "err", err)
				continue
			}
			if removed > 0 {
				r.cfg.Log.Info("swept expired messages", "removed", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}
