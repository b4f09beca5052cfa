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

package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/quietline/relay/backend/integration"
)

type config struct {
	DatabaseURL   string        `env:"DATABASE_URL,default=postgres://localhost/relay?sslmode=disable"`
	RedisAddr     string        `env:"REDIS_URL,default=localhost:6379"`
	HTTPPort      string        `env:"PORT,default=8081"`
	RelayAddr     string        `env:"RELAY_ADDR,default=:8082"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=1m"`
	LogLevel      string        `env:"LOG_LEVEL,default=info"`
	CORSOrigins   string        `env:"CORS_ORIGINS,default=http://localhost:3000"`
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	// Database connection
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Redis connection
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	relay, err := integration.New(&integration.Config{
		DB:             db,
		Redis:          rdb,
		Log:            logger,
		AllowedOrigins: strings.Split(cfg.CORSOrigins, ","),
	})
	if err != nil {
		log.Fatalf("Failed to initialize relay: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistent connection endpoint
	relaySrv := relay.NewTransport()
	if err := relaySrv.Listen(cfg.RelayAddr); err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.RelayAddr, err)
	}
	go func() {
		if err := relaySrv.Serve(ctx); err != nil {
			logger.Error("relay server stopped", "err", err)
		}
	}()

	// Message expiry sweep
	go relay.RunSweeper(ctx, cfg.SweepInterval)

	// HTTP collaborator surface
	r := mux.NewRouter()
	relay.RegisterRoutes(r)

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := db.PingContext(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Database unavailable"))
			return
		}
		if err := rdb.Ping(req.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Redis unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	httpSrv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("relay starting",
		"http_port", cfg.HTTPPort,
		"relay_addr", cfg.RelayAddr,
		"sweep_interval", cfg.SweepInterval,
	)

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
