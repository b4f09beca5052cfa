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

// Package transport carries the persistent client connections: one TCP
// connection per client, newline-delimited JSON frames, one goroutine per
// connection. The registry and router only ever see the Conn abstraction.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quietline/relay/backend/models"
	"github.com/quietline/relay/backend/protocol"
	"github.com/quietline/relay/backend/registry"
)

// maxFrameBytes bounds one wire message; ciphertext is base64 so generous.
const maxFrameBytes = 1 << 20

// Server accepts persistent connections and feeds their frames to the router
// in arrival order.
type Server struct {
	router   *protocol.Router
	registry *registry.Registry
	log      *slog.Logger

	listener net.Listener
}

func NewServer(router *protocol.Router, reg *registry.Registry, log *slog.Logger) *Server {
	return &Server{router: router, registry: reg, log: log}
}

// Listen binds the address. Addr reports the bound address afterwards, which
// matters when listening on port 0.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled. Each connection gets its
// own goroutine; closing a connection never cancels store operations already
// in flight for it.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("transport: Serve before Listen")
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, nc)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	c := newConn(nc)
	s.log.Debug("connection opened", "remote", nc.RemoteAddr())

	defer func() {
		c.close()
		s.registry.Release(c)
		s.log.Debug("connection closed", "remote", nc.RemoteAddr())
	}()

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.log.Warn("malformed frame", "remote", nc.RemoteAddr(), "err", err)
			continue
		}
		s.router.Handle(ctx, c, msg)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("read loop ended", "remote", nc.RemoteAddr(), "err", err)
	}
}

// conn adapts one net.Conn to registry.Conn. Writes are serialized; the
// encoder terminates every frame with a newline.
type conn struct {
	mu     sync.Mutex
	nc     net.Conn
	enc    *json.Encoder
	closed atomic.Bool
}

func newConn(nc net.Conn) *conn {
	return &conn{nc: nc, enc: json.NewEncoder(nc)}
}

func (c *conn) WriteMessage(msg models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return net.ErrClosed
	}
	if err := c.enc.Encode(msg); err != nil {
		// A failed write means the peer is gone; mark the handle dead so
		// the registry stops considering it live.
		c.closed.Store(true)
		return err
	}
	return nil
}

func (c *conn) Open() bool {
	return !c.closed.Load()
}

func (c *conn) close() {
	c.closed.Store(true)
	c.nc.Close()
}
