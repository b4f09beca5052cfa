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

// Package registry tracks which identities currently hold a live connection.
// It is the only process-wide mutable state on the message path; one coarse
// RWMutex serializes mutation while sends stay concurrent. Sends never block
// under the lock: WriteMessage is a non-blocking enqueue on the transport.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quietline/relay/backend/models"
)

// Conn is the transport seam. A Conn must serialize its own writes and report
// liveness without blocking.
type Conn interface {
	WriteMessage(msg models.Message) error
	Open() bool
}

type session struct {
	conn     Conn
	lastSeen time.Time
}

// Registry maps identity to its single live connection. A later Bind for the
// same identity supersedes the previous handle; the stale handle is left for
// the transport to garbage-collect on its next write failure.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	log      *slog.Logger
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		log:      log,
	}
}

// Bind associates the identity with conn, superseding any previous binding.
// Idempotent.
func (r *Registry) Bind(identity string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[identity]; ok && prev.conn != conn {
		r.log.Debug("superseding session", "identity", identity)
	}
	r.sessions[identity] = &session{conn: conn, lastSeen: time.Now()}
}

// Unbind removes the identity's binding only if conn is the handle currently
// bound. A stale close callback from a superseded connection must not evict a
// fresher binding.
func (r *Registry) Unbind(identity string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[identity]; ok && cur.conn == conn {
		delete(r.sessions, identity)
	}
}

// Release unbinds whichever identity is currently bound to conn. Called by
// the transport when a connection closes before it ever learned an identity
// name for it; the same-handle guard holds because only exact matches are
// removed.
func (r *Registry) Release(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for identity, s := range r.sessions {
		if s.conn == conn {
			delete(r.sessions, identity)
			return
		}
	}
}

// IsLive reports whether the identity has a bound, open connection.
func (r *Registry) IsLive(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[identity]
	return ok && s.conn.Open()
}

// Send writes msg to the identity's connection. Fire-and-forget: it returns
// false without side effects when the identity is not live, and false when
// the transport write fails. No retry, no queue for offline recipients.
func (r *Registry) Send(identity string, msg models.Message) bool {
	r.mu.RLock()
	s, ok := r.sessions[identity]
	r.mu.RUnlock()

	if !ok || !s.conn.Open() {
		return false
	}
	if err := s.conn.WriteMessage(msg); err != nil {
		r.log.Debug("write failed", "identity", identity, "err", err)
		return false
	}
	return true
}

// Touch refreshes the identity's last-seen time. Called by the router on
// every inbound message from a bound identity.
func (r *Registry) Touch(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[identity]; ok {
		s.lastSeen = time.Now()
	}
}

// LastSeen returns the identity's last activity time, zero if unbound.
func (r *Registry) LastSeen(identity string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[identity]; ok {
		return s.lastSeen
	}
	return time.Time{}
}
