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

// Package postgres holds the durable identity store. Chats live in Redis;
// only users and their opaque tokens are relational.
package postgres

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/quietline/relay/backend/models"
	"github.com/quietline/relay/backend/storage"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateAnonymous mints an identity with no credentials. Anonymous users
// authenticate with their token alone.
func (s *Store) CreateAnonymous(ctx context.Context) (*models.User, error) {
	user := &models.User{
		ID:        uuid.New().String(),
		Token:     uuid.New().String(),
		Anonymous: true,
		CreatedAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, token, anonymous, created_at)
		VALUES ($1, $2, $3, $4)`,
		user.ID, user.Token, true, user.CreatedAt)
	if err != nil {
		return nil, unavailable("create anonymous user", err)
	}
	return user, nil
}

// CreateUser mints a registered identity with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", storage.ErrUnauthorized)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:        uuid.New().String(),
		Username:  username,
		Token:     uuid.New().String(),
		CreatedAt: time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, token, anonymous, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, username, hash, user.Token, false, user.CreatedAt)
	if err != nil {
		return nil, unavailable("create user", err)
	}
	return user, nil
}

// Login verifies the password and rotates the user's token. Unknown username
// and wrong password are indistinguishable to the caller.
func (s *Store) Login(ctx context.Context, username, password string) (*models.User, error) {
	var (
		user models.User
		hash []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM users
		WHERE username = $1 AND anonymous = false`, username).Scan(
		&user.ID, &user.Username, &hash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: bad credentials", storage.ErrUnauthorized)
	}
	if err != nil {
		return nil, unavailable("login", err)
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return nil, fmt.Errorf("%w: bad credentials", storage.ErrUnauthorized)
	}

	user.Token = uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET token = $1 WHERE id = $2`, user.Token, user.ID)
	if err != nil {
		return nil, unavailable("rotate token", err)
	}
	return &user, nil
}

// Authenticate reports whether token is the current token for the identity.
func (s *Store) Authenticate(ctx context.Context, userID, token string) (bool, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `
		SELECT token FROM users WHERE id = $1`, userID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("authenticate", err)
	}
	return subtle.ConstantTimeCompare([]byte(current), []byte(token)) == 1, nil
}

// Exists reports whether the identity is known.
func (s *Store) Exists(ctx context.Context, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users WHERE id = $1`, userID).Scan(&count)
	if err != nil {
		return false, unavailable("user lookup", err)
	}
	return count > 0, nil
}

// ListUsers returns every known identity without tokens or credentials.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(username, ''), anonymous, created_at FROM users
		ORDER BY created_at`)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.Anonymous, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", storage.ErrStoreUnavailable, op, err)
}
