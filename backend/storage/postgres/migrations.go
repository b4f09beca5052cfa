// Copyright (C) 2025 quietline <dev@quietline.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

func (s *Store) Migrate() error {
	migrations := []string{
		// Identity table. Anonymous users carry no username or password;
		// both kinds authenticate with the opaque token.
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(255) PRIMARY KEY,
			username VARCHAR(255) UNIQUE,
			password_hash BYTEA,
			token VARCHAR(255) NOT NULL,
			anonymous BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Login looks registered users up by name.
		`CREATE INDEX IF NOT EXISTS idx_users_username
		ON users(username)
		WHERE anonymous = FALSE`,

		// Note: chats, membership and message logs are stored in Redis
		// hashes (chat:{id}:users / :settings / :messages), not here.
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
