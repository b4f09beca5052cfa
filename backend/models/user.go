// Copyright (C) 2025 quietline <dev@quietline.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// User is one identity known to the relay. Anonymous users have no username
// or password; both kinds authenticate with the opaque token.
type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username,omitempty" db:"username"`
	Token     string    `json:"-" db:"token"`
	Anonymous bool      `json:"anonymous" db:"anonymous"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
