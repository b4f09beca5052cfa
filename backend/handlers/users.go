// Copyright (C) 2025 quietline <dev@quietline.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quietline/relay/backend/models"
	"github.com/quietline/relay/backend/storage"
)

type UserHandler struct {
	users storage.UserStore
	log   *slog.Logger
}

func NewUserHandler(users storage.UserStore, log *slog.Logger) *UserHandler {
	return &UserHandler{users: users, log: log}
}

// GetUsers lists every known identity. Tokens are never serialized.
func (h *UserHandler) GetUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.ListUsers(r.Context())
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"userData": users,
	})
}

// NewAnonymous mints an anonymous identity. The token in the response is the
// only time the server hands it out.
func (h *UserHandler) NewAnonymous(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.CreateAnonymous(r.Context())
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"id":      user.ID,
		"token":   user.Token,
	})
}

// NewUser registers a named identity.
func (h *UserHandler) NewUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		writeStoreError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"id":      user.ID,
		"token":   user.Token,
	})
}

// Login verifies credentials and rotates the identity's token.
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.users.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		// Bad credentials map to 401, not the 403 of the store taxonomy.
		writeFailure(w, http.StatusUnauthorized, "bad credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      user.ID,
		"token":   user.Token,
	})
}
