// Copyright (C) 2025 quietline <dev@quietline.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package redis implements the chat store on Redis hashes. Each chat owns
// three hashes: its membership, its TTL settings and its message log keyed
// by send-time millisecond. Message expiry is advisory and enforced by a
// periodic sweep, not on read.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quietline/relay/backend/models"
	"github.com/quietline/relay/backend/storage"
)

const (
	// Redis key layout per chat
	usersSuffix    = ":users"    // chat:{id}:users     hash: identity -> role
	settingsSuffix = ":settings" // chat:{id}:settings  hash: admin + TTL bounds
	messagesSuffix = ":messages" // chat:{id}:messages  hash: sentAt millis -> message JSON

	chatPrefix = "chat:"

	settingsAdminField      = "admin"
	settingsMinTTLField     = "minTTL"
	settingsMaxTTLField     = "maxTTL"
	settingsDefaultTTLField = "defaultTTL"
)

func usersKey(chatID string) string    { return chatPrefix + chatID + usersSuffix }
func settingsKey(chatID string) string { return chatPrefix + chatID + settingsSuffix }
func messagesKey(chatID string) string { return chatPrefix + chatID + messagesSuffix }

// ChatStore is the Redis-backed implementation of storage.ChatStore. Known
// identities are validated against the user store on every membership write.
type ChatStore struct {
	rdb   *redis.Client
	users storage.UserStore
	log   *slog.Logger
}

func NewChatStore(rdb *redis.Client, users storage.UserStore, log *slog.Logger) *ChatStore {
	return &ChatStore{rdb: rdb, users: users, log: log}
}

// CreateChat creates the membership and settings hashes in a single
// transactional pipeline so a half-created chat can never be observed. The
// first member of the list becomes admin.
func (s *ChatStore) CreateChat(ctx context.Context, members []string, ttl, minTTL, maxTTL int64) (string, error) {
	distinct := make(map[string]struct{}, len(members))
	for _, m := range members {
		distinct[m] = struct{}{}
	}
	if len(distinct) < 2 {
		return "", fmt.Errorf("%w: need at least 2 distinct members, got %d", storage.ErrInvalidMembership, len(distinct))
	}

	for _, m := range members {
		known, err := s.users.Exists(ctx, m)
		if err != nil {
			return "", err
		}
		if !known {
			return "", fmt.Errorf("%w: %s", storage.ErrUnknownUser, m)
		}
	}

	if minTTL > maxTTL {
		return "", fmt.Errorf("%w: minTTL %d exceeds maxTTL %d", storage.ErrInvalidMembership, minTTL, maxTTL)
	}
	if ttl <= 0 {
		ttl = maxTTL
	}

	chatID := uuid.New().String()
	adminID := members[0]

	roles := make(map[string]string, len(distinct))
	for m := range distinct {
		roles[m] = string(models.RoleMember)
	}
	roles[adminID] = string(models.RoleAdmin)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, usersKey(chatID), flatten(roles)...)
	pipe.HSet(ctx, settingsKey(chatID),
		settingsAdminField, adminID,
		settingsMinTTLField, strconv.FormatInt(minTTL, 10),
		settingsMaxTTLField, strconv.FormatInt(maxTTL, 10),
		settingsDefaultTTLField, strconv.FormatInt(ttl, 10),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("create chat", err)
	}
	return chatID, nil
}

// GetChat returns the full chat state: members, settings and the message log
// sorted by send time.
func (s *ChatStore) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	roles, err := s.members(ctx, chatID)
	if err != nil {
		return nil, err
	}

	settings, err := s.settings(ctx, chatID)
	if err != nil {
		return nil, err
	}

	messages, err := s.ListMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}

	return &models.Chat{
		ID:       chatID,
		Members:  roles,
		Settings: settings,
		Messages: messages,
	}, nil
}

func (s *ChatStore) AddMember(ctx context.Context, chatID, userID, actingAdminID string) error {
	if err := s.requireAdmin(ctx, chatID, actingAdminID); err != nil {
		return err
	}

	present, err := s.rdb.HExists(ctx, usersKey(chatID), userID).Result()
	if err != nil {
		return unavailable("member lookup", err)
	}
	if present {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyMember, userID)
	}

	known, err := s.users.Exists(ctx, userID)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: %s", storage.ErrUnknownUser, userID)
	}

	if err := s.rdb.HSet(ctx, usersKey(chatID), userID, string(models.RoleMember)).Err(); err != nil {
		return unavailable("add member", err)
	}
	return nil
}

func (s *ChatStore) RemoveMember(ctx context.Context, chatID, userID, actingAdminID string) error {
	if err := s.requireAdmin(ctx, chatID, actingAdminID); err != nil {
		return err
	}

	present, err := s.rdb.HExists(ctx, usersKey(chatID), userID).Result()
	if err != nil {
		return unavailable("member lookup", err)
	}
	if !present {
		return fmt.Errorf("%w: %s", storage.ErrNotMember, userID)
	}

	// A chat always has its admin; the admin leaves by deleting the chat.
	if userID == actingAdminID {
		return fmt.Errorf("%w: admin cannot be removed", storage.ErrInvalidMembership)
	}

	if err := s.rdb.HDel(ctx, usersKey(chatID), userID).Err(); err != nil {
		return unavailable("remove member", err)
	}

	remaining, err := s.rdb.HLen(ctx, usersKey(chatID)).Result()
	if err == nil && remaining == 0 {
		s.rdb.Del(ctx, usersKey(chatID), settingsKey(chatID), messagesKey(chatID))
	}
	return nil
}

// AppendMessage writes one log entry keyed by its SentAt millisecond. A
// second message on the same millisecond overwrites the first; the collision
// is accepted, not corrected. The TTL is clamped into the chat's bounds and
// defaulted when the sender passes 0.
func (s *ChatStore) AppendMessage(ctx context.Context, chatID string, msg models.ChatMessage) error {
	roles, err := s.members(ctx, chatID)
	if err != nil {
		return err
	}
	if _, ok := roles[msg.SenderID]; !ok {
		return fmt.Errorf("%w: %s is not a member of %s", storage.ErrUnauthorized, msg.SenderID, chatID)
	}

	settings, err := s.settings(ctx, chatID)
	if err != nil {
		return err
	}
	msg.TTLSeconds = clampTTL(msg.TTLSeconds, settings)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	field := strconv.FormatInt(msg.SentAt, 10)
	if err := s.rdb.HSet(ctx, messagesKey(chatID), field, data).Err(); err != nil {
		return unavailable("append message", err)
	}
	return nil
}

// ListMessages returns a finite snapshot of the log, sorted by SentAt
// ascending. Entries past their TTL remain visible until the next sweep.
func (s *ChatStore) ListMessages(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	if _, err := s.members(ctx, chatID); err != nil {
		return nil, err
	}

	raw, err := s.rdb.HGetAll(ctx, messagesKey(chatID)).Result()
	if err != nil {
		return nil, unavailable("list messages", err)
	}

	messages := make([]models.ChatMessage, 0, len(raw))
	for field, data := range raw {
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.log.Warn("skipping malformed log entry", "chat", chatID, "field", field)
			continue
		}
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].SentAt < messages[j].SentAt })
	return messages, nil
}

// ChatsForUser scans chat membership hashes for the identity.
func (s *ChatStore) ChatsForUser(ctx context.Context, userID string) ([]string, error) {
	var chatIDs []string
	iter := s.rdb.Scan(ctx, 0, chatPrefix+"*"+usersSuffix, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		member, err := s.rdb.HExists(ctx, key, userID).Result()
		if err != nil {
			return nil, unavailable("membership scan", err)
		}
		if member {
			chatID := key[len(chatPrefix) : len(key)-len(usersSuffix)]
			chatIDs = append(chatIDs, chatID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("membership scan", err)
	}
	sort.Strings(chatIDs)
	return chatIDs, nil
}

// SweepExpired walks every message log and deletes entries whose TTL has
// elapsed. Run periodically as a background job.
func (s *ChatStore) SweepExpired(ctx context.Context) (int, error) {
	removed := 0
	now := time.Now().UnixMilli()

	iter := s.rdb.Scan(ctx, 0, chatPrefix+"*"+messagesSuffix, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		entries, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return removed, unavailable("sweep", err)
		}

		var expired []string
		for field, data := range entries {
			var msg models.ChatMessage
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				// Unparseable entries can never expire; drop them.
				expired = append(expired, field)
				continue
			}
			if msg.SentAt+msg.TTLSeconds*1000 <= now {
				expired = append(expired, field)
			}
		}
		if len(expired) > 0 {
			if err := s.rdb.HDel(ctx, key, expired...).Err(); err != nil {
				return removed, unavailable("sweep", err)
			}
			removed += len(expired)
		}
	}
	if err := iter.Err(); err != nil {
		return removed, unavailable("sweep", err)
	}
	return removed, nil
}

// members returns the chat's role map, ErrNotFound when the chat is absent.
func (s *ChatStore) members(ctx context.Context, chatID string) (map[string]models.Role, error) {
	raw, err := s.rdb.HGetAll(ctx, usersKey(chatID)).Result()
	if err != nil {
		return nil, unavailable("member lookup", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: chat %s", storage.ErrNotFound, chatID)
	}
	roles := make(map[string]models.Role, len(raw))
	for id, role := range raw {
		roles[id] = models.Role(role)
	}
	return roles, nil
}

func (s *ChatStore) settings(ctx context.Context, chatID string) (models.ChatSettings, error) {
	raw, err := s.rdb.HGetAll(ctx, settingsKey(chatID)).Result()
	if err != nil {
		return models.ChatSettings{}, unavailable("settings lookup", err)
	}
	if len(raw) == 0 {
		return models.ChatSettings{}, fmt.Errorf("%w: chat %s settings", storage.ErrNotFound, chatID)
	}
	return models.ChatSettings{
		AdminID:    raw[settingsAdminField],
		MinTTL:     parseInt(raw[settingsMinTTLField]),
		MaxTTL:     parseInt(raw[settingsMaxTTLField]),
		DefaultTTL: parseInt(raw[settingsDefaultTTLField]),
	}, nil
}

func (s *ChatStore) requireAdmin(ctx context.Context, chatID, actingAdminID string) error {
	settings, err := s.settings(ctx, chatID)
	if err != nil {
		return err
	}
	if settings.AdminID != actingAdminID {
		return fmt.Errorf("%w: %s is not the admin of %s", storage.ErrUnauthorized, actingAdminID, chatID)
	}
	return nil
}

func clampTTL(ttl int64, settings models.ChatSettings) int64 {
	if ttl <= 0 {
		ttl = settings.DefaultTTL
	}
	if settings.MinTTL > 0 && ttl < settings.MinTTL {
		ttl = settings.MinTTL
	}
	if settings.MaxTTL > 0 && ttl > settings.MaxTTL {
		ttl = settings.MaxTTL
	}
	return ttl
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func flatten(m map[string]string) []interface{} {
	out := make([]interface{}, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", storage.ErrStoreUnavailable, op, err)
}
