// Package redis is a chat room cache shared between devices of one
// deployment.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatsec/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRoomTTL = 24 * time.Hour

	roomPrefix   = "chatsec:room:"   // chatsec:room:{id} - room json
	targetPrefix = "chatsec:target:" // chatsec:target:{email} - 1:1 room id
)

type Config struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

type RoomCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// Open connects to cfg.Addr and checks the connection.
func Open(ctx context.Context, cfg Config) (*RoomCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewRoomCache(rdb, cfg.TTL), nil
}

func NewRoomCache(rdb *redis.Client, ttl time.Duration) *RoomCache {
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}
	return &RoomCache{rdb: rdb, ttl: ttl}
}

func (c *RoomCache) Close() error { return c.rdb.Close() }

// SaveChatRoom stores room and, for 1:1 rooms, its member index.
func (c *RoomCache) SaveChatRoom(ctx context.Context, room *models.ChatRoom) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, c.ttl)
	if !room.Group {
		for _, m := range room.Members {
			if m.Email == "" {
				continue
			}
			pipe.Set(ctx, targetKey(m.Email), room.ID, c.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store room %d: %w", room.ID, err)
	}
	return nil
}

// ChatRoom returns models.ErrRoomNotFound on a miss.
func (c *RoomCache) ChatRoom(ctx context.Context, roomID int64) (*models.ChatRoom, error) {
	data, err := c.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrRoomNotFound.WithDetails(strconv.FormatInt(roomID, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room %d: %w", roomID, err)
	}
	var room models.ChatRoom
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to decode room %d: %w", roomID, err)
	}
	return &room, nil
}

func (c *RoomCache) ChatRoomByEmail(ctx context.Context, email string) (*models.ChatRoom, error) {
	id, err := c.rdb.Get(ctx, targetKey(email)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrRoomNotFound.WithDetails(email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room for %s: %w", email, err)
	}
	return c.ChatRoom(ctx, id)
}

func roomKey(id int64) string { return roomPrefix + strconv.FormatInt(id, 10) }

func targetKey(email string) string {
	return targetPrefix + strings.ToLower(strings.TrimSpace(email))
}
