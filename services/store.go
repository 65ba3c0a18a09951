package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"quizarena/models"

	"github.com/redis/go-redis/v9"
)

// RoomStore is the durable home of room documents, keyed by room code.
// Put is a full replace. All mutation is pre-serialized by the owning
// RoomSession, so the store needs no compare-and-swap.
type RoomStore interface {
	Get(ctx context.Context, code string) (*models.Room, error)
	Put(ctx context.Context, room *models.Room) error
	Delete(ctx context.Context, code string) error
	Exists(ctx context.Context, code string) (bool, error)
}

// Rooms are parked in redis for at most two hours; a finished or abandoned
// room that nobody reads simply ages out.
const roomTTL = 2 * time.Hour

type RedisRoomStore struct {
	client *redis.Client
}

func NewRedisRoomStore(client *redis.Client) *RedisRoomStore {
	return &RedisRoomStore{client: client}
}

func roomKey(code string) string {
	return "room:" + strings.ToUpper(code)
}

func (s *RedisRoomStore) Get(ctx context.Context, code string) (*models.Room, error) {
	data, err := s.client.Get(ctx, roomKey(code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrRoomNotFound
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	var room models.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("corrupt room document %s: %w", code, err)
	}
	return &room, nil
}

func (s *RedisRoomStore) Put(ctx context.Context, room *models.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room %s: %w", room.Code, err)
	}

	if err := s.client.Set(ctx, roomKey(room.Code), data, roomTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RedisRoomStore) Delete(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, roomKey(code)).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RedisRoomStore) Exists(ctx context.Context, code string) (bool, error) {
	n, err := s.client.Exists(ctx, roomKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	return n > 0, nil
}
