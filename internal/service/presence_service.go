package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const presenceKeyPrefix = "presence:"

// PresenceService tracks which users hold a live realtime connection. State
// lives in Redis under TTL keys, so a crashed server never leaves ghosts
// online. With no Redis client configured every user reads as offline.
type PresenceService struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewPresenceService builds a PresenceService.
func NewPresenceService(client *redis.Client, ttl time.Duration, logger *zap.Logger) *PresenceService {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceService{client: client, ttl: ttl, logger: logger}
}

// Heartbeat marks the user online for the presence TTL. Connections call
// this on attach and periodically while alive.
func (s *PresenceService) Heartbeat(ctx context.Context, userID string) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Set(ctx, presenceKeyPrefix+userID, 1, s.ttl).Err(); err != nil {
		s.logger.Warn("presence heartbeat failed", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

// Offline removes the user's presence key on clean disconnect.
func (s *PresenceService) Offline(ctx context.Context, userID string) {
	if s.client == nil {
		return
	}
	if err := s.client.Del(ctx, presenceKeyPrefix+userID).Err(); err != nil {
		s.logger.Warn("presence cleanup failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// OnlineSet reports which of the given users are currently online.
func (s *PresenceService) OnlineSet(ctx context.Context, userIDs []string) (map[string]bool, error) {
	online := make(map[string]bool, len(userIDs))
	if s.client == nil || len(userIDs) == 0 {
		return online, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		online[userIDs[i]] = v != nil
	}
	return online, nil
}
