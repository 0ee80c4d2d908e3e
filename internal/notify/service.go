package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sengine/sengine/pkg/logging"
)

// Channel and key layout shared with the realtime API.
const (
	messageNewChannel  = "message:new"
	unreadCountChannel = "unread:count"
	unreadKeyPattern   = "unread:%d:%d" // user, contact
	unreadKeyTTL       = 7 * 24 * time.Hour
)

// Service pushes realtime updates to connected clients through Redis
// pub/sub and keeps per-conversation unread counters warm for fast reads.
type Service struct {
	rdb    redis.UniversalClient
	logger *logging.Logger
}

func NewService(rdb redis.UniversalClient, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{rdb: rdb, logger: logger.Component("notify")}
}

type messageNewEvent struct {
	UserID    int64     `json:"userId"`
	ContactID int64     `json:"contactId"`
	MessageID int64     `json:"messageId"`
	At        time.Time `json:"at"`
}

type unreadCountEvent struct {
	UserID    int64 `json:"userId"`
	ContactID int64 `json:"contactId"`
	Count     int   `json:"count"`
}

// MessageNew announces a freshly persisted inbound message.
func (s *Service) MessageNew(ctx context.Context, userID, contactID, messageID int64) error {
	body, err := json.Marshal(messageNewEvent{
		UserID: userID, ContactID: contactID, MessageID: messageID, At: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal message event: %w", err)
	}
	if err := s.rdb.Publish(ctx, messageNewChannel, body).Err(); err != nil {
		return fmt.Errorf("notify: publish message event: %w", err)
	}
	return nil
}

// UnreadCount publishes the new unread total for a conversation and caches
// it under a bounded key.
func (s *Service) UnreadCount(ctx context.Context, userID, contactID int64, count int) error {
	key := fmt.Sprintf(unreadKeyPattern, userID, contactID)
	if err := s.rdb.Set(ctx, key, count, unreadKeyTTL).Err(); err != nil {
		return fmt.Errorf("notify: cache unread count: %w", err)
	}
	body, err := json.Marshal(unreadCountEvent{UserID: userID, ContactID: contactID, Count: count})
	if err != nil {
		return fmt.Errorf("notify: marshal unread event: %w", err)
	}
	if err := s.rdb.Publish(ctx, unreadCountChannel, body).Err(); err != nil {
		return fmt.Errorf("notify: publish unread event: %w", err)
	}
	return nil
}

// CachedUnreadCount reads the cached unread total; ok is false on a miss.
func (s *Service) CachedUnreadCount(ctx context.Context, userID, contactID int64) (int, bool, error) {
	key := fmt.Sprintf(unreadKeyPattern, userID, contactID)
	count, err := s.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("notify: read unread count: %w", err)
	}
	return count, true, nil
}
