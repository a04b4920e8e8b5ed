package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tufibra/evidencia/db"
)

const chatConfigCacheTTL = 5 * time.Minute

// ChatConfigService answers per-chat behavior questions, chiefly whether step
// submissions need a reviewer. Redis is an optional read-through cache; with
// a nil client every read hits Postgres.
type ChatConfigService struct {
	PG    *sql.DB
	Redis *redis.Client
}

func NewChatConfigService(pg *sql.DB, rdb *redis.Client) *ChatConfigService {
	return &ChatConfigService{PG: pg, Redis: rdb}
}

func chatConfigKey(chatID int64) string {
	return fmt.Sprintf("chat_config:%d:approval", chatID)
}

// ApprovalRequired reports whether submissions in a chat go through review.
// Chats without a stored config require approval.
func (s *ChatConfigService) ApprovalRequired(ctx context.Context, chatID int64) bool {
	if s.Redis != nil {
		val, err := s.Redis.Get(ctx, chatConfigKey(chatID)).Result()
		if err == nil {
			return val != "0"
		}
		if err != redis.Nil {
			log.Printf("Redis chat config read failed for chat %d: %v", chatID, err)
		}
	}

	required := true
	err := s.PG.QueryRow(`SELECT approval_required FROM chat_config WHERE chat_id = $1`, chatID).Scan(&required)
	if err != nil && err != sql.ErrNoRows {
		log.Printf("Chat config read failed for chat %d, defaulting to approval: %v", chatID, err)
		return true
	}

	if s.Redis != nil {
		cached := "1"
		if !required {
			cached = "0"
		}
		if err := s.Redis.Set(ctx, chatConfigKey(chatID), cached, chatConfigCacheTTL).Err(); err != nil {
			log.Printf("Redis chat config cache write failed for chat %d: %v", chatID, err)
		}
	}
	return required
}

// SetApprovalRequired toggles the review requirement and invalidates the cache.
func (s *ChatConfigService) SetApprovalRequired(ctx context.Context, chatID int64, required bool) error {
	_, err := s.PG.Exec(`
		INSERT INTO chat_config (chat_id, approval_required, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id)
		DO UPDATE SET approval_required = $2, updated_at = $3
	`, chatID, required, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set chat config for chat %d: %v", chatID, err)
	}

	if s.Redis != nil {
		if err := s.Redis.Del(ctx, chatConfigKey(chatID)).Err(); err != nil {
			log.Printf("Redis chat config invalidation failed for chat %d: %v", chatID, err)
		}
	}
	return nil
}

// GetConfig returns the stored config, defaulting when absent.
func (s *ChatConfigService) GetConfig(chatID int64) (*db.ChatConfig, error) {
	cfg := &db.ChatConfig{ChatID: chatID, ApprovalRequired: true}
	var updatedAt sql.NullTime
	err := s.PG.QueryRow(`
		SELECT approval_required, updated_at FROM chat_config WHERE chat_id = $1
	`, chatID).Scan(&cfg.ApprovalRequired, &updatedAt)
	if err == sql.ErrNoRows {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat config for chat %d: %v", chatID, err)
	}
	if updatedAt.Valid {
		cfg.UpdatedAt = &updatedAt.Time
	}
	return cfg, nil
}
