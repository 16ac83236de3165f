package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"airport-ops-console/shared/config"
)

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{redis: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return errors.New("redis client not initialized")
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, key, b, ttl).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errors.New("redis client not initialized")
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

type resumeToken struct {
	LastEventID string    `json:"last_event_id"`
	SavedAt     time.Time `json:"saved_at"`
}

// ResumeStore keeps the stream's last event id in Redis so a restarted
// console resumes where the previous process stopped.
type ResumeStore struct {
	client *Client
	key    string
	ttl    time.Duration
}

func NewResumeStore(client *Client, key string, ttl time.Duration) *ResumeStore {
	if strings.TrimSpace(key) == "" {
		key = "ops:stream:last_event_id"
	}
	return &ResumeStore{client: client, key: key, ttl: ttl}
}

func (s *ResumeStore) LastEventID(ctx context.Context) (string, error) {
	var tok resumeToken
	found, err := s.client.GetJSON(ctx, s.key, &tok)
	if err != nil || !found {
		return "", err
	}
	return tok.LastEventID, nil
}

func (s *ResumeStore) SaveLastEventID(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return s.client.SetJSON(ctx, s.key, resumeToken{LastEventID: id, SavedAt: time.Now().UTC()}, s.ttl)
}
