// Package session mirrors live WebSocket connections into Redis so that other
// services can see which server holds a connection and which user it belongs
// to. The in-process presence registry stays authoritative for delivery.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all connection hashes.
	SessionPrefix = "session:"

	// UserConnsPrefix is the Redis key prefix for the per-user set of
	// connection IDs.
	UserConnsPrefix = "user_conns:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session represents a connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`     // empty until registerUser
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new, not yet registered connection with a 1h TTL.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          connID,
		"user_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// BindUser records that connID belongs to userID and adds it to the user's
// connection set. Rebinding moves the connection out of the previous user's
// set.
func (s *Store) BindUser(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID

	prev, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: bind %s: %w", connID, err)
	}

	pipe := s.client.TxPipeline()
	if prev != "" && prev != userID {
		pipe.SRem(ctx, UserConnsPrefix+prev, connID)
	}
	pipe.HSet(ctx, key, "id", connID, "server", s.serverName, "user_id", userID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, UserConnsPrefix+userID, connID)
	pipe.Expire(ctx, UserConnsPrefix+userID, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: bind %s: %w", connID, err)
	}
	return nil
}

// UserConnections returns the connection IDs bound to userID across all
// servers.
func (s *Store) UserConnections(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, UserConnsPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: user connections %s: %w", userID, err)
	}
	return ids, nil
}

// RefreshTTL extends the session's TTL and bumps last_active. A bound
// session also extends the user's connection set. Expired sessions are not
// recreated.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	key := SessionPrefix + connID

	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: refresh %s: %w", connID, err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if userID != "" {
		pipe.Expire(ctx, UserConnsPrefix+userID, SessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: refresh %s: %w", connID, err)
	}
	return nil
}

// Sessions returns the live sessions bound to userID across all servers.
// Members of the user's set whose session has expired are pruned.
func (s *Store) Sessions(ctx context.Context, userID string) ([]Session, error) {
	ids, err := s.UserConnections(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(ids))
	var stale []any
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.UserID != userID {
			stale = append(stale, id)
			continue
		}
		out = append(out, *sess)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, UserConnsPrefix+userID, stale...).Err(); err != nil {
			return nil, fmt.Errorf("session: prune %s: %w", userID, err)
		}
	}
	return out, nil
}

// Delete removes a session and its membership in the user's connection set.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID

	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}

	pipe := s.client.TxPipeline()
	if userID != "" {
		pipe.SRem(ctx, UserConnsPrefix+userID, connID)
	}
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
