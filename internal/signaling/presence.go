package signaling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/peerlink/internal/room"
)

// Presence records which peers are in which room. The relay keeps its own
// live connection table; Presence is the externally visible membership
// (served on /rooms/:room and shared between relay replicas via Redis).
type Presence interface {
	Join(ctx context.Context, code room.Code, id string) error
	Leave(ctx context.Context, code room.Code, id string) error
	Peers(ctx context.Context, code room.Code) ([]string, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// In-process presence
// ──────────────────────────────────────────────────────────────────────────────

// MemoryPresence is the default single-node Presence.
type MemoryPresence struct {
	mu    sync.Mutex
	rooms map[room.Code]map[string]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{rooms: make(map[room.Code]map[string]struct{})}
}

func (p *MemoryPresence) Join(_ context.Context, code room.Code, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	peers, ok := p.rooms[code]
	if !ok {
		peers = make(map[string]struct{})
		p.rooms[code] = peers
	}
	peers[id] = struct{}{}
	return nil
}

func (p *MemoryPresence) Leave(_ context.Context, code room.Code, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	peers := p.rooms[code]
	delete(peers, id)
	if len(peers) == 0 {
		delete(p.rooms, code)
	}
	return nil
}

func (p *MemoryPresence) Peers(_ context.Context, code room.Code) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.rooms[code]))
	for id := range p.rooms[code] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Redis presence
// ──────────────────────────────────────────────────────────────────────────────

// presenceTTL expires room sets left behind by a relay that died without
// cleaning up.
const presenceTTL = 24 * time.Hour

// RedisOptions selects the Redis instance backing RedisPresence.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisPresence stores each room as a set under room:<code>:peers.
type RedisPresence struct {
	client *redis.Client
}

// NewRedisPresence connects and pings the server.
func NewRedisPresence(ctx context.Context, opts RedisOptions) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisPresence{client: client}, nil
}

func peersKey(code room.Code) string {
	return "room:" + string(code) + ":peers"
}

func (p *RedisPresence) Join(ctx context.Context, code room.Code, id string) error {
	key := peersKey(code)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, id)
		pipe.Expire(ctx, key, presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence join %s: %w", code, err)
	}
	return nil
}

func (p *RedisPresence) Leave(ctx context.Context, code room.Code, id string) error {
	if err := p.client.SRem(ctx, peersKey(code), id).Err(); err != nil {
		return fmt.Errorf("presence leave %s: %w", code, err)
	}
	return nil
}

func (p *RedisPresence) Peers(ctx context.Context, code room.Code) ([]string, error) {
	ids, err := p.client.SMembers(ctx, peersKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence peers %s: %w", code, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases the Redis connection pool.
func (p *RedisPresence) Close() error {
	return p.client.Close()
}
