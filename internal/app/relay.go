package app

import (
	"context"
	"fmt"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/util"
)

// RunRelay serves the signaling relay until ctx is cancelled. Presence goes
// to Redis when an address is configured, otherwise it stays in memory.
func RunRelay(ctx context.Context, cfg *config.Config) error {
	opts := signaling.ServerOptions{
		MaxPeers:    cfg.Relay.MaxPeers,
		Development: cfg.Relay.Environment == "development",
	}

	if addr := cfg.Relay.Redis.Addr; addr != "" {
		presence, err := signaling.NewRedisPresence(ctx, signaling.RedisOptions{
			Addr:     addr,
			Password: cfg.Relay.Redis.Password,
			DB:       cfg.Relay.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
		}
		defer presence.Close()
		opts.Presence = presence
		util.LogInfo("Room presence stored in redis at %s", addr)
	}

	util.StartStatsReporter(ctx, cfg.Stats.Interval)
	return signaling.NewServer(opts).Run(ctx, cfg.Relay.Listen)
}
