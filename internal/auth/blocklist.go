package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// IsBlocked reports whether a client address sits on the blocklist.
func (g *Gate) IsBlocked(ctx context.Context, clientAddr string) (bool, error) {
	n, err := g.rdb.Exists(ctx, g.keys.BlockedClient(clientAddr)).Result()
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return n > 0, nil
}

// RecordAuthFailure counts one failed attempt against the client address and
// blocks the address once the failures inside the sliding window reach the
// limit. Returns whether the address is now blocked.
func (g *Gate) RecordAuthFailure(ctx context.Context, clientAddr string) (bool, error) {
	now := time.Now()
	key := g.keys.FailedAuth(clientAddr)
	// Retention is twice the window so samples at the window edge survive
	// until they stop counting.
	err := g.ts.Add(ctx, key, now.UnixMilli(), 1, redis.AddOptions{
		RetentionMs: 2 * g.opts.AuthFailuresInterval.Milliseconds(),
		OnDuplicate: "SUM",
	})
	if err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}

	from := now.Add(-g.opts.AuthFailuresInterval).UnixMilli()
	points, err := g.ts.Range(ctx, key, from, now.UnixMilli(), "", 0)
	if err != nil {
		return false, fmt.Errorf("read failures: %w", err)
	}
	var failures float64
	for _, p := range points {
		failures += p.Value
	}
	if failures < float64(g.opts.MaxAuthFailures) {
		return false, nil
	}

	blockKey := g.keys.BlockedClient(clientAddr)
	if err := g.rdb.Set(ctx, blockKey, "1", g.opts.ClientBlockTime).Err(); err != nil {
		return false, fmt.Errorf("set block: %w", err)
	}
	g.logger.Warn("Client blocked after repeated authentication failures",
		zap.String("client", clientAddr),
		zap.Float64("failures", failures),
		zap.Duration("block_time", g.opts.ClientBlockTime),
	)
	return true, nil
}

// ClearBlock unblocks one client address and forgets its failure history.
func (g *Gate) ClearBlock(ctx context.Context, clientAddr string) error {
	err := g.rdb.Del(ctx,
		g.keys.BlockedClient(clientAddr),
		g.keys.FailedAuth(clientAddr),
	).Err()
	if err != nil {
		return fmt.Errorf("clear block: %w", err)
	}
	g.logger.Info("Client unblocked", zap.String("client", clientAddr))
	return nil
}

// ClearAllBlocks unblocks every client and wipes all failure histories.
// Returns the number of removed block keys.
func (g *Gate) ClearAllBlocks(ctx context.Context) (int64, error) {
	blocked, err := redis.DeleteByPattern(ctx, g.rdb, g.keys.BlockedClientPattern())
	if err != nil {
		return 0, fmt.Errorf("clear blocks: %w", err)
	}
	if _, err := redis.DeleteByPattern(ctx, g.rdb, g.keys.FailedAuthPattern()); err != nil {
		return blocked, fmt.Errorf("clear failure history: %w", err)
	}
	if blocked > 0 {
		g.logger.Info("All clients unblocked", zap.Int64("count", blocked))
	}
	return blocked, nil
}

// BlockedClients lists the currently blocked client addresses.
func (g *Gate) BlockedClients(ctx context.Context) ([]string, error) {
	keys, err := redis.ScanKeys(ctx, g.rdb, g.keys.BlockedClientPattern())
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	prefix := strings.TrimSuffix(g.keys.BlockedClientPattern(), "*")
	clients := make([]string, 0, len(keys))
	for _, key := range keys {
		clients = append(clients, strings.TrimPrefix(key, prefix))
	}
	return clients, nil
}
