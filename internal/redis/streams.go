package redis

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

// AddToStream appends values to a stream, capping its length approximately
// at maxLen. Returns the generated entry id.
func AddToStream(ctx context.Context, rdb *redis.Client, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	return rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
}

// EnsureGroup creates a consumer group on the stream, creating the stream
// when missing. A group that already exists is not an error.
func EnsureGroup(ctx context.Context, rdb *redis.Client, stream, group, start string) error {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// ScanKeys collects all keys matching pattern. SCAN is used instead of KEYS
// so large keyspaces do not block the server.
func ScanKeys(ctx context.Context, rdb *redis.Client, pattern string) ([]string, error) {
	var keys []string
	iter := rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteByPattern removes every key matching pattern and returns the number
// of deleted keys.
func DeleteByPattern(ctx context.Context, rdb *redis.Client, pattern string) (int64, error) {
	keys, err := ScanKeys(ctx, rdb, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return rdb.Del(ctx, keys...).Result()
}
