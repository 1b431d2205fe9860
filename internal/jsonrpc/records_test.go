package jsonrpc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

func newRecords(t *testing.T, maxLogSize int64) (*Records, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRecords(rdb, redis.NewKeys("opsiconfd"), zap.NewNop(), maxLogSize), rdb
}

func TestRecordsStoreAssignsSequence(t *testing.T) {
	records, _ := newRecords(t, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		records.Store(ctx, CallRecord{
			Method:   fmt.Sprintf("method_%d", i),
			Date:     time.Now().UTC().Format(time.RFC3339),
			Client:   "10.1.1.1",
			Duration: 0.01,
		})
	}

	list, err := records.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "method_2", list[0].Method, "newest first")
	assert.Equal(t, int64(3), list[0].RPCNum)
	assert.Equal(t, int64(1), list[2].RPCNum)
}

func TestRecordsCapped(t *testing.T) {
	records, _ := newRecords(t, 5)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		records.Store(ctx, CallRecord{Method: fmt.Sprintf("m%d", i)})
	}

	list, err := records.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, "m11", list[0].Method)
	assert.Equal(t, "m7", list[4].Method)
	// The global counter keeps running past the cap.
	assert.Equal(t, int64(12), list[0].RPCNum)
}

func TestRecordsListSkipsCorruptEntries(t *testing.T) {
	records, rdb := newRecords(t, 100)
	ctx := context.Background()

	records.Store(ctx, CallRecord{Method: "good"})
	require.NoError(t, rdb.LPush(ctx, "opsiconfd:stats:rpcs", "not-json").Err())

	list, err := records.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].Method)
}

func TestTrackDeprecated(t *testing.T) {
	records, rdb := newRecords(t, 100)
	ctx := context.Background()

	records.TrackDeprecated(ctx, "getDepotIds_list", "opsi-client-agent/4.2")
	records.TrackDeprecated(ctx, "getDepotIds_list", "opsi-client-agent/4.2")
	records.TrackDeprecated(ctx, "getDepotIds_list", "opsiconfd-ui/4.3")
	records.TrackDeprecated(ctx, "getDepotIds_list", "")

	count, err := rdb.Get(ctx, "opsiconfd:stats:rpcs:deprecated:getDepotIds_list:count").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	clients, err := rdb.SMembers(ctx, "opsiconfd:stats:rpcs:deprecated:getDepotIds_list:clients").Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"opsi-client-agent/4.2", "opsiconfd-ui/4.3"}, clients)

	last, err := rdb.Get(ctx, "opsiconfd:stats:rpcs:deprecated:getDepotIds_list:last_call").Result()
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, last)
	assert.NoError(t, err)
}
