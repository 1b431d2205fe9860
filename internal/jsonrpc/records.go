package jsonrpc

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// CallRecord is the stored trace of one dispatched RPC call.
type CallRecord struct {
	RPCNum     int64   `json:"rpc_num"`
	Method     string  `json:"method"`
	NumParams  int     `json:"num_params"`
	NumResults int     `json:"num_results"`
	Date       string  `json:"date"`
	Client     string  `json:"client"`
	Error      bool    `json:"error"`
	Deprecated bool    `json:"deprecated"`
	Duration   float64 `json:"duration"`
}

// Records keeps the rolling RPC call log and the per-method deprecation
// counters in Redis.
type Records struct {
	rdb        *goredis.Client
	keys       redis.Keys
	logger     *zap.Logger
	maxLogSize int64
}

// NewRecords builds the call log, capped to maxLogSize entries.
func NewRecords(rdb *goredis.Client, keys redis.Keys, logger *zap.Logger, maxLogSize int64) *Records {
	if maxLogSize <= 0 {
		maxLogSize = 9999
	}
	return &Records{rdb: rdb, keys: keys, logger: logger, maxLogSize: maxLogSize}
}

// Store appends one call record. Records are best effort; failures are
// logged and never fail the call.
func (r *Records) Store(ctx context.Context, rec CallRecord) {
	num, err := r.rdb.Incr(ctx, r.keys.RPCCount()).Result()
	if err != nil {
		r.logger.Warn("RPC counter failed", zap.Error(err))
		return
	}
	rec.RPCNum = num
	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Warn("RPC record encode failed", zap.Error(err))
		return
	}
	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, r.keys.RPCList(), data)
	pipe.LTrim(ctx, r.keys.RPCList(), 0, r.maxLogSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("RPC record store failed", zap.Error(err))
	}
}

// List returns the stored call records, newest first.
func (r *Records) List(ctx context.Context) ([]CallRecord, error) {
	raw, err := r.rdb.LRange(ctx, r.keys.RPCList(), 0, r.maxLogSize-1).Result()
	if err != nil {
		return nil, err
	}
	records := make([]CallRecord, 0, len(raw))
	for _, entry := range raw {
		var rec CallRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// TrackDeprecated counts a call to a deprecated method: total calls, last
// call date and the distinct client agents still using it.
func (r *Records) TrackDeprecated(ctx context.Context, method, userAgent string) {
	pipe := r.rdb.Pipeline()
	pipe.Incr(ctx, r.keys.DeprecatedCalls(method))
	pipe.Set(ctx, r.keys.DeprecatedLastCall(method), time.Now().UTC().Format(time.RFC3339), 0)
	if userAgent != "" {
		pipe.SAdd(ctx, r.keys.DeprecatedClients(method), userAgent)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("Deprecation tracking failed",
			zap.String("method", method), zap.Error(err))
	}
}
