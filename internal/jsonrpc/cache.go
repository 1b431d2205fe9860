package jsonrpc

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// productMutators are the write methods that stale every cached product
// ordering.
var productMutators = map[string]bool{
	"productOnDepot_create":        true,
	"productOnDepot_delete":        true,
	"productOrdering_markOutdated": true,
}

// ProductCache keeps computed product orderings in Redis sorted sets, one
// pair of zsets per depot and algorithm, guarded by uptodate marker keys.
type ProductCache struct {
	rdb    *goredis.Client
	keys   redis.Keys
	store  *sqlstore.Store
	logger *zap.Logger
}

// NewProductCache builds the ordering cache.
func NewProductCache(rdb *goredis.Client, keys redis.Keys, store *sqlstore.Store, logger *zap.Logger) *ProductCache {
	return &ProductCache{rdb: rdb, keys: keys, store: store, logger: logger}
}

// Load returns the cached ordering of a depot. A hit requires both
// uptodate markers and the absence of the explicit recompute flag in the
// object store.
func (c *ProductCache) Load(ctx context.Context, depot, algorithm string) (*sqlstore.ProductOrdering, bool) {
	exists, err := c.rdb.Exists(ctx,
		c.keys.ProductsUptodate(depot),
		c.keys.ProductsAlgorithmUptodate(depot, algorithm),
	).Result()
	if err != nil || exists != 2 {
		return nil, false
	}
	outdated, err := c.store.ProductOrderingOutdated(ctx, depot)
	if err != nil {
		c.logger.Warn("Outdated flag check failed",
			zap.String("depot", depot), zap.Error(err))
		return nil, false
	}
	if outdated {
		return nil, false
	}

	notSorted, err := c.rdb.ZRange(ctx, c.keys.Products(depot), 0, -1).Result()
	if err != nil {
		return nil, false
	}
	sorted, err := c.rdb.ZRange(ctx, c.keys.ProductsAlgorithm(depot, algorithm), 0, -1).Result()
	if err != nil {
		return nil, false
	}
	return &sqlstore.ProductOrdering{NotSorted: notSorted, Sorted: sorted}, true
}

// Store caches a computed ordering and sets the uptodate markers.
func (c *ProductCache) Store(ctx context.Context, depot, algorithm string, ordering *sqlstore.ProductOrdering) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, c.keys.Products(depot), c.keys.ProductsAlgorithm(depot, algorithm))
	if len(ordering.NotSorted) > 0 {
		members := make([]goredis.Z, len(ordering.NotSorted))
		for i, id := range ordering.NotSorted {
			members[i] = goredis.Z{Score: float64(i), Member: id}
		}
		pipe.ZAdd(ctx, c.keys.Products(depot), members...)
	}
	if len(ordering.Sorted) > 0 {
		members := make([]goredis.Z, len(ordering.Sorted))
		for i, id := range ordering.Sorted {
			members[i] = goredis.Z{Score: float64(i), Member: id}
		}
		pipe.ZAdd(ctx, c.keys.ProductsAlgorithm(depot, algorithm), members...)
	}
	pipe.Set(ctx, c.keys.ProductsUptodate(depot), "1", 0)
	pipe.Set(ctx, c.keys.ProductsAlgorithmUptodate(depot, algorithm), "1", 0)
	pipe.SAdd(ctx, c.keys.ProductCacheDepots(), depot)
	_, err := pipe.Exec(ctx)
	return err
}

// Invalidate drops the uptodate markers of one depot; the zsets stay
// behind as scratch space for the next rebuild.
func (c *ProductCache) Invalidate(ctx context.Context, depot string) error {
	_, err := redis.DeleteByPattern(ctx, c.rdb, c.keys.UptodatePattern(depot))
	return err
}

// InvalidateAll drops the markers of every cached depot.
func (c *ProductCache) InvalidateAll(ctx context.Context) error {
	depots, err := c.rdb.SMembers(ctx, c.keys.ProductCacheDepots()).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return err
	}
	for _, depot := range depots {
		if err := c.Invalidate(ctx, depot); err != nil {
			return err
		}
	}
	return nil
}

// Purge removes every cache key of a depot, markers and zsets alike. Used
// when a depot is deleted.
func (c *ProductCache) Purge(ctx context.Context, depot string) error {
	if _, err := redis.DeleteByPattern(ctx, c.rdb, c.keys.ProductCachePattern(depot)); err != nil {
		return err
	}
	return c.rdb.SRem(ctx, c.keys.ProductCacheDepots(), depot).Err()
}

// Depots lists the depots with cached orderings.
func (c *ProductCache) Depots(ctx context.Context) ([]string, error) {
	return c.rdb.SMembers(ctx, c.keys.ProductCacheDepots()).Result()
}

// invalidateAfter applies the cache consequences of a successful write
// method, detached from the request so slow cache work never delays the
// response.
func (c *ProductCache) invalidateAfter(method string, params interface{}) {
	purge := ""
	switch {
	case productMutators[method]:
	case method == "host_delete":
		// The deleted host may be a depot with a cached ordering.
		purge = firstStringParam(params, "id")
		if purge == "" {
			return
		}
	default:
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		if purge != "" {
			err = c.Purge(ctx, purge)
		} else {
			err = c.InvalidateAll(ctx)
		}
		if err != nil {
			c.logger.Warn("Product cache invalidation failed",
				zap.String("method", method), zap.Error(err))
		}
	}()
}

// firstStringParam extracts a parameter from the raw call params: the
// named key of a keyword call or the first element of a positional call.
func firstStringParam(params interface{}, name string) string {
	switch p := params.(type) {
	case []interface{}:
		if len(p) > 0 {
			if s, ok := p[0].(string); ok {
				return s
			}
		}
	case map[string]interface{}:
		if s, ok := p[name].(string); ok {
			return s
		}
	}
	return ""
}
