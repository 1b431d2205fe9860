package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// TimeSeries issues RedisTimeSeries module commands. The commands go through
// the generic Do interface so tests can substitute a fake without a module
// equipped server.
type TimeSeries interface {
	// EnsureSeries creates the series when missing.
	EnsureSeries(ctx context.Context, key string, retentionMs int64, labels map[string]string) error
	// CreateRule sets up a downsampling rule from srcKey into destKey.
	CreateRule(ctx context.Context, srcKey, destKey, aggregation string, bucketMs int64) error
	// Add appends a sample, creating the series on first use.
	Add(ctx context.Context, key string, timestampMs int64, value float64, opts AddOptions) error
	// Range reads samples, optionally aggregated into buckets.
	Range(ctx context.Context, key string, fromMs, toMs int64, aggregation string, bucketMs int64) ([]Point, error)
	// MRange reads all series matching the label filters, for example
	// "node_name=server1". Worker series merge through it.
	MRange(ctx context.Context, fromMs, toMs int64, aggregation string, bucketMs int64, filters []string) ([]RangeSeries, error)
}

// AddOptions carries the optional arguments of TS.ADD.
type AddOptions struct {
	RetentionMs int64
	OnDuplicate string // SUM, LAST, MAX ...
	Labels      map[string]string
}

// Point is one sample of a time-series.
type Point struct {
	TimestampMs int64
	Value       float64
}

// RangeSeries is one series of a TS.MRANGE reply.
type RangeSeries struct {
	Key    string
	Labels map[string]string
	Points []Point
}

type timeSeries struct {
	rdb *redis.Client
}

// NewTimeSeries returns a TimeSeries backed by the given client.
func NewTimeSeries(rdb *redis.Client) TimeSeries {
	return &timeSeries{rdb: rdb}
}

func (t *timeSeries) EnsureSeries(ctx context.Context, key string, retentionMs int64, labels map[string]string) error {
	args := []interface{}{"TS.CREATE", key, "RETENTION", retentionMs}
	args = appendLabels(args, labels)
	err := t.rdb.Do(ctx, args...).Err()
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

func (t *timeSeries) CreateRule(ctx context.Context, srcKey, destKey, aggregation string, bucketMs int64) error {
	err := t.rdb.Do(ctx, "TS.CREATERULE", srcKey, destKey, "AGGREGATION", aggregation, bucketMs).Err()
	if err != nil && strings.Contains(err.Error(), "already has") {
		return nil
	}
	return err
}

func (t *timeSeries) Add(ctx context.Context, key string, timestampMs int64, value float64, opts AddOptions) error {
	args := []interface{}{"TS.ADD", key, timestampMs, value}
	if opts.RetentionMs > 0 {
		args = append(args, "RETENTION", opts.RetentionMs)
	}
	if opts.OnDuplicate != "" {
		args = append(args, "ON_DUPLICATE", opts.OnDuplicate)
	}
	args = appendLabels(args, opts.Labels)
	return t.rdb.Do(ctx, args...).Err()
}

func (t *timeSeries) Range(ctx context.Context, key string, fromMs, toMs int64, aggregation string, bucketMs int64) ([]Point, error) {
	args := []interface{}{"TS.RANGE", key, fromMs, toMs}
	if aggregation != "" {
		args = append(args, "AGGREGATION", aggregation, bucketMs)
	}
	res, err := t.rdb.Do(ctx, args...).Result()
	if err != nil {
		return nil, err
	}
	return parseRange(res)
}

func (t *timeSeries) MRange(ctx context.Context, fromMs, toMs int64, aggregation string, bucketMs int64, filters []string) ([]RangeSeries, error) {
	args := []interface{}{"TS.MRANGE", fromMs, toMs}
	if aggregation != "" {
		args = append(args, "AGGREGATION", aggregation, bucketMs)
	}
	args = append(args, "WITHLABELS", "FILTER")
	for _, f := range filters {
		args = append(args, f)
	}
	res, err := t.rdb.Do(ctx, args...).Result()
	if err != nil {
		return nil, err
	}
	return parseMRange(res)
}

func appendLabels(args []interface{}, labels map[string]string) []interface{} {
	if len(labels) == 0 {
		return args
	}
	args = append(args, "LABELS")
	for k, v := range labels {
		args = append(args, k, v)
	}
	return args
}

func parseRange(res interface{}) ([]Point, error) {
	rows, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected TS.RANGE reply type %T", res)
	}
	points := make([]Point, 0, len(rows))
	for _, row := range rows {
		pair, ok := row.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("unexpected TS.RANGE row %v", row)
		}
		ts, err := toInt64(pair[0])
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		val, err := toFloat64(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parse value: %w", err)
		}
		points = append(points, Point{TimestampMs: ts, Value: val})
	}
	return points, nil
}

// parseMRange decodes a TS.MRANGE reply: one row per series holding the
// key, the label pairs and the sample rows.
func parseMRange(res interface{}) ([]RangeSeries, error) {
	rows, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected TS.MRANGE reply type %T", res)
	}
	series := make([]RangeSeries, 0, len(rows))
	for _, row := range rows {
		entry, ok := row.([]interface{})
		if !ok || len(entry) != 3 {
			return nil, fmt.Errorf("unexpected TS.MRANGE row %v", row)
		}
		key, ok := entry[0].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected TS.MRANGE key %v", entry[0])
		}
		labels, err := parseLabels(entry[1])
		if err != nil {
			return nil, err
		}
		points, err := parseRange(entry[2])
		if err != nil {
			return nil, err
		}
		series = append(series, RangeSeries{Key: key, Labels: labels, Points: points})
	}
	return series, nil
}

func parseLabels(res interface{}) (map[string]string, error) {
	rows, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected TS.MRANGE labels %v", res)
	}
	labels := make(map[string]string, len(rows))
	for _, row := range rows {
		pair, ok := row.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("unexpected TS.MRANGE label %v", row)
		}
		name, _ := pair[0].(string)
		value, _ := pair[1].(string)
		labels[name] = value
	}
	return labels, nil
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
