package metrics

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

func grafanaQueryBody(t *testing.T, from, to time.Time, intervalMs int64, targets ...string) *bytes.Reader {
	t.Helper()
	query := map[string]interface{}{
		"range": map[string]string{
			"from": from.UTC().Format(time.RFC3339Nano),
			"to":   to.UTC().Format(time.RFC3339Nano),
		},
		"intervalMs": intervalMs,
	}
	list := make([]map[string]string, 0, len(targets))
	for i, target := range targets {
		list = append(list, map[string]string{"target": target, "refId": string(rune('A' + i))})
	}
	query["targets"] = list
	body, err := json.Marshal(query)
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func runQuery(t *testing.T, g *Grafana, body *bytes.Reader) []grafanaSeries {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/metrics/grafana/query", body)
	rec := httptest.NewRecorder()
	g.Query(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var response []grafanaSeries
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	return response
}

func TestGrafanaSearch(t *testing.T) {
	g := NewGrafana(newFakeTimeSeries(), "node1", zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/metrics/grafana/search", nil)
	rec := httptest.NewRecorder()
	g.Search(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var ids []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.Len(t, ids, len(Definitions()))
	assert.True(t, sort.StringsAreSorted(ids))
	assert.Contains(t, ids, MetricRPCNumber)
	assert.Contains(t, ids, MetricClientRequestNumber)
}

func TestGrafanaQueryMergesWorkerSeries(t *testing.T) {
	fake := newFakeTimeSeries()
	fake.mrangeReply = []redis.RangeSeries{
		{
			Key:    "opsiconfd:stats:worker:num_rpcs:node1:1",
			Labels: map[string]string{"worker_num": "1"},
			Points: []redis.Point{{TimestampMs: 1000, Value: 10}, {TimestampMs: 6000, Value: 5}},
		},
		{
			Key:    "opsiconfd:stats:worker:num_rpcs:node1:2",
			Labels: map[string]string{"worker_num": "2"},
			Points: []redis.Point{{TimestampMs: 1000, Value: 20}},
		},
	}
	g := NewGrafana(fake, "node1", zap.NewNop())

	now := time.Now()
	response := runQuery(t, g, grafanaQueryBody(t, now.Add(-10*time.Minute), now, 0, MetricRPCNumber))

	require.Len(t, response, 1)
	assert.Equal(t, MetricRPCNumber, response[0].Target)
	// Workers sum per timestamp, count windows normalize to per-second rates.
	require.Len(t, response[0].Datapoints, 2)
	assert.Equal(t, [2]float64{6, 1000}, response[0].Datapoints[0])
	assert.Equal(t, [2]float64{1, 6000}, response[0].Datapoints[1])

	require.Len(t, fake.mrangeCalls, 1)
	call := fake.mrangeCalls[0]
	assert.Equal(t, int64(countWindowMs), call.bucketMs)
	assert.Equal(t, "AVG", call.aggregation)
	assert.Equal(t, []string{
		"metric_id=" + MetricRPCNumber,
		"node_name=node1",
		"bucket=raw",
	}, call.filters)
}

func TestGrafanaQueryAveragesAcrossWorkers(t *testing.T) {
	fake := newFakeTimeSeries()
	fake.mrangeReply = []redis.RangeSeries{
		{Labels: map[string]string{"worker_num": "1"}, Points: []redis.Point{{TimestampMs: 1000, Value: 0.2}}},
		{Labels: map[string]string{"worker_num": "2"}, Points: []redis.Point{{TimestampMs: 1000, Value: 0.4}}},
	}
	g := NewGrafana(fake, "node1", zap.NewNop())

	now := time.Now()
	response := runQuery(t, g, grafanaQueryBody(t, now.Add(-10*time.Minute), now, 0, MetricRPCDuration))

	require.Len(t, response, 1)
	require.Len(t, response[0].Datapoints, 1)
	assert.InDelta(t, 0.3, response[0].Datapoints[0][0], 1e-9)
	assert.Equal(t, float64(1000), response[0].Datapoints[0][1])
}

func TestGrafanaQueryPerClientSeries(t *testing.T) {
	fake := newFakeTimeSeries()
	fake.mrangeReply = []redis.RangeSeries{
		{Labels: map[string]string{"client_addr": "10.1.1.3"}, Points: []redis.Point{{TimestampMs: 1000, Value: 5}}},
		{Labels: map[string]string{"client_addr": "10.1.1.2"}, Points: []redis.Point{{TimestampMs: 1000, Value: 10}}},
	}
	g := NewGrafana(fake, "node1", zap.NewNop())

	now := time.Now()
	response := runQuery(t, g, grafanaQueryBody(t, now.Add(-10*time.Minute), now, 0, MetricClientRequestNumber))

	require.Len(t, response, 2)
	assert.Equal(t, MetricClientRequestNumber+":10.1.1.2", response[0].Target)
	assert.Equal(t, MetricClientRequestNumber+":10.1.1.3", response[1].Target)
	assert.Equal(t, [2]float64{2, 1000}, response[0].Datapoints[0])
	assert.Equal(t, [2]float64{1, 1000}, response[1].Datapoints[0])
}

func TestGrafanaTierSelection(t *testing.T) {
	def, ok := DefinitionByID(MetricRPCNumber)
	require.True(t, ok)

	now := time.Now()

	tier, bucketMs := pickTier(def, now.Add(-time.Hour).UnixMilli())
	assert.Equal(t, "raw", tier)
	assert.Equal(t, int64(countWindowMs), bucketMs)

	tier, bucketMs = pickTier(def, now.Add(-3*time.Hour).UnixMilli())
	assert.Equal(t, "minute", tier)
	assert.Equal(t, int64(60*1000), bucketMs)

	tier, bucketMs = pickTier(def, now.Add(-30*24*time.Hour).UnixMilli())
	assert.Equal(t, "hour", tier)
	assert.Equal(t, int64(3600*1000), bucketMs)

	tier, bucketMs = pickTier(def, now.Add(-100*24*time.Hour).UnixMilli())
	assert.Equal(t, "day", tier)
	assert.Equal(t, int64(24*3600*1000), bucketMs)

	// Ranges older than every retention fall back to the coarsest tier.
	tier, _ = pickTier(def, now.Add(-5*365*24*time.Hour).UnixMilli())
	assert.Equal(t, "day", tier)
}

func TestGrafanaQueryIntervalWidensBucket(t *testing.T) {
	fake := newFakeTimeSeries()
	g := NewGrafana(fake, "node1", zap.NewNop())

	now := time.Now()
	runQuery(t, g, grafanaQueryBody(t, now.Add(-10*time.Minute), now, 60000, MetricRPCNumber))

	require.Len(t, fake.mrangeCalls, 1)
	assert.Equal(t, int64(60000), fake.mrangeCalls[0].bucketMs)
}

func TestGrafanaQueryUnknownTarget(t *testing.T) {
	fake := newFakeTimeSeries()
	g := NewGrafana(fake, "node1", zap.NewNop())

	now := time.Now()
	response := runQuery(t, g, grafanaQueryBody(t, now.Add(-10*time.Minute), now, 0, "worker:num_bogus"))

	require.Len(t, response, 1)
	assert.Equal(t, "worker:num_bogus", response[0].Target)
	assert.Empty(t, response[0].Datapoints)
	assert.Empty(t, fake.mrangeCalls)
}

func TestGrafanaQueryInvalidRange(t *testing.T) {
	g := NewGrafana(newFakeTimeSeries(), "node1", zap.NewNop())

	body := []byte(`{"range": {"from": "yesterday", "to": "now"}, "targets": [{"target": "worker:num_rpcs"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/metrics/grafana/query", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	g.Query(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGrafanaQueryRangeFailureYieldsEmptySeries(t *testing.T) {
	fake := newFakeTimeSeries()
	fake.mrangeErr = errors.New("connection refused")
	g := NewGrafana(fake, "node1", zap.NewNop())

	now := time.Now()
	response := runQuery(t, g, grafanaQueryBody(t, now.Add(-10*time.Minute), now, 0, MetricRPCNumber))

	require.Len(t, response, 1)
	assert.Equal(t, MetricRPCNumber, response[0].Target)
	assert.Empty(t, response[0].Datapoints)
}
