package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// Grafana serves the simple-json datasource protocol on
// /metrics/grafana/search and /metrics/grafana/query.
type Grafana struct {
	ts       redis.TimeSeries
	nodeName string
	logger   *zap.Logger
}

// NewGrafana builds the datasource adapter.
func NewGrafana(ts redis.TimeSeries, nodeName string, logger *zap.Logger) *Grafana {
	return &Grafana{ts: ts, nodeName: nodeName, logger: logger}
}

type grafanaRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type grafanaTarget struct {
	Target string `json:"target"`
	RefID  string `json:"refId"`
}

type grafanaQuery struct {
	Range      grafanaRange    `json:"range"`
	IntervalMs int64           `json:"intervalMs"`
	Targets    []grafanaTarget `json:"targets"`
}

type grafanaSeries struct {
	Target string `json:"target"`
	// Datapoints are [value, timestamp-ms] pairs.
	Datapoints [][2]float64 `json:"datapoints"`
}

// Search lists the queryable metric ids.
func (g *Grafana) Search(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0)
	for _, def := range Definitions() {
		ids = append(ids, def.ID)
	}
	sort.Strings(ids)
	writeJSON(w, ids)
}

// Query reads one or more metrics over a time range, picking the
// downsampling tier whose retention covers the range.
func (g *Grafana) Query(w http.ResponseWriter, r *http.Request) {
	var query grafanaQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		http.Error(w, "invalid query", http.StatusBadRequest)
		return
	}
	fromMs, err := parseGrafanaTime(query.Range.From)
	if err != nil {
		http.Error(w, "invalid range", http.StatusBadRequest)
		return
	}
	toMs, err := parseGrafanaTime(query.Range.To)
	if err != nil {
		http.Error(w, "invalid range", http.StatusBadRequest)
		return
	}

	response := make([]grafanaSeries, 0, len(query.Targets))
	for _, target := range query.Targets {
		def, ok := DefinitionByID(target.Target)
		if !ok {
			response = append(response, grafanaSeries{Target: target.Target, Datapoints: [][2]float64{}})
			continue
		}
		series, err := g.query(r, def, fromMs, toMs, query.IntervalMs)
		if err != nil {
			g.logger.Warn("Grafana query failed",
				zap.String("target", target.Target), zap.Error(err))
			series = []grafanaSeries{{Target: target.Target, Datapoints: [][2]float64{}}}
		}
		response = append(response, series...)
	}
	writeJSON(w, response)
}

func (g *Grafana) query(r *http.Request, def Definition, fromMs, toMs, intervalMs int64) ([]grafanaSeries, error) {
	bucket, bucketMs := pickTier(def, fromMs)
	if intervalMs > bucketMs {
		bucketMs = intervalMs
	}
	filters := []string{
		"metric_id=" + def.ID,
		"node_name=" + g.nodeName,
		"bucket=" + bucket,
	}
	all, err := g.ts.MRange(r.Context(), fromMs, toMs, "AVG", bucketMs, filters)
	if err != nil {
		return nil, err
	}
	if def.PerClient {
		// One response series per client address.
		out := make([]grafanaSeries, 0, len(all))
		for _, s := range all {
			target := def.ID
			if addr := s.Labels["client_addr"]; addr != "" {
				target += ":" + addr
			}
			out = append(out, grafanaSeries{
				Target:     target,
				Datapoints: toDatapoints(def, s.Points),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
		return out, nil
	}
	return []grafanaSeries{{
		Target:     def.ID,
		Datapoints: toDatapoints(def, mergeSeries(def, all)),
	}}, nil
}

// pickTier chooses the series whose retention reaches back to the start of
// the range: the raw series when it still covers it, otherwise the first
// downsampling tier that does.
func pickTier(def Definition, fromMs int64) (string, int64) {
	age := time.Now().UnixMilli() - fromMs
	if age <= def.RetentionMs {
		return "raw", countWindowMs
	}
	for _, rule := range def.Downsampling {
		if age <= rule.RetentionMs {
			return rule.Suffix, rule.BucketMs
		}
	}
	last := def.Downsampling[len(def.Downsampling)-1]
	return last.Suffix, last.BucketMs
}

// mergeSeries folds the per-worker series of one node into one: counts
// sum, averages average.
func mergeSeries(def Definition, all []redis.RangeSeries) []redis.Point {
	sums := make(map[int64]float64)
	counts := make(map[int64]int)
	for _, s := range all {
		for _, p := range s.Points {
			sums[p.TimestampMs] += p.Value
			counts[p.TimestampMs]++
		}
	}
	merged := make([]redis.Point, 0, len(sums))
	for ts, sum := range sums {
		value := sum
		if def.Mode == ModeAverage && counts[ts] > 0 {
			value = sum / float64(counts[ts])
		}
		merged = append(merged, redis.Point{TimestampMs: ts, Value: value})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].TimestampMs < merged[j].TimestampMs })
	return merged
}

// toDatapoints renders points in Grafana order. Count samples hold the sum
// of a 5-second window and are normalized to per-second rates.
func toDatapoints(def Definition, points []redis.Point) [][2]float64 {
	datapoints := make([][2]float64, 0, len(points))
	for _, p := range points {
		value := p.Value
		if def.Mode == ModeCount {
			value /= float64(countWindowMs) / 1000
		}
		datapoints = append(datapoints, [2]float64{value, float64(p.TimestampMs)})
	}
	return datapoints
}

func parseGrafanaTime(value string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339, value)
		if err != nil {
			return 0, err
		}
	}
	return t.UnixMilli(), nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
