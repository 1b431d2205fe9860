package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	res := []interface{}{
		[]interface{}{int64(1000), "1.5"},
		[]interface{}{int64(2000), "2"},
	}
	points, err := parseRange(res)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, Point{TimestampMs: 1000, Value: 1.5}, points[0])
	assert.Equal(t, Point{TimestampMs: 2000, Value: 2}, points[1])
}

func TestParseRangeRejectsMalformed(t *testing.T) {
	_, err := parseRange("nope")
	require.Error(t, err)

	_, err = parseRange([]interface{}{[]interface{}{int64(1)}})
	require.Error(t, err)
}

func TestParseRangeNumericVariants(t *testing.T) {
	// RESP3 servers return doubles directly.
	res := []interface{}{
		[]interface{}{int64(1000), float64(3.25)},
	}
	points, err := parseRange(res)
	require.NoError(t, err)
	assert.Equal(t, 3.25, points[0].Value)
}
