package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)
}

func TestCurrentTimeDefaultsToUTC(t *testing.T) {
	tool := &CurrentTimeTool{now: fixedClock}
	raw, err := tool.Execute(context.Background(), nil)
	require.NoError(t, err)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "2026-03-01T22:30:00Z", resp["time"])
	assert.Equal(t, "Sunday", resp["weekday"])
	assert.Equal(t, "+00:00", resp["utc_offset"])
}

func TestCurrentTimeShiftsAcrossMidnight(t *testing.T) {
	tool := &CurrentTimeTool{now: fixedClock}
	raw, err := tool.Execute(context.Background(), json.RawMessage(`{"utc_offset":"+09:00"}`))
	require.NoError(t, err)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "2026-03-02T07:30:00+09:00", resp["time"])
	assert.Equal(t, "Monday", resp["weekday"])
}

func TestCurrentTimeRejectsBadOffset(t *testing.T) {
	tool := &CurrentTimeTool{now: fixedClock}
	for _, offset := range []string{"9", "+9:00", "*09:00", "+15:00", "+09:60", "+0a:00"} {
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"utc_offset":"`+offset+`"}`))
		assert.Error(t, err, offset)
	}
}

func TestParseUTCOffset(t *testing.T) {
	got, err := parseUTCOffset("-05:30")
	require.NoError(t, err)
	assert.Equal(t, -(5*3600 + 30*60), got)
}
