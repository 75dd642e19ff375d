package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	toolcore "github.com/harunnryd/kotoba/internal/tool"
)

func init() {
	toolcore.RegisterBuiltin("current_time", func(options toolcore.BuiltinOptions) (toolcore.Tool, error) {
		return &CurrentTimeTool{now: options.Now}, nil
	})
}

// CurrentTimeTool reports the wall clock, optionally shifted to a UTC offset.
type CurrentTimeTool struct {
	now func() time.Time
}

func (t *CurrentTimeTool) Name() string {
	return "current_time"
}

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally at a UTC offset such as +09:00."
}

func (t *CurrentTimeTool) ToolMetadata() toolcore.ToolMetadata {
	return toolcore.ToolMetadata{
		Source:       "builtin",
		Capabilities: []string{"time.query", "clock.now"},
		Risk:         toolcore.RiskLow,
		Timeout:      time.Second,
	}
}

func (t *CurrentTimeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"utc_offset": map[string]interface{}{
				"type":        "string",
				"description": "UTC offset like +07:00 (optional, defaults to +00:00)",
			},
		},
		"additionalProperties": false,
	}
}

func (t *CurrentTimeTool) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var args struct {
		UTCOffset string `json:"utc_offset"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
	}

	offset := strings.TrimSpace(args.UTCOffset)
	if offset == "" {
		offset = "+00:00"
	}
	seconds, err := parseUTCOffset(offset)
	if err != nil {
		return nil, err
	}

	clock := t.now
	if clock == nil {
		clock = time.Now
	}
	now := clock().In(time.FixedZone(offset, seconds))

	return json.Marshal(map[string]string{
		"time":       now.Format(time.RFC3339),
		"weekday":    now.Weekday().String(),
		"utc_offset": offset,
	})
}

func parseUTCOffset(offset string) (int, error) {
	if len(offset) != 6 || offset[3] != ':' {
		return 0, fmt.Errorf("invalid utc_offset format %q", offset)
	}
	if offset[0] != '+' && offset[0] != '-' {
		return 0, fmt.Errorf("invalid utc_offset sign %q", offset)
	}
	for _, i := range []int{1, 2, 4, 5} {
		if offset[i] < '0' || offset[i] > '9' {
			return 0, fmt.Errorf("invalid utc_offset format %q", offset)
		}
	}

	hours := int(offset[1]-'0')*10 + int(offset[2]-'0')
	minutes := int(offset[4]-'0')*10 + int(offset[5]-'0')
	if hours > 14 || minutes > 59 {
		return 0, fmt.Errorf("invalid utc_offset value %q", offset)
	}

	total := hours*3600 + minutes*60
	if offset[0] == '-' {
		total = -total
	}
	return total, nil
}
