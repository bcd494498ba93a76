package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp converts a literal into unix nanoseconds. Integers are
// taken as nanoseconds, strings are parsed as UTC date-times.
func ParseTimestamp(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case time.Time:
		return t.UnixNano(), nil
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UnixNano(), nil
			}
		}
		return 0, fmt.Errorf("invalid timestamp %q", t)
	}
	return 0, fmt.Errorf("invalid timestamp literal of type %T", v)
}
