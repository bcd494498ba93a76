package model

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the order Loki returns entries in.
type Direction uint8

const (
	Backward Direction = iota
	Forward
)

func (d Direction) String() string {
	if d == Forward {
		return "FORWARD"
	}
	return "BACKWARD"
}

// ParseDirection accepts forward/backward in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forward", "asc":
		return Forward, nil
	case "backward", "desc", "":
		return Backward, nil
	}
	return Backward, fmt.Errorf("unknown direction %q", s)
}

// Query describes a single query_range request. Start is inclusive, End is
// exclusive, both in unix nanoseconds. Limit caps the number of entries Loki
// returns in total.
type Query struct {
	LogQL     string
	Start     *int64
	End       *int64
	Limit     *int64
	Direction Direction
}

// Empty reports whether the time range cannot contain any entry.
func (q Query) Empty() bool {
	return q.Start != nil && q.End != nil && *q.Start >= *q.End
}

func (q Query) Equal(o Query) bool {
	return q.LogQL == o.LogQL && q.Direction == o.Direction &&
		equalPtr(q.Start, o.Start) && equalPtr(q.End, o.End) && equalPtr(q.Limit, o.Limit)
}

func (q Query) String() string {
	return fmt.Sprintf("query=%s, start=%s, end=%s, limit=%s, direction=%s",
		q.LogQL, formatInstant(q.Start), formatInstant(q.End), formatInt(q.Limit), q.Direction)
}

func equalPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func formatInstant(v *int64) string {
	if v == nil {
		return "None"
	}
	return time.Unix(0, *v).UTC().Format(time.RFC3339Nano)
}

func formatInt(v *int64) string {
	if v == nil {
		return "None"
	}
	return fmt.Sprint(*v)
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
