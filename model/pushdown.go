package model

// PushDown tells the host engine how much of a filter Loki evaluates.
type PushDown uint8

const (
	// Unsupported filters are not sent to Loki at all.
	Unsupported PushDown = iota
	// Inexact filters are sent as a superset and must be re-checked.
	Inexact
	// Exact filters are fully evaluated by Loki.
	Exact
)

func (p PushDown) String() string {
	switch p {
	case Exact:
		return "Exact"
	case Inexact:
		return "Inexact"
	}
	return "Unsupported"
}

// Classification holds one PushDown per candidate filter plus the verdict
// for the row limit.
type Classification struct {
	Filters []PushDown
	Limit   PushDown
}

// AllExact reports whether every filter is Exact.
func (c Classification) AllExact() bool {
	for _, f := range c.Filters {
		if f != Exact {
			return false
		}
	}
	return true
}
