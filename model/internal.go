package model

// Metadata names a result column and its Arrow type.
type Metadata struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Statistics struct {
	Elapsed  float64 `json:"elapsed"`
	RowsRead int     `json:"rows_read"`
	QueryID  string  `json:"query_id,omitempty"`
}

// OutputJSON is the JSONCompact response body.
type OutputJSON struct {
	Meta       []Metadata `json:"meta"`
	Data       [][]any    `json:"data"`
	Rows       int        `json:"rows"`
	Statistics Statistics `json:"statistics"`
}
