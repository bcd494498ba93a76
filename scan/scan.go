// Package scan executes a translated Loki query as a stream of Arrow record
// batches.
package scan

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-faster/errors"
	"github.com/go-kit/log"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/model"
)

const (
	DefaultPageSize = 1000
	// DefaultLookback is how far back an open start bound reaches.
	DefaultLookback = 30 * 24 * time.Hour
)

// Format is the page encoding requested from Loki.
type Format uint8

const (
	FormatJSON Format = iota
	FormatParquet
)

func (f Format) String() string {
	if f == FormatParquet {
		return "parquet"
	}
	return "json"
}

func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "parquet":
		return FormatParquet, nil
	}
	return FormatJSON, errors.Errorf("unknown response format %q", s)
}

// Fetcher issues query_range calls.
type Fetcher interface {
	QueryRange(ctx context.Context, req client.QueryRequest) (*client.Response, error)
}

type Options struct {
	// Projection selects columns of model.Schema, nil means all.
	Projection []int
	// Partitions splits a bounded, unlimited range into that many time
	// buckets.
	Partitions int
	PageSize   int
	Lookback   time.Duration
	Format     Format

	Now       func() time.Time
	Allocator memory.Allocator
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.Lookback <= 0 {
		o.Lookback = DefaultLookback
	}
	if o.Partitions <= 0 {
		o.Partitions = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Allocator == nil {
		o.Allocator = memory.DefaultAllocator
	}
	return o
}

// Exec is the plan node of a Loki scan. It is immutable and may be executed
// any number of times.
type Exec struct {
	query   model.Query
	opts    Options
	schema  *arrow.Schema
	pinned  int
	fetcher Fetcher
	logger  log.Logger
	metrics *Metrics
}

func New(q model.Query, opts Options, f Fetcher, logger log.Logger, m *Metrics) (*Exec, error) {
	if f == nil {
		return nil, errors.New("scan needs a fetcher")
	}
	if q.Limit != nil && *q.Limit < 0 {
		return nil, errors.Errorf("negative limit %d", *q.Limit)
	}
	opts = opts.withDefaults()
	if opts.Projection != nil {
		opts.Projection = slices.Clone(opts.Projection)
	}
	schema, err := model.ProjectSchema(opts.Projection)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = nopMetrics
	}
	return &Exec{
		query:   q,
		opts:    opts,
		schema:  schema,
		pinned:  -1,
		fetcher: f,
		logger:  logger,
		metrics: m,
	}, nil
}

func (e *Exec) Schema() *arrow.Schema { return e.schema }

func (e *Exec) Query() model.Query { return e.query }

func (e *Exec) Projection() []int { return slices.Clone(e.opts.Projection) }

// Partitions is the number of independent streams the node can produce.
func (e *Exec) Partitions() int {
	if e.pinned >= 0 {
		return 1
	}
	return e.splits()
}

// splits is the bucket count the time range is cut into.
func (e *Exec) splits() int {
	n := e.opts.Partitions
	q := e.query
	if n <= 1 || q.Start == nil || q.End == nil || q.Limit != nil || q.Empty() {
		return 1
	}
	if span := uint64(*q.End) - uint64(*q.Start); span < uint64(n) {
		return int(span)
	}
	return n
}

// Pin returns a node that only executes partition of e, e.g. to ship a
// single partition to a worker.
func (e *Exec) Pin(partition int) (*Exec, error) {
	if partition < 0 || partition >= e.Partitions() {
		return nil, errors.Errorf("partition %d out of range [0, %d)", partition, e.Partitions())
	}
	if e.pinned >= 0 {
		return e, nil
	}
	p := *e
	p.pinned = partition
	return &p, nil
}

// partitionQuery narrows the query to one time bucket. Partition 0 is the
// bucket read first in the query direction, so concatenating partitions in
// index order keeps the overall order.
func (e *Exec) partitionQuery(partition int) model.Query {
	n := e.splits()
	if n == 1 {
		return e.query
	}
	bucket := uint64(partition)
	if e.query.Direction == model.Backward {
		bucket = uint64(n-1) - bucket
	}
	start := *e.query.Start
	span := uint64(*e.query.End) - uint64(start)
	width, rem := span/uint64(n), span%uint64(n)
	bound := func(k uint64) int64 {
		return start + int64(width*k+min(k, rem))
	}
	q := e.query
	q.Start = model.Int64(bound(bucket))
	q.End = model.Int64(bound(bucket + 1))
	return q
}

// Execute starts the stream of the given partition. Nothing is requested
// until the first call to Next.
func (e *Exec) Execute(ctx context.Context, partition int) (*Stream, error) {
	if partition < 0 || partition >= e.Partitions() {
		return nil, errors.Errorf("partition %d out of range [0, %d)", partition, e.Partitions())
	}
	if e.pinned >= 0 {
		partition = e.pinned
	}
	return newStream(ctx, e, e.partitionQuery(partition)), nil
}

func (e *Exec) String() string {
	s := fmt.Sprintf("LokiScanExec: %s, partitions=%d", e.query, e.Partitions())
	if e.opts.Projection != nil {
		names := make([]string, len(e.opts.Projection))
		for i, f := range e.schema.Fields() {
			names[i] = f.Name
		}
		s += fmt.Sprintf(", projection=%v", names)
	}
	if e.pinned >= 0 {
		s += fmt.Sprintf(", pinned=%d", e.pinned)
	}
	return s
}

// Equal reports whether both nodes issue the same requests and produce the
// same schema.
func (e *Exec) Equal(o *Exec) bool {
	return e.query.Equal(o.query) &&
		slices.Equal(e.opts.Projection, o.opts.Projection) &&
		(e.opts.Projection == nil) == (o.opts.Projection == nil) &&
		e.opts.Partitions == o.opts.Partitions &&
		e.opts.PageSize == o.opts.PageSize &&
		e.opts.Lookback == o.opts.Lookback &&
		e.opts.Format == o.opts.Format &&
		e.pinned == o.pinned
}
