// Package engine is a small SQL front end over table providers. It parses
// statements, offers filters to the provider and re-applies locally
// whatever the provider could not guarantee.
package engine

import (
	"context"
	"encoding"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-faster/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/xwb1989/sqlparser"

	"github.com/metrico/lokiduck/expr"
	"github.com/metrico/lokiduck/model"
	"github.com/metrico/lokiduck/scan"
)

// ScanRequest is what the engine hands to a provider after pushdown
// negotiation. Filters only holds filters the provider did not reject.
type ScanRequest struct {
	Projection []int
	Filters    []expr.Expr
	Limit      *int64
	// Direction is nil when the statement has no ORDER BY.
	Direction *model.Direction
}

// TableProvider is a table the engine can scan and insert into.
type TableProvider interface {
	Schema() *arrow.Schema
	SupportsFiltersPushdown(filters []expr.Expr, limit *int64) (model.Classification, error)
	Scan(ctx context.Context, req ScanRequest) (ExecutionPlan, error)
	InsertInto(ctx context.Context, records []arrow.Record) (int64, error)
}

// ExecutionPlan produces record batches for each of its partitions.
// Plans that also implement encoding.BinaryMarshaler can run on workers.
type ExecutionPlan interface {
	Schema() *arrow.Schema
	Partitions() int
	Execute(ctx context.Context, partition int) (array.RecordReader, error)
	String() string
}

// Result is a fully read statement result.
type Result struct {
	Schema  *arrow.Schema
	Records []arrow.Record
	Elapsed time.Duration
}

func (r *Result) NumRows() int64 {
	var n int64
	for _, rec := range r.Records {
		n += rec.NumRows()
	}
	return n
}

func (r *Result) Release() {
	for _, rec := range r.Records {
		rec.Release()
	}
	r.Records = nil
}

type Option func(*Session)

func WithLogger(l log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithAllocator(mem memory.Allocator) Option {
	return func(s *Session) { s.mem = mem }
}

// WithWorkers runs partitions of serializable plans on the given worker
// base URLs, round robin.
func WithWorkers(hc *http.Client, urls ...string) Option {
	return func(s *Session) {
		for _, u := range urls {
			s.workers = append(s.workers, &scan.Remote{URL: u, Client: hc})
		}
	}
}

// WithParallelism bounds how many partitions are read at once.
func WithParallelism(n int) Option {
	return func(s *Session) { s.parallelism = n }
}

type Session struct {
	mu     sync.RWMutex
	tables map[string]TableProvider

	logger      log.Logger
	mem         memory.Allocator
	workers     []*scan.Remote
	parallelism int
	next        atomic.Uint64
}

func NewSession(opts ...Option) *Session {
	s := &Session{
		tables: map[string]TableProvider{},
		logger: log.NewNopLogger(),
		mem:    memory.DefaultAllocator,
	}
	for _, o := range opts {
		o(s)
	}
	for _, w := range s.workers {
		w.Mem = s.mem
	}
	return s
}

// Register makes p available under name. Names are case insensitive.
func (s *Session) Register(name string, p TableProvider) error {
	key := strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[key]; ok {
		return errors.Errorf("table %q already registered", name)
	}
	s.tables[key] = p
	return nil
}

func (s *Session) table(name string) (TableProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.tables[strings.ToLower(name)]
	if !ok {
		return nil, errors.Errorf("table %q not found", name)
	}
	return p, nil
}

// Exec runs a SELECT or INSERT statement. EXPLAIN is answered with a one
// column result holding the plan.
func (s *Session) Exec(ctx context.Context, sql string) (*Result, error) {
	if rest, ok := cutExplain(sql); ok {
		text, err := s.Explain(ctx, rest)
		if err != nil {
			return nil, err
		}
		return s.textResult("plan", text), nil
	}
	stmt, err := parse(sql)
	if err != nil {
		return nil, err
	}
	switch stmt := stmt.(type) {
	case *sqlparser.Select:
		return s.query(ctx, stmt)
	case *sqlparser.Insert:
		return s.insert(ctx, stmt)
	}
	return nil, errors.Errorf("unsupported statement %T", stmt)
}

// Query runs a SELECT statement.
func (s *Session) Query(ctx context.Context, sql string) (*Result, error) {
	stmt, err := parse(sql)
	if err != nil {
		return nil, err
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return nil, errors.Errorf("not a query: %T", stmt)
	}
	return s.query(ctx, sel)
}

// Explain plans a SELECT statement without running it.
func (s *Session) Explain(ctx context.Context, sql string) (string, error) {
	stmt, err := parse(sql)
	if err != nil {
		return "", err
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return "", errors.Errorf("EXPLAIN supports queries only, got %T", stmt)
	}
	p, err := s.plan(ctx, sel)
	if err != nil {
		return "", err
	}
	return p.explain(len(s.workers)), nil
}

func cutExplain(sql string) (string, bool) {
	trimmed := strings.TrimSpace(sql)
	if len(trimmed) < 8 || !strings.EqualFold(trimmed[:7], "explain") {
		return sql, false
	}
	if c := trimmed[7]; c != ' ' && c != '\t' && c != '\n' {
		return sql, false
	}
	return strings.TrimSpace(trimmed[7:]), true
}

func (s *Session) query(ctx context.Context, sel *sqlparser.Select) (*Result, error) {
	start := time.Now()
	p, err := s.plan(ctx, sel)
	if err != nil {
		return nil, err
	}
	level.Debug(s.logger).Log("msg", "planned query", "table", p.table, "plan", p.scan,
		"pushed", len(p.pushed), "residual", len(p.residual))
	rows, err := s.run(ctx, p)
	if err != nil {
		return nil, err
	}
	rec, err := p.output.build(s.mem, rows)
	if err != nil {
		return nil, err
	}
	return &Result{
		Schema:  rec.Schema(),
		Records: []arrow.Record{rec},
		Elapsed: time.Since(start),
	}, nil
}

// execute opens one partition, on a worker when one is configured and the
// plan can be shipped.
func (s *Session) execute(ctx context.Context, plan ExecutionPlan, partition int) (array.RecordReader, error) {
	if m, ok := plan.(encoding.BinaryMarshaler); ok && len(s.workers) > 0 {
		w := s.workers[s.next.Add(1)%uint64(len(s.workers))]
		return w.Execute(ctx, m, partition)
	}
	return plan.Execute(ctx, partition)
}

func (s *Session) textResult(name, text string) *Result {
	b := array.NewStringBuilder(s.mem)
	defer b.Release()
	b.Append(text)
	col := b.NewArray()
	defer col.Release()
	schema := arrow.NewSchema([]arrow.Field{{Name: name, Type: arrow.BinaryTypes.String}}, nil)
	return &Result{Schema: schema, Records: []arrow.Record{array.NewRecord(schema, []arrow.Array{col}, 1)}}
}
