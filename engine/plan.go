package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/xwb1989/sqlparser"
	"golang.org/x/sync/errgroup"

	"github.com/metrico/lokiduck/expr"
	"github.com/metrico/lokiduck/model"
)

type selectPlan struct {
	table    string
	output   *output
	filters  []expr.Expr
	classes  model.Classification
	pushed   []expr.Expr
	residual []expr.Expr
	// fetch is limit+offset, nil without LIMIT
	fetch  *int64
	limit  *int64
	offset int64
	scan   ExecutionPlan
}

func (s *Session) plan(ctx context.Context, sel *sqlparser.Select) (*selectPlan, error) {
	switch {
	case sel.Distinct != "":
		return nil, errors.New("DISTINCT is not supported")
	case len(sel.GroupBy) > 0 || sel.Having != nil:
		return nil, errors.New("GROUP BY is not supported")
	}
	name, err := tableName(sel.From)
	if err != nil {
		return nil, err
	}
	provider, err := s.table(name)
	if err != nil {
		return nil, err
	}
	p := &selectPlan{table: name}
	if p.output, err = newOutput(sel.SelectExprs); err != nil {
		return nil, err
	}
	if sel.Where != nil {
		where, err := convert(sel.Where.Expr)
		if err != nil {
			return nil, err
		}
		p.filters = expr.Conjuncts(where)
	}
	direction, err := orderBy(sel.OrderBy)
	if err != nil {
		return nil, err
	}
	if sel.Limit != nil {
		if sel.Limit.Offset != nil {
			if p.offset, err = intLiteral(sel.Limit.Offset, "OFFSET"); err != nil {
				return nil, err
			}
		}
		n, err := intLiteral(sel.Limit.Rowcount, "LIMIT")
		if err != nil {
			return nil, err
		}
		p.limit = model.Int64(n)
		p.fetch = model.Int64(n + p.offset)
	}

	p.classes, err = provider.SupportsFiltersPushdown(p.filters, p.fetch)
	if err != nil {
		return nil, err
	}
	if len(p.classes.Filters) != len(p.filters) {
		return nil, errors.Errorf("table %s classified %d of %d filters", name, len(p.classes.Filters), len(p.filters))
	}
	for i, f := range p.filters {
		switch p.classes.Filters[i] {
		case model.Exact:
			p.pushed = append(p.pushed, f)
		case model.Inexact:
			p.pushed = append(p.pushed, f)
			p.residual = append(p.residual, f)
		default:
			p.residual = append(p.residual, f)
		}
	}
	req := ScanRequest{
		Projection: p.projection(),
		Filters:    p.pushed,
		Direction:  direction,
	}
	// A limit is only handed down when nothing is filtered locally, a
	// remote limit could otherwise cut rows that would survive.
	if p.classes.Limit == model.Exact && len(p.residual) == 0 {
		req.Limit = p.fetch
	}
	if p.scan, err = provider.Scan(ctx, req); err != nil {
		return nil, err
	}
	return p, nil
}

func orderBy(ob sqlparser.OrderBy) (*model.Direction, error) {
	switch len(ob) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, errors.New("only ORDER BY timestamp is supported")
	}
	col, ok := ob[0].Expr.(*sqlparser.ColName)
	if !ok || col.Name.Lowered() != model.ColumnTimestamp {
		return nil, errors.Errorf("only ORDER BY %s is supported, got %s", model.ColumnTimestamp, sqlparser.String(ob[0].Expr))
	}
	d := model.Forward
	if ob[0].Direction == sqlparser.DescScr {
		d = model.Backward
	}
	return &d, nil
}

// projection lists the columns the output and the local filters read.
func (p *selectPlan) projection() []int {
	need := map[int]bool{}
	for _, c := range p.output.columns() {
		need[model.ColumnIndex(c)] = true
	}
	for _, f := range p.residual {
		for _, c := range expr.Columns(f) {
			need[model.ColumnIndex(c)] = true
		}
	}
	projection := []int{}
	for idx := range need {
		if idx >= 0 {
			projection = append(projection, idx)
		}
	}
	slices.Sort(projection)
	return projection
}

// run reads every partition and keeps the rows passing the local filters.
// Partitions are concatenated in index order.
func (s *Session) run(ctx context.Context, p *selectPlan) ([]model.Row, error) {
	f, err := compileFilter(p.residual)
	if err != nil {
		return nil, err
	}
	n := p.scan.Partitions()
	parts := make([][]model.Row, n)
	g, gctx := errgroup.WithContext(ctx)
	if s.parallelism > 0 {
		g.SetLimit(s.parallelism)
	}
	for i := range n {
		g.Go(func() error {
			rows, err := s.collect(gctx, p, f, i)
			parts[i] = rows
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var rows []model.Row
	for _, part := range parts {
		rows = append(rows, part...)
	}
	if p.offset > 0 {
		if p.offset >= int64(len(rows)) {
			return nil, nil
		}
		rows = rows[p.offset:]
	}
	if p.limit != nil && *p.limit < int64(len(rows)) {
		rows = rows[:*p.limit]
	}
	return rows, nil
}

func (s *Session) collect(ctx context.Context, p *selectPlan, f *filter, partition int) ([]model.Row, error) {
	rr, err := s.execute(ctx, p.scan, partition)
	if err != nil {
		return nil, err
	}
	defer rr.Release()
	f = f.clone()
	var out []model.Row
	for rr.Next() {
		rows, err := model.RowsFromRecord(rr.Record())
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			ok, err := f.match(r)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			out = append(out, r)
			// later partitions come after this one, so no partition needs
			// more than fetch rows
			if p.fetch != nil && int64(len(out)) >= *p.fetch {
				return out, nil
			}
		}
	}
	return out, rr.Err()
}

func (p *selectPlan) explain(workers int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Projection: %s\n", strings.Join(p.output.names(), ", "))
	indent := "  "
	if p.limit != nil {
		fmt.Fprintf(&sb, "%sLimit: skip=%d, fetch=%d\n", indent, p.offset, *p.limit)
		indent += "  "
	}
	if len(p.residual) > 0 {
		fmt.Fprintf(&sb, "%sFilter: %s\n", indent, joinExprs(p.residual))
		indent += "  "
	}
	fmt.Fprintf(&sb, "%s%s\n", indent, p.scan)
	if workers > 0 {
		fmt.Fprintf(&sb, "%s  workers=%d\n", indent, workers)
	}
	for i, f := range p.filters {
		fmt.Fprintf(&sb, "pushdown: %s %s\n", f, p.classes.Filters[i])
	}
	if p.limit != nil {
		fmt.Fprintf(&sb, "pushdown: LIMIT %d %s\n", *p.fetch, p.classes.Limit)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func joinExprs(es []expr.Expr) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, " AND ")
}
