package scan

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-faster/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/model"
)

var errNoProgress = errors.New("full page without new entries")

// Stream pulls one partition page by page. It implements
// array.RecordReader; each record holds the new rows of one page. Releasing
// the last reference cancels any request in flight.
type Stream struct {
	refs   atomic.Int64
	ctx    context.Context
	cancel context.CancelFunc

	exec   *Exec
	query  model.Query
	logger log.Logger

	// current window, start inclusive and end exclusive
	start int64
	end   int64
	// remaining rows allowed by the limit, -1 without limit
	remaining int64

	boundaryTS int64
	boundary   map[string]struct{}

	page    int
	yielded int64
	rec     arrow.Record
	err     error
	done    bool
}

func newStream(ctx context.Context, e *Exec, q model.Query) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	s := &Stream{
		ctx:       ctx,
		cancel:    cancel,
		exec:      e,
		query:     q,
		logger:    log.With(e.logger, "query_id", id),
		remaining: -1,
	}
	s.refs.Store(1)

	now := e.opts.Now().UnixNano()
	s.end = now
	if q.End != nil {
		s.end = *q.End
	}
	s.start = s.end - int64(e.opts.Lookback)
	if q.Start != nil {
		s.start = *q.Start
	}
	if q.Limit != nil {
		s.remaining = *q.Limit
	}
	if s.start >= s.end || s.remaining == 0 {
		s.done = true
	}
	return s
}

func (s *Stream) Retain() { s.refs.Add(1) }

func (s *Stream) Release() {
	if s.refs.Add(-1) == 0 {
		s.cancel()
		if s.rec != nil {
			s.rec.Release()
			s.rec = nil
		}
		s.done = true
	}
}

func (s *Stream) Schema() *arrow.Schema { return s.exec.schema }

// Record returns the current batch. It is valid until the next call to Next.
func (s *Stream) Record() arrow.Record { return s.rec }

func (s *Stream) Err() error { return s.err }

// Next fetches pages until one yields new rows or the sequence ends.
func (s *Stream) Next() bool {
	if s.rec != nil {
		s.rec.Release()
		s.rec = nil
	}
	for !s.done {
		rows, err := s.nextPage()
		if err != nil {
			s.err = err
			s.done = true
			s.exec.metrics.errors.Inc()
			level.Warn(s.logger).Log("msg", "scan failed", "page", s.page, "rows", s.yielded, "err", err)
			return false
		}
		if len(rows) == 0 {
			continue
		}
		rec, err := model.BuildRecord(s.exec.opts.Allocator, rows, s.exec.opts.Projection)
		if err != nil {
			s.err = err
			s.done = true
			return false
		}
		s.rec = rec
		return true
	}
	return false
}

func (s *Stream) nextPage() ([]model.Row, error) {
	pageSize := int64(s.exec.opts.PageSize)
	if s.remaining >= 0 && s.remaining < pageSize {
		pageSize = s.remaining
	}
	// rows already yielded at the boundary come back first, make room for them
	limit := pageSize + int64(len(s.boundary))

	started := time.Now()
	resp, err := s.exec.fetcher.QueryRange(s.ctx, client.QueryRequest{
		Query:     s.query.LogQL,
		Start:     s.start,
		End:       s.end,
		Limit:     limit,
		Direction: s.query.Direction,
		Accept:    s.accept(),
	})
	if err != nil {
		return nil, &model.ExecutionError{Query: s.query.LogQL, Page: s.page, RowsYielded: s.yielded, Err: err}
	}
	rows, err := decodePage(resp, s.exec.opts.Allocator)
	if err != nil {
		return nil, &model.DecodeError{Page: s.page, Err: err}
	}
	sortRows(rows, s.query.Direction)
	full := int64(len(rows)) >= limit

	fresh := rows[:0:0]
	for _, r := range rows {
		if r.Timestamp == s.boundaryTS && s.boundary != nil {
			if _, seen := s.boundary[rowKey(r)]; seen {
				continue
			}
		}
		fresh = append(fresh, r)
	}
	if len(rows) > 0 {
		s.advance(rows)
	}
	if !full {
		s.done = true
	} else if len(fresh) == 0 {
		return nil, &model.ExecutionError{Query: s.query.LogQL, Page: s.page, RowsYielded: s.yielded, Err: errNoProgress}
	}
	if s.remaining >= 0 {
		if int64(len(fresh)) > s.remaining {
			fresh = fresh[:s.remaining]
		}
		s.remaining -= int64(len(fresh))
		if s.remaining == 0 {
			s.done = true
		}
	}

	level.Debug(s.logger).Log("msg", "fetched page", "page", s.page, "start", s.start, "end", s.end,
		"received", len(rows), "new", len(fresh), "duration", time.Since(started))
	s.page++
	s.yielded += int64(len(fresh))
	s.exec.metrics.pages.Inc()
	s.exec.metrics.rows.Add(float64(len(fresh)))
	return fresh, nil
}

// advance moves the window past the page. The boundary timestamp stays
// inside the window since more entries may share it.
func (s *Stream) advance(rows []model.Row) {
	last := rows[len(rows)-1].Timestamp
	boundary := map[string]struct{}{}
	for i := len(rows) - 1; i >= 0 && rows[i].Timestamp == last; i-- {
		boundary[rowKey(rows[i])] = struct{}{}
	}
	s.boundaryTS = last
	s.boundary = boundary
	if s.query.Direction == model.Forward {
		s.start = last
	} else {
		s.end = last + 1
	}
}

func (s *Stream) accept() string {
	if s.exec.opts.Format == FormatParquet {
		return client.ContentTypeParquet
	}
	return ""
}

func rowKey(r model.Row) string {
	return r.Labels.String() + "\x00" + r.Line
}

// sortRows orders rows by timestamp in direction d. Ties go by label set,
// then line, so a page boundary never changes the order.
func sortRows(rows []model.Row, d model.Direction) {
	slices.SortStableFunc(rows, func(a, b model.Row) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			if d == model.Backward {
				return -c
			}
			return c
		}
		if c := labels.Compare(a.Labels, b.Labels); c != 0 {
			return c
		}
		return strings.Compare(a.Line, b.Line)
	})
}
