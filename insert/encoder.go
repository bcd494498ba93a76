// Package insert turns rows of the log table into Loki push requests.
package insert

import (
	"context"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/snappy"
	"github.com/grafana/loki/pkg/push"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/tidwall/btree"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/model"
)

// Format is the body encoding of a push request.
type Format uint8

const (
	FormatJSON Format = iota
	FormatProtobuf
)

func (f Format) String() string {
	if f == FormatProtobuf {
		return "protobuf"
	}
	return "json"
}

func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "protobuf", "proto":
		return FormatProtobuf, nil
	}
	return FormatJSON, errors.Errorf("unknown push format %q", s)
}

// Pusher sends an encoded push body.
type Pusher interface {
	Push(ctx context.Context, body []byte, contentType, contentEncoding string) error
}

type Options struct {
	Format Format
}

// Stream is every entry of one label set, oldest first.
type Stream struct {
	Labels  labels.Labels
	Entries []Entry
}

type Entry struct {
	Timestamp int64
	Line      string
}

type Encoder struct {
	pusher Pusher
	opts   Options
	logger log.Logger

	pushed   prometheus.Counter
	rejected prometheus.Counter
}

func NewEncoder(p Pusher, opts Options, logger log.Logger, reg prometheus.Registerer) *Encoder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f := promauto.With(reg)
	return &Encoder{
		pusher: p,
		opts:   opts,
		logger: logger,
		pushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lokiduck",
			Subsystem: "insert",
			Name:      "entries_total",
			Help:      "Entries accepted by Loki.",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lokiduck",
			Subsystem: "insert",
			Name:      "rejected_pushes_total",
			Help:      "Push requests Loki refused.",
		}),
	}
}

// InsertRecords pushes every row of records in a single request.
func (e *Encoder) InsertRecords(ctx context.Context, records []arrow.Record) (int64, error) {
	var rows []model.Row
	for _, rec := range records {
		if !rec.Schema().HasField(model.ColumnTimestamp) {
			return 0, &model.IngestionError{Err: errors.Errorf("record has no %s column", model.ColumnTimestamp)}
		}
		rr, err := model.RowsFromRecord(rec)
		if err != nil {
			return 0, &model.IngestionError{Err: err}
		}
		rows = append(rows, rr...)
	}
	return e.Insert(ctx, rows)
}

// Insert pushes rows in a single request and returns how many were
// accepted. Either all rows are accepted or the call fails.
func (e *Encoder) Insert(ctx context.Context, rows []model.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for i, r := range rows {
		if name, dup := r.Labels.HasDuplicateLabelNames(); dup {
			return 0, &model.IngestionError{
				Stream: r.Labels.String(),
				Err:    errors.Errorf("row %d: duplicate label %q", i, name),
			}
		}
	}
	streams := BuildStreams(rows)
	body, contentType, encoding, err := e.encode(streams)
	if err != nil {
		return 0, &model.IngestionError{Err: err}
	}
	start := time.Now()
	if err := e.pusher.Push(ctx, body, contentType, encoding); err != nil {
		e.rejected.Inc()
		return 0, rejection(err, streams)
	}
	e.pushed.Add(float64(len(rows)))
	level.Debug(e.logger).Log("msg", "pushed", "streams", len(streams), "entries", len(rows),
		"format", e.opts.Format, "bytes", len(body), "elapsed", time.Since(start))
	return int64(len(rows)), nil
}

func (e *Encoder) encode(streams []Stream) (body []byte, contentType, encoding string, err error) {
	if e.opts.Format == FormatProtobuf {
		body, err = EncodeProtobuf(streams)
		return body, client.ContentTypeProtobuf, "", err
	}
	return EncodeJSON(streams), client.ContentTypeJSON, "", nil
}

// BuildStreams groups rows by label set. Streams come out ordered by label
// set, entries by timestamp with ties kept in input order.
func BuildStreams(rows []model.Row) []Stream {
	idx := btree.NewBTreeG(func(a, b *Stream) bool {
		return labels.Compare(a.Labels, b.Labels) < 0
	})
	for _, r := range rows {
		key := &Stream{Labels: r.Labels}
		st, ok := idx.Get(key)
		if !ok {
			st = key
			idx.Set(st)
		}
		st.Entries = append(st.Entries, Entry{Timestamp: r.Timestamp, Line: r.Line})
	}
	out := make([]Stream, 0, idx.Len())
	idx.Scan(func(st *Stream) bool {
		slices.SortStableFunc(st.Entries, func(a, b Entry) int {
			switch {
			case a.Timestamp < b.Timestamp:
				return -1
			case a.Timestamp > b.Timestamp:
				return 1
			}
			return 0
		})
		out = append(out, *st)
		return true
	})
	return out
}

// EncodeJSON renders the body of a JSON push request.
func EncodeJSON(streams []Stream) []byte {
	var w jx.Encoder
	w.Obj(func(w *jx.Encoder) {
		w.Field("streams", func(w *jx.Encoder) {
			w.Arr(func(w *jx.Encoder) {
				for _, st := range streams {
					w.Obj(func(w *jx.Encoder) {
						w.Field("stream", func(w *jx.Encoder) {
							w.Obj(func(w *jx.Encoder) {
								st.Labels.Range(func(l labels.Label) {
									w.Field(l.Name, func(w *jx.Encoder) { w.Str(l.Value) })
								})
							})
						})
						w.Field("values", func(w *jx.Encoder) {
							w.Arr(func(w *jx.Encoder) {
								for _, e := range st.Entries {
									w.Arr(func(w *jx.Encoder) {
										w.Str(strconv.FormatInt(e.Timestamp, 10))
										w.Str(e.Line)
									})
								}
							})
						})
					})
				}
			})
		})
	})
	return w.Bytes()
}

// EncodeProtobuf renders a snappy compressed push.PushRequest, the format
// promtail ships.
func EncodeProtobuf(streams []Stream) ([]byte, error) {
	req := push.PushRequest{Streams: make([]push.Stream, 0, len(streams))}
	for _, st := range streams {
		ps := push.Stream{
			Labels:  st.Labels.String(),
			Entries: make([]push.Entry, 0, len(st.Entries)),
		}
		for _, e := range st.Entries {
			ps.Entries = append(ps.Entries, push.Entry{
				Timestamp: time.Unix(0, e.Timestamp).UTC(),
				Line:      e.Line,
			})
		}
		req.Streams = append(req.Streams, ps)
	}
	buf, err := req.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal push request")
	}
	return snappy.Encode(nil, buf), nil
}

var streamInMessage = regexp.MustCompile(`(?m)for stream: (\{.*?\})(?:,|$)`)

// rejection turns a failed push into an IngestionError naming the stream
// Loki complained about, or the only stream pushed.
func rejection(err error, streams []Stream) error {
	ie := &model.IngestionError{Err: err}
	var se *client.StatusError
	if errors.As(err, &se) {
		ie.Status = se.Code
		if m := streamInMessage.FindStringSubmatch(se.Body); m != nil {
			ie.Stream = m[1]
		}
	}
	if ie.Stream == "" && len(streams) == 1 {
		ie.Stream = streams[0].Labels.String()
	}
	return ie
}
