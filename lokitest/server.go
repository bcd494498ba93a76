// Package lokitest runs an in-memory Loki HTTP API for tests.
package lokitest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/golang/snappy"
	"github.com/gorilla/mux"
	"github.com/grafana/loki/pkg/push"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"

	"github.com/metrico/lokiduck/model"
)

type Entry struct {
	Timestamp int64
	Line      string
}

// Fault lets a test take over the n-th (zero based) query_range call. It
// returns true when it wrote a response.
type Fault func(call int, w http.ResponseWriter, r *http.Request) bool

type stream struct {
	labels  labels.Labels
	entries []Entry
}

type Server struct {
	*httptest.Server

	mu      sync.Mutex
	streams []*stream
	queries []url.Values
	pushes  []string
	fault   Fault
}

func New() *Server {
	s := &Server{}
	r := mux.NewRouter()
	r.HandleFunc("/loki/api/v1/query_range", s.queryRange).Methods(http.MethodGet)
	r.HandleFunc("/loki/api/v1/push", s.push).Methods(http.MethodPost)
	r.HandleFunc("/loki/api/v1/status/buildinfo", s.buildInfo).Methods(http.MethodGet)
	s.Server = httptest.NewServer(r)
	return s
}

// Add stores entries for the stream identified by ls.
func (s *Server) Add(ls labels.Labels, entries ...Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(ls, entries)
}

func (s *Server) add(ls labels.Labels, entries []Entry) {
	for _, st := range s.streams {
		if labels.Equal(st.labels, ls) {
			st.entries = append(st.entries, entries...)
			return
		}
	}
	s.streams = append(s.streams, &stream{labels: ls, entries: slices.Clone(entries)})
}

// Entries returns what is stored for ls.
func (s *Server) Entries(ls labels.Labels) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if labels.Equal(st.labels, ls) {
			return slices.Clone(st.entries)
		}
	}
	return nil
}

// Queries returns the parameters of every query_range call so far.
func (s *Server) Queries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queries)
}

// Pushes returns the Content-Type of every push call so far.
func (s *Server) Pushes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pushes)
}

func (s *Server) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

func (s *Server) buildInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"version":"3.5.0","revision":"lokitest","branch":"main","goVersion":"go1.24"}`))
}

type result struct {
	labels labels.Labels
	Entry
}

func (s *Server) queryRange(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	s.mu.Lock()
	call := len(s.queries)
	s.queries = append(s.queries, params)
	fault := s.fault
	s.mu.Unlock()
	if fault != nil && fault(call, w, r) {
		return
	}

	q, err := parseQuery(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var rows []result
	for _, st := range s.streams {
		if !q.matchLabels(st.labels) {
			continue
		}
		for _, e := range st.entries {
			if e.Timestamp < q.start || e.Timestamp >= q.end || !q.matchLine(e.Line) {
				continue
			}
			rows = append(rows, result{labels: st.labels, Entry: e})
		}
	}
	s.mu.Unlock()

	slices.SortStableFunc(rows, func(a, b result) int {
		c := compareInt(a.Timestamp, b.Timestamp)
		if !q.forward {
			c = -c
		}
		if c != 0 {
			return c
		}
		if c := labels.Compare(a.labels, b.labels); c != 0 {
			return c
		}
		return strings.Compare(a.Line, b.Line)
	})
	if int64(len(rows)) > q.limit {
		rows = rows[:q.limit]
	}

	if strings.Contains(r.Header.Get("Accept"), "parquet") {
		s.writeParquet(w, rows)
		return
	}
	writeJSON(w, rows)
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func writeJSON(w http.ResponseWriter, rows []result) {
	// group by stream, streams in label order
	var order []labels.Labels
	grouped := map[string][]Entry{}
	for _, r := range rows {
		key := r.labels.String()
		if _, ok := grouped[key]; !ok {
			order = append(order, r.labels)
		}
		grouped[key] = append(grouped[key], r.Entry)
	}
	slices.SortFunc(order, labels.Compare)

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str("success") })
		e.Field("data", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("resultType", func(e *jx.Encoder) { e.Str("streams") })
				e.Field("result", func(e *jx.Encoder) {
					e.Arr(func(e *jx.Encoder) {
						for _, ls := range order {
							e.Obj(func(e *jx.Encoder) {
								e.Field("stream", func(e *jx.Encoder) {
									e.Obj(func(e *jx.Encoder) {
										ls.Range(func(l labels.Label) {
											e.Field(l.Name, func(e *jx.Encoder) { e.Str(l.Value) })
										})
									})
								})
								e.Field("values", func(e *jx.Encoder) {
									e.Arr(func(e *jx.Encoder) {
										for _, entry := range grouped[ls.String()] {
											e.Arr(func(e *jx.Encoder) {
												e.Str(strconv.FormatInt(entry.Timestamp, 10))
												e.Str(entry.Line)
											})
										}
									})
								})
							})
						}
					})
				})
				e.Field("stats", func(e *jx.Encoder) { e.Obj(func(*jx.Encoder) {}) })
			})
		})
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(e.Bytes())
}

func (s *Server) writeParquet(w http.ResponseWriter, rows []result) {
	mrows := make([]model.Row, len(rows))
	for i, r := range rows {
		mrows[i] = model.Row{Timestamp: r.Timestamp, Labels: r.labels, Line: r.Line}
	}
	rec, err := model.BuildRecord(memory.DefaultAllocator, mrows, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rec.Release()

	var buf bytes.Buffer
	fw, err := pqarrow.NewFileWriter(rec.Schema(), &buf, parquet.NewWriterProperties(),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := fw.Write(rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := fw.Close(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	_, _ = w.Write(buf.Bytes())
}

var streamRe = regexp.MustCompile(`^\s*\{`)

type query struct {
	matchers []*labels.Matcher
	filters  []lineFilter
	start    int64
	end      int64
	limit    int64
	forward  bool
}

type lineFilter struct {
	op    string
	value string
	re    *regexp.Regexp
}

func parseQuery(params url.Values) (*query, error) {
	q := &query{limit: 100, forward: strings.EqualFold(params.Get("direction"), "forward")}
	var err error
	if q.start, err = strconv.ParseInt(params.Get("start"), 10, 64); err != nil {
		return nil, errors.Wrap(err, "start")
	}
	if q.end, err = strconv.ParseInt(params.Get("end"), 10, 64); err != nil {
		return nil, errors.Wrap(err, "end")
	}
	if v := params.Get("limit"); v != "" {
		if q.limit, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, errors.Wrap(err, "limit")
		}
	}
	raw := params.Get("query")
	if !streamRe.MatchString(raw) {
		return nil, errors.Errorf("parse error: queries require a stream selector: %q", raw)
	}
	selector, pipeline, err := splitSelector(raw)
	if err != nil {
		return nil, err
	}
	if q.matchers, err = parser.ParseMetricSelector(selector); err != nil {
		return nil, errors.Wrap(err, "parse selector")
	}
	nonEmpty := false
	for _, m := range q.matchers {
		nonEmpty = nonEmpty || !m.Matches("")
	}
	if !nonEmpty {
		return nil, errors.New("parse error: queries require at least one regexp or equality matcher that does not have an empty-compatible value")
	}
	if q.filters, err = parsePipeline(pipeline); err != nil {
		return nil, err
	}
	return q, nil
}

// splitSelector cuts the {...} part off a LogQL query.
func splitSelector(s string) (string, string, error) {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case '}':
			if !inQuote {
				return s[:i+1], s[i+1:], nil
			}
		}
	}
	return "", "", errors.Errorf("unterminated stream selector %q", s)
}

func parsePipeline(s string) ([]lineFilter, error) {
	var out []lineFilter
	s = strings.TrimSpace(s)
	for s != "" {
		if len(s) < 2 {
			return nil, errors.Errorf("bad pipeline %q", s)
		}
		op := s[:2]
		switch op {
		case "|=", "|~", "!=", "!~":
		default:
			return nil, errors.Errorf("unsupported pipeline stage %q", s)
		}
		s = strings.TrimSpace(s[2:])
		quoted, err := strconv.QuotedPrefix(s)
		if err != nil {
			return nil, errors.Wrap(err, "line filter value")
		}
		value, err := strconv.Unquote(quoted)
		if err != nil {
			return nil, err
		}
		f := lineFilter{op: op, value: value}
		if op[1] == '~' {
			if f.re, err = regexp.Compile(value); err != nil {
				return nil, err
			}
		}
		out = append(out, f)
		s = strings.TrimSpace(s[len(quoted):])
	}
	return out, nil
}

func (q *query) matchLabels(ls labels.Labels) bool {
	for _, m := range q.matchers {
		if !m.Matches(ls.Get(m.Name)) {
			return false
		}
	}
	return true
}

func (q *query) matchLine(line string) bool {
	for _, f := range q.filters {
		var ok bool
		switch f.op {
		case "|=":
			ok = strings.Contains(line, f.value)
		case "!=":
			ok = !strings.Contains(line, f.value)
		case "|~":
			ok = f.re.MatchString(line)
		case "!~":
			ok = !f.re.MatchString(line)
		}
		if !ok {
			return false
		}
	}
	return true
}

var errNoLabels = errors.New("error at least one label pair is required per stream")

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	contentType := r.Header.Get("Content-Type")
	var streams []*stream
	if strings.HasPrefix(contentType, "application/x-protobuf") {
		streams, err = decodeProtoPush(body)
	} else {
		streams, err = decodeJSONPush(body)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, contentType)
	for _, st := range streams {
		if err := s.validate(st); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	for _, st := range streams {
		s.add(st.labels, st.entries)
	}
	w.WriteHeader(http.StatusNoContent)
}

// validate rejects streams without labels and entries older than what the
// stream already holds.
func (s *Server) validate(st *stream) error {
	if st.labels.IsEmpty() {
		return errNoLabels
	}
	last := int64(-1 << 63)
	for _, existing := range s.streams {
		if labels.Equal(existing.labels, st.labels) && len(existing.entries) > 0 {
			last = existing.entries[len(existing.entries)-1].Timestamp
		}
	}
	for _, e := range st.entries {
		if e.Timestamp < last {
			return fmt.Errorf("entry with timestamp %s ignored, reason: 'entry out of order' for stream: %s",
				time.Unix(0, e.Timestamp).UTC().Format(time.RFC3339Nano), st.labels.String())
		}
		last = e.Timestamp
	}
	return nil
}

func decodeProtoPush(body []byte) ([]*stream, error) {
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, errors.Wrap(err, "snappy")
	}
	var req push.PushRequest
	if err := req.Unmarshal(raw); err != nil {
		return nil, errors.Wrap(err, "unmarshal push request")
	}
	out := make([]*stream, 0, len(req.Streams))
	for _, ps := range req.Streams {
		ls, err := parser.ParseMetric(ps.Labels)
		if err != nil {
			return nil, errors.Wrapf(err, "stream labels %q", ps.Labels)
		}
		st := &stream{labels: ls}
		for _, e := range ps.Entries {
			st.entries = append(st.entries, Entry{Timestamp: e.Timestamp.UnixNano(), Line: e.Line})
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeJSONPush(body []byte) ([]*stream, error) {
	var out []*stream
	d := jx.DecodeBytes(body)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "streams" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			st := &stream{}
			b := labels.NewScratchBuilder(4)
			err := d.Obj(func(d *jx.Decoder, key string) error {
				switch key {
				case "stream":
					return d.Obj(func(d *jx.Decoder, name string) error {
						v, err := d.Str()
						b.Add(name, v)
						return err
					})
				case "values":
					return d.Arr(func(d *jx.Decoder) error {
						var (
							e   Entry
							idx int
						)
						err := d.Arr(func(d *jx.Decoder) error {
							defer func() { idx++ }()
							switch idx {
							case 0:
								v, err := d.Str()
								if err != nil {
									return err
								}
								e.Timestamp, err = strconv.ParseInt(v, 10, 64)
								return err
							case 1:
								v, err := d.Str()
								e.Line = v
								return err
							}
							return d.Skip()
						})
						st.entries = append(st.entries, e)
						return err
					})
				}
				return d.Skip()
			})
			b.Sort()
			st.labels = b.Labels()
			out = append(out, st)
			return err
		})
	})
	return out, err
}
