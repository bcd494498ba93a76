package scan

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/go-faster/errors"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/lokitest"
	"github.com/metrico/lokiduck/model"
)

func row(app string, ts int64, line string) model.Row {
	return model.Row{Timestamp: ts, Labels: labels.FromStrings("app", app), Line: line}
}

var (
	forwardRows = []model.Row{
		row("a", 1, "a1"),
		row("a", 2, "a2"), row("a", 2, "a2b"), row("b", 2, "b2"), row("c", 2, "c2"),
		row("a", 3, "a3"), row("b", 3, "b3"), row("b", 3, "b3b"),
		row("b", 4, "b4"),
		row("a", 5, "a5"), row("c", 5, "c5"),
	}
	backwardRows = []model.Row{
		row("a", 5, "a5"), row("c", 5, "c5"),
		row("b", 4, "b4"),
		row("a", 3, "a3"), row("b", 3, "b3"), row("b", 3, "b3b"),
		row("a", 2, "a2"), row("a", 2, "a2b"), row("b", 2, "b2"), row("c", 2, "c2"),
		row("a", 1, "a1"),
	}
)

func fixture(t *testing.T) (*lokitest.Server, *client.Client) {
	t.Helper()
	srv := lokitest.New()
	t.Cleanup(srv.Close)
	srv.Add(labels.FromStrings("app", "a"),
		lokitest.Entry{Timestamp: 1, Line: "a1"},
		lokitest.Entry{Timestamp: 2, Line: "a2"},
		lokitest.Entry{Timestamp: 2, Line: "a2b"},
		lokitest.Entry{Timestamp: 3, Line: "a3"},
		lokitest.Entry{Timestamp: 5, Line: "a5"})
	srv.Add(labels.FromStrings("app", "b"),
		lokitest.Entry{Timestamp: 2, Line: "b2"},
		lokitest.Entry{Timestamp: 3, Line: "b3"},
		lokitest.Entry{Timestamp: 3, Line: "b3b"},
		lokitest.Entry{Timestamp: 4, Line: "b4"})
	srv.Add(labels.FromStrings("app", "c"),
		lokitest.Entry{Timestamp: 2, Line: "c2"},
		lokitest.Entry{Timestamp: 5, Line: "c5"})

	c, err := client.New(client.Config{
		Address: srv.URL,
		Backoff: backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1},
	}, nil, nil)
	require.NoError(t, err)
	return srv, c
}

func bounded(d model.Direction) model.Query {
	return model.Query{LogQL: `{app=~".+"}`, Start: model.Int64(0), End: model.Int64(10), Direction: d}
}

func collect(t *testing.T, rr array.RecordReader) []model.Row {
	t.Helper()
	defer rr.Release()
	var rows []model.Row
	for rr.Next() {
		batch, err := model.RowsFromRecord(rr.Record())
		require.NoError(t, err)
		rows = append(rows, batch...)
	}
	require.NoError(t, rr.Err())
	return rows
}

func run(t *testing.T, e *Exec) []model.Row {
	t.Helper()
	var rows []model.Row
	for p := 0; p < e.Partitions(); p++ {
		s, err := e.Execute(context.Background(), p)
		require.NoError(t, err)
		rows = append(rows, collect(t, s)...)
	}
	return rows
}

func TestPagination(t *testing.T) {
	for _, tc := range []struct {
		direction model.Direction
		expected  []model.Row
	}{
		{model.Forward, forwardRows},
		{model.Backward, backwardRows},
	} {
		t.Run(tc.direction.String(), func(t *testing.T) {
			srv, c := fixture(t)

			whole, err := New(bounded(tc.direction), Options{}, c, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, run(t, whole))
			assert.Len(t, srv.Queries(), 1)

			paged, err := New(bounded(tc.direction), Options{PageSize: 2}, c, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, run(t, paged))
			assert.Greater(t, len(srv.Queries()), 3)
		})
	}
}

func TestPageRequests(t *testing.T) {
	srv, c := fixture(t)
	e, err := New(bounded(model.Forward), Options{PageSize: 2}, c, nil, nil)
	require.NoError(t, err)
	run(t, e)

	queries := srv.Queries()
	require.Len(t, queries, 6)
	assert.Equal(t, "0", queries[0].Get("start"))
	assert.Equal(t, "2", queries[0].Get("limit"))
	assert.Equal(t, "FORWARD", queries[0].Get("direction"))
	// the second page restarts at the boundary timestamp
	assert.Equal(t, "2", queries[1].Get("start"))
	assert.Equal(t, "3", queries[1].Get("limit"))
	for _, q := range queries {
		assert.Equal(t, "10", q.Get("end"))
		assert.Equal(t, `{app=~".+"}`, q.Get("query"))
	}
}

func TestBackwardMovesEnd(t *testing.T) {
	srv, c := fixture(t)
	e, err := New(bounded(model.Backward), Options{PageSize: 3}, c, nil, nil)
	require.NoError(t, err)
	run(t, e)

	queries := srv.Queries()
	require.Greater(t, len(queries), 1)
	assert.Equal(t, "10", queries[0].Get("end"))
	// a5, c5, b4: next window ends right after 4
	assert.Equal(t, "5", queries[1].Get("end"))
	assert.Equal(t, "0", queries[1].Get("start"))
}

func TestLimitTruncates(t *testing.T) {
	srv, c := fixture(t)
	q := bounded(model.Forward)
	q.Limit = model.Int64(3)
	e, err := New(q, Options{PageSize: 2}, c, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, forwardRows[:3], run(t, e))
	queries := srv.Queries()
	require.Len(t, queries, 2)
	assert.Equal(t, "2", queries[1].Get("limit"))
}

func TestNoRequestWhenNothingCanMatch(t *testing.T) {
	srv, c := fixture(t)

	empty := model.Query{LogQL: `{app="a"}`, Start: model.Int64(5), End: model.Int64(5)}
	e, err := New(empty, Options{}, c, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, run(t, e))

	zero := bounded(model.Forward)
	zero.Limit = model.Int64(0)
	e, err = New(zero, Options{}, c, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, run(t, e))

	assert.Empty(t, srv.Queries())
}

func TestOpenBounds(t *testing.T) {
	srv, c := fixture(t)
	now := time.Unix(0, 1_000_000)
	e, err := New(model.Query{LogQL: `{app="a"}`}, Options{Lookback: 999_990, Now: func() time.Time { return now }}, c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Partitions())
	run(t, e)

	queries := srv.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, "10", queries[0].Get("start"))
	assert.Equal(t, "1000000", queries[0].Get("end"))
	assert.Equal(t, "BACKWARD", queries[0].Get("direction"))
}

func TestProjection(t *testing.T) {
	_, c := fixture(t)
	e, err := New(bounded(model.Forward), Options{Projection: []int{model.LineIndex}}, c, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, e.Schema().NumFields())
	assert.Equal(t, model.ColumnLine, e.Schema().Field(0).Name)

	rows := run(t, e)
	require.Len(t, rows, len(forwardRows))
	for i, r := range rows {
		assert.Equal(t, forwardRows[i].Line, r.Line)
		assert.Zero(t, r.Timestamp)
	}

	_, err = New(bounded(model.Forward), Options{Projection: []int{7}}, c, nil, nil)
	assert.Error(t, err)
}

func TestParquetPages(t *testing.T) {
	_, c := fixture(t)
	e, err := New(bounded(model.Backward), Options{PageSize: 4, Format: FormatParquet}, c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, backwardRows, run(t, e))
}

func TestPartitions(t *testing.T) {
	for _, d := range []model.Direction{model.Forward, model.Backward} {
		t.Run(d.String(), func(t *testing.T) {
			srv, c := fixture(t)
			e, err := New(bounded(d), Options{Partitions: 4, PageSize: 2}, c, nil, nil)
			require.NoError(t, err)
			require.Equal(t, 4, e.Partitions())

			expected := forwardRows
			if d == model.Backward {
				expected = backwardRows
			}
			assert.Equal(t, expected, run(t, e))

			// partitions cover [0,10) without gaps or overlap
			covered := map[int64]int{}
			for p := 0; p < 4; p++ {
				q := e.partitionQuery(p)
				for ts := *q.Start; ts < *q.End; ts++ {
					covered[ts]++
				}
			}
			assert.Len(t, covered, 10)
			for ts, n := range covered {
				assert.Equal(t, 1, n, "timestamp %d", ts)
			}
			assert.NotEmpty(t, srv.Queries())
		})
	}
}

func TestPartitionsNeedBoundsWithoutLimit(t *testing.T) {
	_, c := fixture(t)
	q := bounded(model.Forward)
	q.Limit = model.Int64(5)
	e, err := New(q, Options{Partitions: 4}, c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Partitions())

	e, err = New(model.Query{LogQL: `{app="a"}`, End: model.Int64(10)}, Options{Partitions: 4}, c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Partitions())

	narrow := model.Query{LogQL: `{app="a"}`, Start: model.Int64(0), End: model.Int64(2)}
	e, err = New(narrow, Options{Partitions: 4}, c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Partitions())

	_, err = e.Execute(context.Background(), 2)
	assert.Error(t, err)
}

func TestPin(t *testing.T) {
	_, c := fixture(t)
	e, err := New(bounded(model.Forward), Options{Partitions: 4}, c, nil, nil)
	require.NoError(t, err)

	var rows []model.Row
	for p := 0; p < 4; p++ {
		pinned, err := e.Pin(p)
		require.NoError(t, err)
		assert.Equal(t, 1, pinned.Partitions())
		rows = append(rows, run(t, pinned)...)
	}
	assert.Equal(t, forwardRows, rows)

	_, err = e.Pin(4)
	assert.Error(t, err)
}

func TestExecutionErrorKeepsEarlierBatches(t *testing.T) {
	srv, c := fixture(t)
	srv.SetFault(func(call int, w http.ResponseWriter, r *http.Request) bool {
		if call == 1 {
			http.Error(w, "ingester unavailable", http.StatusServiceUnavailable)
			return true
		}
		return false
	})
	e, err := New(bounded(model.Forward), Options{PageSize: 2}, c, nil, nil)
	require.NoError(t, err)
	s, err := e.Execute(context.Background(), 0)
	require.NoError(t, err)
	defer s.Release()

	require.True(t, s.Next())
	first, err := model.RowsFromRecord(s.Record())
	require.NoError(t, err)
	assert.Equal(t, forwardRows[:2], first)

	assert.False(t, s.Next())
	var execErr *model.ExecutionError
	require.ErrorAs(t, s.Err(), &execErr)
	assert.Equal(t, 1, execErr.Page)
	assert.Equal(t, int64(2), execErr.RowsYielded)
	var status *client.StatusError
	require.ErrorAs(t, s.Err(), &status)
	assert.Equal(t, http.StatusServiceUnavailable, status.Code)

	assert.False(t, s.Next())
	assert.Len(t, srv.Queries(), 2)
}

func TestDecodeError(t *testing.T) {
	srv, c := fixture(t)
	srv.SetFault(func(call int, w http.ResponseWriter, r *http.Request) bool {
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[{"stream":{"app":"a"},"values":[["nope","x"]]}]}}`))
		return true
	})
	e, err := New(bounded(model.Forward), Options{}, c, nil, nil)
	require.NoError(t, err)
	s, err := e.Execute(context.Background(), 0)
	require.NoError(t, err)
	defer s.Release()

	assert.False(t, s.Next())
	var decErr *model.DecodeError
	require.ErrorAs(t, s.Err(), &decErr)
	assert.Equal(t, 0, decErr.Page)
}

func TestDecodeJSON(t *testing.T) {
	rows, err := decodeJSON([]byte(`{
		"status": "success",
		"data": {
			"resultType": "streams",
			"result": [
				{"values": [["20", "second", {"trace_id": "abc"}], ["10", "first"]], "stream": {"b": "2", "a": "1"}},
				{"stream": {"a": "3"}, "values": []}
			],
			"stats": {"summary": {"bytesProcessedPerSecond": 1}}
		}
	}`))
	require.NoError(t, err)
	ls := labels.FromStrings("a", "1", "b", "2")
	assert.Equal(t, []model.Row{
		{Timestamp: 20, Labels: ls, Line: "second"},
		{Timestamp: 10, Labels: ls, Line: "first"},
	}, rows)

	for _, body := range []string{
		`{"status":"error"}`,
		`{"data":{"resultType":"matrix","result":[]}}`,
		`{"data":{"resultType":"streams","result":[{"stream":{"a":"1"},"values":[["1"]]}]}}`,
		`{"data":{"resultType":"streams","result":[{"stream":{"a":1},"values":[]}]}}`,
		`not json`,
	} {
		_, err := decodeJSON([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestTiesFollowLabelOrder(t *testing.T) {
	for _, d := range []model.Direction{model.Forward, model.Backward} {
		t.Run(d.String(), func(t *testing.T) {
			srv, c := fixture(t)
			srv.SetFault(func(_ int, w http.ResponseWriter, _ *http.Request) bool {
				_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[
					{"stream":{"app":"c"},"values":[["5","c5"]]},
					{"stream":{"app":"b"},"values":[["5","b5y"],["5","b5x"]]},
					{"stream":{"app":"a"},"values":[["5","a5"]]}
				]}}`))
				return true
			})
			e, err := New(bounded(d), Options{}, c, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, []model.Row{
				row("a", 5, "a5"), row("b", 5, "b5x"), row("b", 5, "b5y"), row("c", 5, "c5"),
			}, run(t, e))
		})
	}
}

func TestCancelStopsRequests(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	srv, c := fixture(t)
	entered := make(chan struct{})
	srv.SetFault(func(call int, w http.ResponseWriter, r *http.Request) bool {
		if call == 1 {
			close(entered)
			<-r.Context().Done()
			return true
		}
		return false
	})

	ctx, cancel := context.WithCancel(context.Background())
	e, err := New(bounded(model.Forward), Options{PageSize: 2}, c, nil, nil)
	require.NoError(t, err)
	s, err := e.Execute(ctx, 0)
	require.NoError(t, err)

	require.True(t, s.Next())
	go func() {
		<-entered
		cancel()
	}()
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), context.Canceled)
	s.Release()

	assert.False(t, s.Next())
	assert.Len(t, srv.Queries(), 2)
}

func TestReleaseBeforeNext(t *testing.T) {
	srv, c := fixture(t)
	e, err := New(bounded(model.Forward), Options{}, c, nil, nil)
	require.NoError(t, err)
	s, err := e.Execute(context.Background(), 0)
	require.NoError(t, err)
	s.Release()
	assert.False(t, s.Next())
	assert.Empty(t, srv.Queries())
}

func TestString(t *testing.T) {
	_, c := fixture(t)
	q := bounded(model.Forward)
	q.Limit = model.Int64(7)
	e, err := New(q, Options{Projection: []int{model.TimestampIndex, model.LineIndex}}, c, nil, nil)
	require.NoError(t, err)
	assert.Equal(t,
		`LokiScanExec: query={app=~".+"}, start=1970-01-01T00:00:00Z, end=1970-01-01T00:00:00.00000001Z, limit=7, direction=FORWARD, partitions=1, projection=[timestamp line]`,
		e.String())
}

func newWorker(t *testing.T, c *client.Client) *httptest.Server {
	t.Helper()
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PlanExecutePath, r.URL.Path)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		node, err := Unmarshal(body, c, nil, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		partition, _ := strconv.Atoi(r.URL.Query().Get("partition"))
		s, err := node.Execute(r.Context(), partition)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer s.Release()
		_ = WriteIPC(w, s)
	}))
	t.Cleanup(worker.Close)
	return worker
}

func TestRemoteExecute(t *testing.T) {
	_, c := fixture(t)
	worker := newWorker(t, c)

	e, err := New(bounded(model.Backward), Options{Partitions: 3, PageSize: 2}, c, nil, nil)
	require.NoError(t, err)

	remote := &Remote{URL: worker.URL}
	var rows []model.Row
	for p := 0; p < e.Partitions(); p++ {
		rr, err := remote.Execute(context.Background(), e, p)
		require.NoError(t, err)
		rows = append(rows, collect(t, rr)...)
	}
	assert.Equal(t, backwardRows, rows)
}

func TestRemoteKeepsErrorKind(t *testing.T) {
	srv, c := fixture(t)
	worker := newWorker(t, c)
	remote := &Remote{URL: worker.URL}

	srv.SetFault(func(call int, w http.ResponseWriter, r *http.Request) bool {
		if call == 1 {
			http.Error(w, "ingester unavailable", http.StatusServiceUnavailable)
			return true
		}
		return false
	})
	e, err := New(bounded(model.Forward), Options{PageSize: 2}, c, nil, nil)
	require.NoError(t, err)
	rr, err := remote.Execute(context.Background(), e, 0)
	require.NoError(t, err)
	defer rr.Release()
	require.True(t, rr.Next())
	assert.False(t, rr.Next())

	var execErr *model.ExecutionError
	require.ErrorAs(t, rr.Err(), &execErr)
	assert.Equal(t, 1, execErr.Page)
	assert.Equal(t, int64(2), execErr.RowsYielded)
	assert.Equal(t, `{app=~".+"}`, execErr.Query)
	var status *client.StatusError
	require.ErrorAs(t, rr.Err(), &status)
	assert.Equal(t, http.StatusServiceUnavailable, status.Code)

	srv.SetFault(func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[{"stream":{"app":"a"},"values":[["nope","x"]]}]}}`))
		return true
	})
	rr, err = remote.Execute(context.Background(), e, 0)
	require.NoError(t, err)
	defer rr.Release()
	assert.False(t, rr.Next())
	var decErr *model.DecodeError
	require.ErrorAs(t, rr.Err(), &decErr)
	assert.Equal(t, 0, decErr.Page)
}

func TestTrailerFallsBackToPlainError(t *testing.T) {
	err := decodeTrailer("not json")
	assert.EqualError(t, err, "not json")
	var execErr *model.ExecutionError
	assert.False(t, errors.As(err, &execErr))
}
