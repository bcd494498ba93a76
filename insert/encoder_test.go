package insert

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/golang/snappy"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/loki/pkg/push"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/lokitest"
	"github.com/metrico/lokiduck/model"
)

type recorder struct {
	calls       int
	body        []byte
	contentType string
	err         error
}

func (r *recorder) Push(_ context.Context, body []byte, contentType, _ string) error {
	r.calls++
	r.body = body
	r.contentType = contentType
	return r.err
}

var groupingRows = []model.Row{
	{Timestamp: 5, Labels: labels.FromStrings("a", "1"), Line: "x"},
	{Timestamp: 3, Labels: labels.FromStrings("a", "1"), Line: "y"},
	{Timestamp: 1, Labels: labels.FromStrings("b", "2"), Line: "z"},
}

func TestBuildStreams(t *testing.T) {
	streams := BuildStreams(groupingRows)
	assert.Equal(t, []Stream{
		{Labels: labels.FromStrings("a", "1"), Entries: []Entry{{3, "y"}, {5, "x"}}},
		{Labels: labels.FromStrings("b", "2"), Entries: []Entry{{1, "z"}}},
	}, streams)
}

func TestBuildStreamsStableTies(t *testing.T) {
	ls := labels.FromStrings("job", "api", "env", "prod")
	// same set, different construction order
	same := labels.FromStrings("env", "prod", "job", "api")
	streams := BuildStreams([]model.Row{
		{Timestamp: 7, Labels: ls, Line: "first"},
		{Timestamp: 2, Labels: same, Line: "early"},
		{Timestamp: 7, Labels: same, Line: "second"},
		{Timestamp: 7, Labels: ls, Line: "third"},
	})
	require.Len(t, streams, 1)
	assert.Equal(t, []Entry{{2, "early"}, {7, "first"}, {7, "second"}, {7, "third"}}, streams[0].Entries)
}

func TestInsertJSON(t *testing.T) {
	rec := &recorder{}
	enc := NewEncoder(rec, Options{}, nil, nil)
	n, err := enc.Insert(context.Background(), groupingRows)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, client.ContentTypeJSON, rec.contentType)
	assert.JSONEq(t, `{"streams":[
		{"stream":{"a":"1"},"values":[["3","y"],["5","x"]]},
		{"stream":{"b":"2"},"values":[["1","z"]]}
	]}`, string(rec.body))
}

func TestInsertProtobuf(t *testing.T) {
	rec := &recorder{}
	enc := NewEncoder(rec, Options{Format: FormatProtobuf}, nil, nil)
	_, err := enc.Insert(context.Background(), groupingRows)
	require.NoError(t, err)
	assert.Equal(t, client.ContentTypeProtobuf, rec.contentType)

	raw, err := snappy.Decode(nil, rec.body)
	require.NoError(t, err)
	var req push.PushRequest
	require.NoError(t, req.Unmarshal(raw))
	require.Len(t, req.Streams, 2)
	assert.Equal(t, `{a="1"}`, req.Streams[0].Labels)
	assert.Equal(t, `{b="2"}`, req.Streams[1].Labels)
	require.Len(t, req.Streams[0].Entries, 2)
	assert.Equal(t, int64(3), req.Streams[0].Entries[0].Timestamp.UnixNano())
	assert.Equal(t, "y", req.Streams[0].Entries[0].Line)
	assert.Equal(t, int64(5), req.Streams[0].Entries[1].Timestamp.UnixNano())
	assert.Equal(t, "z", req.Streams[1].Entries[0].Line)
}

func TestInsertEmpty(t *testing.T) {
	rec := &recorder{}
	enc := NewEncoder(rec, Options{}, nil, nil)
	n, err := enc.Insert(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = enc.InsertRecords(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, rec.calls)
}

func lokiClient(t *testing.T, srv *lokitest.Server) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		Address: srv.URL,
		Backoff: backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1},
	}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestInsertIntoLoki(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatProtobuf} {
		t.Run(format.String(), func(t *testing.T) {
			srv := lokitest.New()
			defer srv.Close()
			reg := prometheus.NewRegistry()
			enc := NewEncoder(lokiClient(t, srv), Options{Format: format}, nil, reg)

			n, err := enc.Insert(context.Background(), groupingRows)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)
			assert.Equal(t, []lokitest.Entry{{Timestamp: 3, Line: "y"}, {Timestamp: 5, Line: "x"}},
				srv.Entries(labels.FromStrings("a", "1")))
			assert.Equal(t, []lokitest.Entry{{Timestamp: 1, Line: "z"}},
				srv.Entries(labels.FromStrings("b", "2")))
			assert.Len(t, srv.Pushes(), 1)
			assert.Equal(t, 3.0, testutil.ToFloat64(enc.pushed))
		})
	}
}

func TestRejectionNamesStream(t *testing.T) {
	srv := lokitest.New()
	defer srv.Close()
	srv.Add(labels.FromStrings("a", "1"), lokitest.Entry{Timestamp: 10, Line: "newest"})
	enc := NewEncoder(lokiClient(t, srv), Options{}, nil, nil)

	n, err := enc.Insert(context.Background(), groupingRows)
	require.Error(t, err)
	assert.Zero(t, n)
	var ie *model.IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, `{a="1"}`, ie.Stream)
	assert.Equal(t, http.StatusBadRequest, ie.Status)
	assert.Contains(t, err.Error(), "entry out of order")

	// the request was refused as a whole
	assert.Empty(t, srv.Entries(labels.FromStrings("b", "2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(enc.rejected))
}

func TestRejectionWithoutStream(t *testing.T) {
	rec := &recorder{err: &client.StatusError{Code: http.StatusInternalServerError, Body: "ingester unavailable"}}
	enc := NewEncoder(rec, Options{}, nil, nil)
	_, err := enc.Insert(context.Background(), groupingRows)
	var ie *model.IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Empty(t, ie.Stream)
	assert.Equal(t, http.StatusInternalServerError, ie.Status)
}

func TestInsertRecords(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	first, err := model.BuildRecord(mem, groupingRows[:2], nil)
	require.NoError(t, err)
	defer first.Release()
	second, err := model.BuildRecord(mem, groupingRows[2:], nil)
	require.NoError(t, err)
	defer second.Release()

	rec := &recorder{}
	enc := NewEncoder(rec, Options{}, nil, nil)
	n, err := enc.InsertRecords(context.Background(), []arrow.Record{first, second})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 1, rec.calls)
	assert.JSONEq(t, `{"streams":[
		{"stream":{"a":"1"},"values":[["3","y"],["5","x"]]},
		{"stream":{"b":"2"},"values":[["1","z"]]}
	]}`, string(rec.body))
}

func TestNullTimestampFailsBeforePush(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	b := array.NewRecordBuilder(mem, model.Schema)
	defer b.Release()
	b.Field(model.TimestampIndex).(*array.TimestampBuilder).AppendNull()
	b.Field(model.LabelsIndex).(*array.MapBuilder).AppendNull()
	b.Field(model.LineIndex).(*array.StringBuilder).Append("orphan")
	rec := b.NewRecord()
	defer rec.Release()

	pusher := &recorder{}
	enc := NewEncoder(pusher, Options{}, nil, nil)
	_, err := enc.InsertRecords(context.Background(), []arrow.Record{rec})
	var ie *model.IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, err.Error(), "null timestamp")
	assert.Zero(t, pusher.calls)
}

func TestNullLineFailsBeforePush(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	b := array.NewRecordBuilder(mem, model.Schema)
	defer b.Release()
	b.Field(model.TimestampIndex).(*array.TimestampBuilder).Append(7)
	model.AppendLabels(b.Field(model.LabelsIndex).(*array.MapBuilder), labels.FromStrings("app", "a"))
	b.Field(model.LineIndex).(*array.StringBuilder).AppendNull()
	rec := b.NewRecord()
	defer rec.Release()

	pusher := &recorder{}
	enc := NewEncoder(pusher, Options{}, nil, nil)
	n, err := enc.InsertRecords(context.Background(), []arrow.Record{rec})
	var ie *model.IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, err.Error(), "null line")
	assert.Zero(t, n)
	assert.Zero(t, pusher.calls)
}

func TestDuplicateLabelKeysFailBeforePush(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer mem.AssertSize(t, 0)

	b := array.NewRecordBuilder(mem, model.Schema)
	defer b.Release()
	b.Field(model.TimestampIndex).(*array.TimestampBuilder).Append(7)
	mb := b.Field(model.LabelsIndex).(*array.MapBuilder)
	kb := mb.KeyBuilder().(*array.StringBuilder)
	vb := mb.ItemBuilder().(*array.StringBuilder)
	mb.Append(true)
	kb.Append("app")
	vb.Append("a")
	kb.Append("app")
	vb.Append("b")
	b.Field(model.LineIndex).(*array.StringBuilder).Append("x")
	rec := b.NewRecord()
	defer rec.Release()

	pusher := &recorder{}
	enc := NewEncoder(pusher, Options{}, nil, nil)
	n, err := enc.InsertRecords(context.Background(), []arrow.Record{rec})
	var ie *model.IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, err.Error(), `duplicate label "app"`)
	assert.Zero(t, n)
	assert.Zero(t, pusher.calls)
}

func TestRejectionStreamWithBraces(t *testing.T) {
	rec := &recorder{err: &client.StatusError{
		Code: http.StatusBadRequest,
		Body: "entry with timestamp 1970-01-01T00:00:00Z ignored, reason: 'entry out of order' for stream: {job=\"a}b\"},\ntotal ignored: 1 out of 1",
	}}
	enc := NewEncoder(rec, Options{}, nil, nil)
	_, err := enc.Insert(context.Background(), groupingRows)
	var ie *model.IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, `{job="a}b"}`, ie.Stream)
}

func TestRejectionNamesOnlyStream(t *testing.T) {
	rec := &recorder{err: &client.StatusError{Code: http.StatusTooManyRequests, Body: "ingestion rate limit exceeded"}}
	enc := NewEncoder(rec, Options{}, nil, nil)
	_, err := enc.Insert(context.Background(), groupingRows[:2])
	var ie *model.IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, `{a="1"}`, ie.Stream)
	assert.Equal(t, http.StatusTooManyRequests, ie.Status)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("protobuf")
	require.NoError(t, err)
	assert.Equal(t, FormatProtobuf, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("msgpack")
	assert.Error(t, err)
}
