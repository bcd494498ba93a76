package scan

import (
	"bytes"
	"context"
	"encoding"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/model"
)

const (
	// PlanExecutePath is where workers accept encoded scan nodes.
	PlanExecutePath = "/loki/plan/execute"
	PlanContentType = "application/vnd.lokiduck.plan"
	// ErrorTrailer carries a failure that happened after the first batch
	// was written, as a JSON object keeping the error kind.
	ErrorTrailer = "X-Lokiduck-Error"
)

// Remote executes partitions on a worker process. The worker decodes the
// node with its own Loki client and streams Arrow IPC back.
type Remote struct {
	URL    string
	Client *http.Client
	Mem    memory.Allocator
}

// Execute ships plan, normally an *Exec, to the worker and reads the
// partition back.
func (r *Remote) Execute(ctx context.Context, plan encoding.BinaryMarshaler, partition int) (array.RecordReader, error) {
	body, err := plan.MarshalBinary()
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimSuffix(r.URL, "/") + PlanExecutePath)
	if err != nil {
		return nil, errors.Wrap(err, "worker url")
	}
	u.RawQuery = url.Values{"partition": {strconv.Itoa(partition)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", PlanContentType)
	hc := r.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "worker %s", r.URL)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, errors.Errorf("worker %s returned %d: %s", r.URL, resp.StatusCode, bytes.TrimSpace(msg))
	}
	mem := r.Mem
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	rdr, err := ipc.NewReader(resp.Body, ipc.WithAllocator(mem))
	if err != nil {
		_ = resp.Body.Close()
		return nil, errors.Wrap(err, "read worker stream")
	}
	rr := &remoteReader{Reader: rdr, resp: resp}
	rr.refs.Store(1)
	return rr, nil
}

type remoteReader struct {
	*ipc.Reader
	resp *http.Response
	refs atomic.Int64
	err  error
}

func (r *remoteReader) Next() bool {
	if r.Reader.Next() {
		return true
	}
	if r.err == nil {
		r.err = r.Reader.Err()
	}
	if r.err == nil {
		// trailers are only available once the body is drained
		_, _ = io.Copy(io.Discard, r.resp.Body)
		if msg := r.resp.Trailer.Get(ErrorTrailer); msg != "" {
			r.err = decodeTrailer(msg)
		}
	}
	return false
}

func (r *remoteReader) Err() error { return r.err }

func (r *remoteReader) Retain() { r.refs.Add(1) }

func (r *remoteReader) Release() {
	if r.refs.Add(-1) == 0 {
		r.Reader.Release()
		_ = r.resp.Body.Close()
	}
}

// WriteIPC streams every batch of rr to w, the worker side of Remote.
// A failure after the header was sent is reported in ErrorTrailer.
func WriteIPC(w http.ResponseWriter, rr array.RecordReader) error {
	w.Header().Set("Trailer", ErrorTrailer)
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	wr := ipc.NewWriter(w, ipc.WithSchema(rr.Schema()))
	for rr.Next() {
		if err := wr.Write(rr.Record()); err != nil {
			_ = wr.Close()
			return err
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	if err := wr.Close(); err != nil {
		return err
	}
	if err := rr.Err(); err != nil {
		w.Header().Set(ErrorTrailer, encodeTrailer(err))
	}
	return nil
}

func encodeTrailer(err error) string {
	var (
		ee  *model.ExecutionError
		de  *model.DecodeError
		se  *client.StatusError
		msg = err
	)
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		switch {
		case errors.As(err, &de):
			e.Field("kind", func(e *jx.Encoder) { e.Str("decode") })
			e.Field("page", func(e *jx.Encoder) { e.Int(de.Page) })
			msg = de.Err
		case errors.As(err, &ee):
			e.Field("kind", func(e *jx.Encoder) { e.Str("execution") })
			e.Field("query", func(e *jx.Encoder) { e.Str(ee.Query) })
			e.Field("page", func(e *jx.Encoder) { e.Int(ee.Page) })
			e.Field("rows", func(e *jx.Encoder) { e.Int64(ee.RowsYielded) })
			msg = ee.Err
		}
		if errors.As(err, &se) {
			e.Field("status", func(e *jx.Encoder) { e.Int(se.Code) })
			e.Field("body", func(e *jx.Encoder) { e.Str(se.Body) })
		} else if msg != nil {
			e.Field("msg", func(e *jx.Encoder) { e.Str(msg.Error()) })
		}
	})
	return e.String()
}

// decodeTrailer rebuilds the error written by encodeTrailer. Anything else
// comes back as a plain error.
func decodeTrailer(s string) error {
	var (
		kind, query, msg, body string
		page, status           int
		rows                   int64
	)
	err := jx.DecodeStr(s).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "kind":
			kind, err = d.Str()
		case "query":
			query, err = d.Str()
		case "msg":
			msg, err = d.Str()
		case "body":
			body, err = d.Str()
		case "page":
			page, err = d.Int()
		case "status":
			status, err = d.Int()
		case "rows":
			rows, err = d.Int64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return errors.New(s)
	}
	var cause error
	if status != 0 {
		cause = &client.StatusError{Code: status, Body: body}
	} else {
		cause = errors.New(msg)
	}
	switch kind {
	case "execution":
		return &model.ExecutionError{Query: query, Page: page, RowsYielded: rows, Err: cause}
	case "decode":
		return &model.DecodeError{Page: page, Err: cause}
	}
	return cause
}
