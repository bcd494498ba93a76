package scan

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-kit/log"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/metrico/lokiduck/model"
)

// SchemaMarker identifies encoded Loki scan nodes.
const SchemaMarker = "lokiduck.scan.v1"

const (
	fieldMarker protowire.Number = iota + 1
	fieldQuery
	fieldStart
	fieldEnd
	fieldLimit
	fieldDirection
	fieldPartitions
	fieldProjection
	fieldPinned
	fieldPageSize
	fieldLookback
	fieldFormat
)

// MarshalBinary encodes the node in protobuf wire format. Fields are always
// written in the same order, so equal nodes encode to equal bytes.
func (e *Exec) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldMarker, protowire.BytesType)
	b = protowire.AppendString(b, SchemaMarker)
	b = protowire.AppendTag(b, fieldQuery, protowire.BytesType)
	b = protowire.AppendString(b, e.query.LogQL)
	if e.query.Start != nil {
		b = appendSint(b, fieldStart, *e.query.Start)
	}
	if e.query.End != nil {
		b = appendSint(b, fieldEnd, *e.query.End)
	}
	if e.query.Limit != nil {
		b = appendUint(b, fieldLimit, uint64(*e.query.Limit))
	}
	b = appendUint(b, fieldDirection, uint64(e.query.Direction))
	b = appendUint(b, fieldPartitions, uint64(e.opts.Partitions))
	if e.opts.Projection != nil {
		var packed []byte
		for _, idx := range e.opts.Projection {
			packed = protowire.AppendVarint(packed, uint64(idx))
		}
		b = protowire.AppendTag(b, fieldProjection, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if e.pinned >= 0 {
		b = appendUint(b, fieldPinned, uint64(e.pinned))
	}
	b = appendUint(b, fieldPageSize, uint64(e.opts.PageSize))
	b = appendSint(b, fieldLookback, int64(e.opts.Lookback))
	b = appendUint(b, fieldFormat, uint64(e.opts.Format))
	return b, nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, protowire.EncodeZigZag(v))
}

// Unmarshal decodes a node written by MarshalBinary. The transport is not
// part of the encoding and has to be supplied by the receiving side.
// Unknown fields are skipped.
func Unmarshal(b []byte, f Fetcher, logger log.Logger, m *Metrics) (*Exec, error) {
	var (
		q      model.Query
		opts   Options
		marker string
		pinned = -1
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "decode scan node")
		}
		b = b[n:]

		var err error
		switch num {
		case fieldMarker:
			marker, n, err = consumeString(b, typ)
		case fieldQuery:
			q.LogQL, n, err = consumeString(b, typ)
		case fieldStart:
			var v int64
			v, n, err = consumeSint(b, typ)
			q.Start = model.Int64(v)
		case fieldEnd:
			var v int64
			v, n, err = consumeSint(b, typ)
			q.End = model.Int64(v)
		case fieldLimit:
			var v uint64
			v, n, err = consumeUint(b, typ)
			q.Limit = model.Int64(int64(v))
		case fieldDirection:
			var v uint64
			v, n, err = consumeUint(b, typ)
			q.Direction = model.Direction(v)
		case fieldPartitions:
			var v uint64
			v, n, err = consumeUint(b, typ)
			opts.Partitions = int(v)
		case fieldProjection:
			opts.Projection, n, err = consumeProjection(b, typ)
		case fieldPinned:
			var v uint64
			v, n, err = consumeUint(b, typ)
			pinned = int(v)
		case fieldPageSize:
			var v uint64
			v, n, err = consumeUint(b, typ)
			opts.PageSize = int(v)
		case fieldLookback:
			var v int64
			v, n, err = consumeSint(b, typ)
			opts.Lookback = time.Duration(v)
		case fieldFormat:
			var v uint64
			v, n, err = consumeUint(b, typ)
			opts.Format = Format(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decode scan node field %d", num)
		}
		b = b[n:]
	}
	if marker != SchemaMarker {
		return nil, errors.Errorf("not a Loki scan node (marker %q)", marker)
	}
	if q.Direction > model.Forward {
		return nil, errors.Errorf("unknown direction %d", q.Direction)
	}
	e, err := New(q, opts, f, logger, m)
	if err != nil {
		return nil, err
	}
	if pinned >= 0 {
		return e.Pin(pinned)
	}
	return e, nil
}

func wrongType(typ protowire.Type) error {
	return errors.Errorf("unexpected wire type %d", typ)
}

func consumeString(b []byte, typ protowire.Type) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, wrongType(typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeUint(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wrongType(typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeSint(b []byte, typ protowire.Type) (int64, int, error) {
	v, n, err := consumeUint(b, typ)
	return protowire.DecodeZigZag(v), n, err
}

func consumeProjection(b []byte, typ protowire.Type) ([]int, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wrongType(typ)
	}
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	projection := []int{}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return nil, 0, protowire.ParseError(m)
		}
		projection = append(projection, int(v))
		packed = packed[m:]
	}
	return projection, n, nil
}
