package engine

import (
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	exprlang "github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-faster/errors"

	"github.com/metrico/lokiduck/expr"
	"github.com/metrico/lokiduck/model"
)

// Row fields as seen by filter programs.
const (
	envTimestamp = "row_timestamp"
	envLabels    = "row_labels"
	envLine      = "row_line"
)

// filter evaluates the conjunction of the filters a table did not
// guarantee, with SQL NULL semantics: a row passes only if the result is
// true.
type filter struct {
	program *vm.Program
	env     map[string]any
}

func compileFilter(filters []expr.Expr) (*filter, error) {
	if len(filters) == 0 {
		return &filter{}, nil
	}
	c := &compiler{env: map[string]any{
		envTimestamp: int64(0),
		envLabels:    map[string]string{},
		envLine:      "",
	}}
	var src string
	for i, f := range filters {
		part, err := c.compile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "compile %s", f)
		}
		if i == 0 {
			src = part
		} else {
			src = "and3(" + src + ", " + part + ")"
		}
	}
	opts := append([]exprlang.Option{exprlang.Env(c.env)}, functions...)
	program, err := exprlang.Compile(src, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "compile %s", src)
	}
	return &filter{program: program, env: c.env}, nil
}

// clone returns a filter sharing the program with its own row env.
func (f *filter) clone() *filter {
	return &filter{program: f.program, env: maps.Clone(f.env)}
}

// match is not safe for concurrent use, see clone.
func (f *filter) match(r model.Row) (bool, error) {
	if f.program == nil {
		return true, nil
	}
	f.env[envTimestamp] = r.Timestamp
	f.env[envLabels] = r.Labels.Map()
	f.env[envLine] = r.Line
	out, err := vm.Run(f.program, f.env)
	if err != nil {
		return false, err
	}
	return out == true, nil
}

type compiler struct {
	env  map[string]any
	lits int
}

func (c *compiler) literal(v any) string {
	if v == nil {
		return "nil"
	}
	name := fmt.Sprintf("lit%d", c.lits)
	c.lits++
	if t, ok := v.(time.Time); ok {
		v = t.UnixNano()
	}
	if i, ok := v.(int); ok {
		v = int64(i)
	}
	c.env[name] = v
	return name
}

func (c *compiler) compile(e expr.Expr) (string, error) {
	switch n := e.(type) {
	case expr.Column:
		switch n.Name {
		case model.ColumnTimestamp:
			return envTimestamp, nil
		case model.ColumnLabels:
			return envLabels, nil
		case model.ColumnLine:
			return envLine, nil
		}
		return "", errors.Errorf("unknown column %q", n.Name)
	case expr.Label:
		return "label(" + envLabels + ", " + c.literal(n.Key) + ")", nil
	case expr.Literal:
		return c.literal(n.Value), nil
	case expr.Compare:
		l, r, err := c.comparands(n.Left, n.Right)
		if err != nil {
			return "", err
		}
		return "cmp(" + c.literal(string(n.Op)) + ", " + l + ", " + r + ")", nil
	case expr.Like:
		v, p, err := c.pair(n.Expr, n.Pattern)
		if err != nil {
			return "", err
		}
		return negate("like("+v+", "+p+", "+c.literal(n.Escape)+")", n.Negated), nil
	case expr.Regexp:
		v, p, err := c.pair(n.Expr, n.Pattern)
		if err != nil {
			return "", err
		}
		return negate("regexp_like("+v+", "+p+")", n.Negated), nil
	case expr.In:
		v, err := c.compile(n.Expr)
		if err != nil {
			return "", err
		}
		items := make([]string, len(n.Values))
		for i, item := range n.Values {
			if items[i], err = c.compile(item); err != nil {
				return "", err
			}
		}
		return negate("in_list("+v+", ["+strings.Join(items, ", ")+"])", n.Negated), nil
	case expr.IsNull:
		v, err := c.compile(n.Expr)
		if err != nil {
			return "", err
		}
		return negate("is_null("+v+")", n.Negated), nil
	case expr.And:
		l, r, err := c.pair(n.Left, n.Right)
		if err != nil {
			return "", err
		}
		return "and3(" + l + ", " + r + ")", nil
	case expr.Or:
		l, r, err := c.pair(n.Left, n.Right)
		if err != nil {
			return "", err
		}
		return "or3(" + l + ", " + r + ")", nil
	case expr.Not:
		v, err := c.compile(n.Expr)
		if err != nil {
			return "", err
		}
		return "not3(" + v + ")", nil
	}
	return "", errors.Errorf("unsupported expression %T", e)
}

func (c *compiler) pair(a, b expr.Expr) (string, string, error) {
	l, err := c.compile(a)
	if err != nil {
		return "", "", err
	}
	r, err := c.compile(b)
	if err != nil {
		return "", "", err
	}
	return l, r, nil
}

// comparands compiles both sides of a comparison. A literal compared with
// the timestamp column is converted to nanoseconds up front.
func (c *compiler) comparands(a, b expr.Expr) (string, string, error) {
	coerce := func(col, other expr.Expr) (expr.Expr, error) {
		if cl, ok := col.(expr.Column); !ok || cl.Name != model.ColumnTimestamp {
			return other, nil
		}
		lit, ok := other.(expr.Literal)
		if !ok || lit.Value == nil {
			return other, nil
		}
		ts, err := model.ParseTimestamp(lit.Value)
		if err != nil {
			return nil, err
		}
		return expr.Literal{Value: ts}, nil
	}
	var err error
	if b, err = coerce(a, b); err != nil {
		return "", "", err
	}
	if a, err = coerce(b, a); err != nil {
		return "", "", err
	}
	return c.pair(a, b)
}

func negate(src string, negated bool) string {
	if negated {
		return "not3(" + src + ")"
	}
	return src
}

var functions = []exprlang.Option{
	exprlang.Function("label", func(params ...any) (any, error) {
		m, _ := params[0].(map[string]string)
		key, _ := params[1].(string)
		if v, ok := m[key]; ok && v != "" {
			return v, nil
		}
		return nil, nil
	}),
	exprlang.Function("cmp", func(params ...any) (any, error) {
		op, _ := params[0].(string)
		return compareOp(expr.Op(op), params[1], params[2]), nil
	}),
	exprlang.Function("like", func(params ...any) (any, error) {
		v, p, esc := params[0], params[1], params[2]
		if v == nil || p == nil {
			return nil, nil
		}
		e, _ := esc.(string)
		re, err := likeCache.get(toString(p), e)
		if err != nil {
			return nil, err
		}
		return re.MatchString(toString(v)), nil
	}),
	exprlang.Function("regexp_like", func(params ...any) (any, error) {
		v, p := params[0], params[1]
		if v == nil || p == nil {
			return nil, nil
		}
		re, err := regexpCache.get(toString(p), "")
		if err != nil {
			return nil, err
		}
		return re.MatchString(toString(v)), nil
	}),
	exprlang.Function("in_list", func(params ...any) (any, error) {
		v := params[0]
		if v == nil {
			return nil, nil
		}
		list, _ := params[1].([]any)
		sawNull := false
		for _, item := range list {
			if item == nil {
				sawNull = true
				continue
			}
			if compareOp(expr.Eq, v, item) == true {
				return true, nil
			}
		}
		if sawNull {
			return nil, nil
		}
		return false, nil
	}),
	exprlang.Function("is_null", func(params ...any) (any, error) {
		return params[0] == nil, nil
	}),
	exprlang.Function("and3", func(params ...any) (any, error) {
		l, r := params[0], params[1]
		if l == false || r == false {
			return false, nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		return true, nil
	}),
	exprlang.Function("or3", func(params ...any) (any, error) {
		l, r := params[0], params[1]
		if l == true || r == true {
			return true, nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		return false, nil
	}),
	exprlang.Function("not3", func(params ...any) (any, error) {
		if b, ok := params[0].(bool); ok {
			return !b, nil
		}
		return nil, nil
	}),
}

// compareOp returns true, false or nil when either side is NULL or the
// values are not comparable.
func compareOp(op expr.Op, a, b any) any {
	c, ok := compareValues(a, b)
	if !ok {
		return nil
	}
	switch op {
	case expr.Eq:
		return c == 0
	case expr.Ne:
		return c != 0
	case expr.Lt:
		return c < 0
	case expr.Le:
		return c <= 0
	case expr.Gt:
		return c > 0
	case expr.Ge:
		return c >= 0
	}
	return nil
}

func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			}
			return 1, true
		}
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
	}
	// mixed kinds compare as numbers, label values included
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	}
	return fmt.Sprint(v)
}

type patternCache struct {
	like bool
	m    sync.Map
}

var (
	likeCache   = &patternCache{like: true}
	regexpCache = &patternCache{}
)

func (c *patternCache) get(pattern, escape string) (*regexp.Regexp, error) {
	key := escape + "\x00" + pattern
	if re, ok := c.m.Load(key); ok {
		return re.(*regexp.Regexp), nil
	}
	var (
		re  *regexp.Regexp
		err error
	)
	if c.like {
		re, err = expr.LikeRegexp(pattern, escape)
	} else {
		re, err = regexp.Compile(pattern)
	}
	if err != nil {
		return nil, err
	}
	c.m.Store(key, re)
	return re, nil
}
