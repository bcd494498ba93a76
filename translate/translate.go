// Package translate turns engine filters into a Loki query_range request and
// reports how exactly each filter is represented in it.
package translate

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/metrico/lokiduck/expr"
	"github.com/metrico/lokiduck/model"
)

// ErrNoSelector is returned when the filters select no stream and no
// default selector label is configured.
var ErrNoSelector = errors.New("query needs at least one label matcher and no default selector label is set")

var labelNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type Options struct {
	// DefaultSelectorLabel is matched with =~".+" when the filters carry no
	// matcher that rejects the empty string.
	DefaultSelectorLabel string
	Direction            model.Direction
}

type Result struct {
	Query          model.Query
	Classification model.Classification
	// Errors holds one TranslationError per filter that had to be rejected.
	Errors []error
}

// Translate builds the remote query for filters and limit. Each filter is
// classified on its own, so the verdict for a filter never depends on its
// siblings.
func Translate(filters []expr.Expr, limit *int64, opts Options) (*Result, error) {
	res := &Result{
		Classification: model.Classification{Filters: make([]model.PushDown, len(filters))},
	}
	b := newBuilder()
	for i, f := range filters {
		frag, pd, err := translateFilter(f)
		res.Classification.Filters[i] = pd
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		b.merge(frag)
	}
	if !b.selective() {
		if opts.DefaultSelectorLabel == "" {
			return nil, ErrNoSelector
		}
		m, err := labels.NewMatcher(labels.MatchRegexp, opts.DefaultSelectorLabel, ".+")
		if err != nil {
			return nil, errors.Wrap(err, "default selector")
		}
		b.addMatcher(m)
	}

	res.Query = model.Query{
		LogQL:     b.logQL(),
		Start:     b.start,
		End:       b.end,
		Direction: opts.Direction,
	}
	switch {
	case limit == nil || *limit < 0:
		res.Classification.Limit = model.Unsupported
	case res.Classification.AllExact():
		res.Query.Limit = model.Int64(*limit)
		res.Classification.Limit = model.Exact
	default:
		// Loki still gets the limit as a volume bound; the engine has to
		// re-apply it after re-checking the inexact filters.
		res.Query.Limit = model.Int64(*limit)
		res.Classification.Limit = model.Inexact
	}
	return res, nil
}

// Classify reports how filter would be pushed down.
func Classify(filter expr.Expr) model.PushDown {
	_, pd, _ := translateFilter(filter)
	return pd
}

// ClassifyAll classifies filters and the limit without building a query.
func ClassifyAll(filters []expr.Expr, limit *int64) model.Classification {
	c := model.Classification{Filters: make([]model.PushDown, len(filters))}
	for i, f := range filters {
		c.Filters[i] = Classify(f)
	}
	switch {
	case limit == nil || *limit < 0:
		c.Limit = model.Unsupported
	case c.AllExact():
		c.Limit = model.Exact
	default:
		c.Limit = model.Inexact
	}
	return c
}

type lineFilter struct {
	op    string
	value string
}

func (l lineFilter) String() string {
	return l.op + " " + strconv.Quote(l.value)
}

// fragment collects what a single filter contributes to the query.
type fragment struct {
	matchers []*labels.Matcher
	lines    []lineFilter
	start    *int64
	end      *int64
}

func translateFilter(e expr.Expr) (*fragment, model.PushDown, error) {
	f := &fragment{}
	pd, err := f.add(e)
	if err != nil {
		return nil, model.Unsupported, &model.TranslationError{Filter: e.String(), Err: err}
	}
	return f, pd, nil
}

func (f *fragment) add(e expr.Expr) (model.PushDown, error) {
	switch n := e.(type) {
	case expr.And:
		l, err := f.add(n.Left)
		if err != nil {
			return model.Unsupported, err
		}
		r, err := f.add(n.Right)
		if err != nil {
			return model.Unsupported, err
		}
		return combine(l, r), nil
	case expr.Compare:
		return f.compare(n)
	case expr.Like:
		return f.like(n)
	case expr.Regexp:
		return f.regexp(n)
	case expr.In:
		return f.in(n)
	case expr.IsNull:
		return f.isNull(n)
	}
	return model.Unsupported, nil
}

func combine(l, r model.PushDown) model.PushDown {
	switch {
	case l == model.Exact && r == model.Exact:
		return model.Exact
	case l == model.Unsupported && r == model.Unsupported:
		return model.Unsupported
	}
	return model.Inexact
}

func (f *fragment) matcher(t labels.MatchType, name, value string) error {
	m, err := labels.NewMatcher(t, name, value)
	if err != nil {
		return err
	}
	f.matchers = append(f.matchers, m)
	return nil
}

// present requires the label to exist, which is what SQL's NULL handling
// gives for a missing map key.
func (f *fragment) present(name string) error {
	return f.matcher(labels.MatchRegexp, name, ".+")
}

func (f *fragment) compare(c expr.Compare) (model.PushDown, error) {
	left, right, op := c.Left, c.Right, c.Op
	if _, ok := left.(expr.Literal); ok {
		left, right, op = right, left, op.Flip()
	}
	lit, ok := right.(expr.Literal)
	if !ok || lit.Value == nil {
		return model.Unsupported, nil
	}
	switch l := left.(type) {
	case expr.Column:
		if l.Name == model.ColumnTimestamp {
			return f.timeBound(op, lit)
		}
	case expr.Label:
		return f.labelCompare(l.Key, op, lit)
	}
	return model.Unsupported, nil
}

func (f *fragment) timeBound(op expr.Op, lit expr.Literal) (model.PushDown, error) {
	if op == expr.Ne {
		return model.Unsupported, nil
	}
	ts, err := model.ParseTimestamp(lit.Value)
	if err != nil {
		return model.Unsupported, err
	}
	next := func() int64 {
		if ts == math.MaxInt64 {
			return ts
		}
		return ts + 1
	}
	switch op {
	case expr.Gt:
		f.setStart(next())
		if ts == math.MaxInt64 {
			f.setEnd(ts)
		}
	case expr.Ge:
		f.setStart(ts)
	case expr.Lt:
		f.setEnd(ts)
	case expr.Le:
		if ts != math.MaxInt64 {
			f.setEnd(ts + 1)
		}
	case expr.Eq:
		f.setStart(ts)
		if ts == math.MaxInt64 {
			f.setEnd(ts)
		} else {
			f.setEnd(ts + 1)
		}
	}
	return model.Exact, nil
}

func (f *fragment) setStart(v int64) {
	if f.start == nil || v > *f.start {
		f.start = model.Int64(v)
	}
}

func (f *fragment) setEnd(v int64) {
	if f.end == nil || v < *f.end {
		f.end = model.Int64(v)
	}
}

func labelName(name string) error {
	if !labelNameRe.MatchString(name) {
		return errors.Errorf("invalid label name %q", name)
	}
	return nil
}

func (f *fragment) labelCompare(name string, op expr.Op, lit expr.Literal) (model.PushDown, error) {
	value, ok := lit.Value.(string)
	if !ok || (op != expr.Eq && op != expr.Ne) {
		return model.Unsupported, nil
	}
	if err := labelName(name); err != nil {
		return model.Unsupported, err
	}
	if op == expr.Eq {
		if err := f.matcher(labels.MatchEqual, name, value); err != nil {
			return model.Unsupported, err
		}
		if value == "" {
			// Loki matches streams without the label, SQL yields NULL there.
			return model.Inexact, nil
		}
		return model.Exact, nil
	}
	if value != "" {
		if err := f.matcher(labels.MatchNotEqual, name, value); err != nil {
			return model.Unsupported, err
		}
	}
	if err := f.present(name); err != nil {
		return model.Unsupported, err
	}
	return model.Exact, nil
}

func (f *fragment) like(l expr.Like) (model.PushDown, error) {
	if l.Negated {
		return model.Unsupported, nil
	}
	lit, ok := l.Pattern.(expr.Literal)
	if !ok {
		return model.Unsupported, nil
	}
	pattern, ok := lit.Value.(string)
	if !ok {
		return model.Unsupported, nil
	}
	switch subject := l.Expr.(type) {
	case expr.Column:
		if subject.Name != model.ColumnLine {
			return model.Unsupported, nil
		}
		tokens, err := expr.ParseLike(pattern, l.Escape)
		if err != nil {
			return model.Unsupported, err
		}
		return f.lineLike(tokens), nil
	case expr.Label:
		if err := labelName(subject.Key); err != nil {
			return model.Unsupported, err
		}
		re, err := expr.LikeRegexp(pattern, l.Escape)
		if err != nil {
			return model.Unsupported, err
		}
		// matchers are anchored, drop ^ and $
		src := strings.TrimSuffix(strings.TrimPrefix(re.String(), "(?s)^"), "$")
		if err := f.matcher(labels.MatchRegexp, subject.Key, "(?s)"+src); err != nil {
			return model.Unsupported, err
		}
		if err := f.present(subject.Key); err != nil {
			return model.Unsupported, err
		}
		return model.Exact, nil
	}
	return model.Unsupported, nil
}

func (f *fragment) lineLike(tokens []expr.Token) model.PushDown {
	var (
		texts []string
		one   bool
	)
	for _, t := range tokens {
		switch t.Kind {
		case expr.TokenText:
			texts = append(texts, t.Text)
		case expr.TokenOne:
			one = true
		}
	}
	if len(texts) == 0 {
		if !one && len(tokens) > 0 {
			// only %: every line matches
			return model.Exact
		}
		return model.Unsupported
	}

	if !one && len(texts) == 1 {
		lead := tokens[0].Kind == expr.TokenAny
		trail := tokens[len(tokens)-1].Kind == expr.TokenAny
		text := texts[0]
		switch {
		case lead && trail:
			f.lines = append(f.lines, lineFilter{op: "|=", value: text})
		case trail:
			f.lines = append(f.lines, lineFilter{op: "|~", value: "^" + regexp.QuoteMeta(text)})
		case lead:
			f.lines = append(f.lines, lineFilter{op: "|~", value: regexp.QuoteMeta(text) + "$"})
		default:
			f.lines = append(f.lines, lineFilter{op: "|~", value: "^" + regexp.QuoteMeta(text) + "$"})
		}
		return model.Exact
	}

	// Each literal run must occur in a matching line, but substring filters
	// lose the ordering and the single character wildcards.
	for _, text := range texts {
		f.lines = append(f.lines, lineFilter{op: "|=", value: text})
	}
	return model.Inexact
}

func (f *fragment) regexp(r expr.Regexp) (model.PushDown, error) {
	label, ok := r.Expr.(expr.Label)
	if !ok {
		return model.Unsupported, nil
	}
	lit, ok := r.Pattern.(expr.Literal)
	if !ok {
		return model.Unsupported, nil
	}
	pattern, ok := lit.Value.(string)
	if !ok {
		return model.Unsupported, nil
	}
	if err := labelName(label.Key); err != nil {
		return model.Unsupported, err
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return model.Unsupported, err
	}
	t := labels.MatchRegexp
	if r.Negated {
		t = labels.MatchNotRegexp
	}
	if err := f.matcher(t, label.Key, "(?s).*(?:"+pattern+").*"); err != nil {
		return model.Unsupported, err
	}
	if err := f.present(label.Key); err != nil {
		return model.Unsupported, err
	}
	return model.Exact, nil
}

func (f *fragment) in(in expr.In) (model.PushDown, error) {
	label, ok := in.Expr.(expr.Label)
	if !ok || len(in.Values) == 0 {
		return model.Unsupported, nil
	}
	alts := make([]string, 0, len(in.Values))
	hasEmpty := false
	for _, v := range in.Values {
		lit, ok := v.(expr.Literal)
		if !ok {
			return model.Unsupported, nil
		}
		s, ok := lit.Value.(string)
		if !ok {
			return model.Unsupported, nil
		}
		hasEmpty = hasEmpty || s == ""
		alts = append(alts, regexp.QuoteMeta(s))
	}
	if err := labelName(label.Key); err != nil {
		return model.Unsupported, err
	}
	pattern := strings.Join(alts, "|")
	if in.Negated {
		if err := f.matcher(labels.MatchNotRegexp, label.Key, pattern); err != nil {
			return model.Unsupported, err
		}
		if err := f.present(label.Key); err != nil {
			return model.Unsupported, err
		}
		return model.Exact, nil
	}
	if err := f.matcher(labels.MatchRegexp, label.Key, pattern); err != nil {
		return model.Unsupported, err
	}
	if hasEmpty {
		return model.Inexact, nil
	}
	return model.Exact, nil
}

func (f *fragment) isNull(n expr.IsNull) (model.PushDown, error) {
	switch subject := n.Expr.(type) {
	case expr.Label:
		if err := labelName(subject.Key); err != nil {
			return model.Unsupported, err
		}
		if n.Negated {
			return model.Exact, f.present(subject.Key)
		}
		return model.Exact, f.matcher(labels.MatchEqual, subject.Key, "")
	case expr.Column:
		if n.Negated && model.ColumnIndex(subject.Name) >= 0 {
			// columns are never null
			return model.Exact, nil
		}
	}
	return model.Unsupported, nil
}

// builder merges fragments into a single query.
type builder struct {
	matchers []*labels.Matcher
	seen     map[string]bool
	lines    []lineFilter
	start    *int64
	end      *int64
}

func newBuilder() *builder {
	return &builder{seen: map[string]bool{}}
}

func (b *builder) addMatcher(m *labels.Matcher) {
	key := m.String()
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.matchers = append(b.matchers, m)
}

func (b *builder) merge(f *fragment) {
	for _, m := range f.matchers {
		b.addMatcher(m)
	}
	for _, l := range f.lines {
		key := "line" + l.String()
		if b.seen[key] {
			continue
		}
		b.seen[key] = true
		b.lines = append(b.lines, l)
	}
	if f.start != nil && (b.start == nil || *f.start > *b.start) {
		b.start = model.Int64(*f.start)
	}
	if f.end != nil && (b.end == nil || *f.end < *b.end) {
		b.end = model.Int64(*f.end)
	}
}

// selective reports whether some matcher rejects the empty value, which
// Loki requires of every stream selector.
func (b *builder) selective() bool {
	for _, m := range b.matchers {
		if !m.Matches("") {
			return true
		}
	}
	return false
}

func (b *builder) logQL() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, m := range b.matchers {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(m.String())
	}
	sb.WriteByte('}')
	for _, l := range b.lines {
		sb.WriteByte(' ')
		sb.WriteString(l.String())
	}
	return sb.String()
}
