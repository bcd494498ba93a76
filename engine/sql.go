package engine

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/xwb1989/sqlparser"

	"github.com/metrico/lokiduck/expr"
	"github.com/metrico/lokiduck/model"
)

// labels['k'] is not MySQL syntax, so it is rewritten into a function call
// the parser understands.
var labelIndex = regexp.MustCompile(`(?i)\blabels\s*\[\s*('(?:[^'\\]|''|\\.)*')\s*\]`)

func parse(sql string) (sqlparser.Statement, error) {
	sql = labelIndex.ReplaceAllString(sql, "map_get(labels, $1)")
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, errors.Wrap(err, "parse sql")
	}
	return stmt, nil
}

var comparisonOps = map[string]expr.Op{
	sqlparser.EqualStr:        expr.Eq,
	sqlparser.NotEqualStr:     expr.Ne,
	sqlparser.LessThanStr:     expr.Lt,
	sqlparser.LessEqualStr:    expr.Le,
	sqlparser.GreaterThanStr:  expr.Gt,
	sqlparser.GreaterEqualStr: expr.Ge,
}

// convert maps a parsed SQL expression onto the filter expressions tables
// understand.
func convert(e sqlparser.Expr) (expr.Expr, error) {
	switch n := e.(type) {
	case *sqlparser.ParenExpr:
		return convert(n.Expr)
	case *sqlparser.AndExpr:
		l, r, err := convertPair(n.Left, n.Right)
		if err != nil {
			return nil, err
		}
		return expr.And{Left: l, Right: r}, nil
	case *sqlparser.OrExpr:
		l, r, err := convertPair(n.Left, n.Right)
		if err != nil {
			return nil, err
		}
		return expr.Or{Left: l, Right: r}, nil
	case *sqlparser.NotExpr:
		inner, err := convert(n.Expr)
		if err != nil {
			return nil, err
		}
		return expr.Not{Expr: inner}, nil
	case *sqlparser.ComparisonExpr:
		return convertComparison(n)
	case *sqlparser.RangeCond:
		return convertRange(n)
	case *sqlparser.IsExpr:
		inner, err := convert(n.Expr)
		if err != nil {
			return nil, err
		}
		switch n.Operator {
		case sqlparser.IsNullStr:
			return expr.IsNull{Expr: inner}, nil
		case sqlparser.IsNotNullStr:
			return expr.IsNull{Expr: inner, Negated: true}, nil
		}
		return nil, errors.Errorf("unsupported %s", n.Operator)
	case *sqlparser.ColName:
		name := n.Name.Lowered()
		if model.ColumnIndex(name) < 0 {
			return nil, errors.Errorf("unknown column %q", n.Name.String())
		}
		return expr.Column{Name: name}, nil
	case *sqlparser.FuncExpr:
		return convertFunc(n)
	case *sqlparser.SQLVal, *sqlparser.NullVal, sqlparser.BoolVal, *sqlparser.UnaryExpr:
		v, err := literal(e)
		if err != nil {
			return nil, err
		}
		return expr.Literal{Value: v}, nil
	}
	return nil, errors.Errorf("unsupported expression %s", sqlparser.String(e))
}

func convertPair(l, r sqlparser.Expr) (expr.Expr, expr.Expr, error) {
	left, err := convert(l)
	if err != nil {
		return nil, nil, err
	}
	right, err := convert(r)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func convertComparison(n *sqlparser.ComparisonExpr) (expr.Expr, error) {
	left, err := convert(n.Left)
	if err != nil {
		return nil, err
	}
	switch n.Operator {
	case sqlparser.InStr, sqlparser.NotInStr:
		tuple, ok := n.Right.(sqlparser.ValTuple)
		if !ok {
			return nil, errors.Errorf("IN needs a value list, got %s", sqlparser.String(n.Right))
		}
		in := expr.In{Expr: left, Negated: n.Operator == sqlparser.NotInStr}
		for _, v := range tuple {
			c, err := convert(v)
			if err != nil {
				return nil, err
			}
			in.Values = append(in.Values, c)
		}
		return in, nil
	}

	right, err := convert(n.Right)
	if err != nil {
		return nil, err
	}
	if op, ok := comparisonOps[n.Operator]; ok {
		return expr.Compare{Op: op, Left: left, Right: right}, nil
	}
	switch n.Operator {
	case sqlparser.LikeStr, sqlparser.NotLikeStr:
		l := expr.Like{Expr: left, Pattern: right, Negated: n.Operator == sqlparser.NotLikeStr}
		if n.Escape != nil {
			esc, err := literal(n.Escape)
			if err != nil {
				return nil, err
			}
			s, ok := esc.(string)
			if !ok {
				return nil, errors.Errorf("ESCAPE needs a string, got %s", sqlparser.String(n.Escape))
			}
			l.Escape = s
		}
		return l, nil
	case sqlparser.RegexpStr, sqlparser.NotRegexpStr:
		return expr.Regexp{Expr: left, Pattern: right, Negated: n.Operator == sqlparser.NotRegexpStr}, nil
	}
	return nil, errors.Errorf("unsupported operator %s", n.Operator)
}

// convertRange expands BETWEEN into the two comparisons it stands for.
func convertRange(n *sqlparser.RangeCond) (expr.Expr, error) {
	left, err := convert(n.Left)
	if err != nil {
		return nil, err
	}
	from, to, err := convertPair(n.From, n.To)
	if err != nil {
		return nil, err
	}
	between := expr.And{
		Left:  expr.Compare{Op: expr.Ge, Left: left, Right: from},
		Right: expr.Compare{Op: expr.Le, Left: left, Right: to},
	}
	if n.Operator == sqlparser.NotBetweenStr {
		return expr.Not{Expr: between}, nil
	}
	return between, nil
}

func convertFunc(n *sqlparser.FuncExpr) (expr.Expr, error) {
	switch n.Name.Lowered() {
	case "map_get", "element_at":
		args, err := funcArgs(n)
		if err != nil {
			return nil, err
		}
		if len(args) != 2 {
			return nil, errors.Errorf("%s takes 2 arguments", n.Name.String())
		}
		col, ok := args[0].(*sqlparser.ColName)
		if !ok || col.Name.Lowered() != model.ColumnLabels {
			return nil, errors.Errorf("%s works on the %s column only", n.Name.String(), model.ColumnLabels)
		}
		key, err := literal(args[1])
		if err != nil {
			return nil, err
		}
		k, ok := key.(string)
		if !ok {
			return nil, errors.Errorf("label key must be a string, got %s", sqlparser.String(args[1]))
		}
		return expr.Label{Key: k}, nil
	case "now", "current_timestamp":
		return expr.Literal{Value: time.Now().UTC()}, nil
	}
	return nil, errors.Errorf("unsupported function %s", n.Name.String())
}

func funcArgs(n *sqlparser.FuncExpr) ([]sqlparser.Expr, error) {
	args := make([]sqlparser.Expr, 0, len(n.Exprs))
	for _, se := range n.Exprs {
		ae, ok := se.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, errors.Errorf("unsupported argument %s", sqlparser.String(se))
		}
		args = append(args, ae.Expr)
	}
	return args, nil
}

// literal evaluates a constant expression.
func literal(e sqlparser.Expr) (any, error) {
	switch n := e.(type) {
	case *sqlparser.SQLVal:
		switch n.Type {
		case sqlparser.StrVal:
			return string(n.Val), nil
		case sqlparser.IntVal:
			v, err := strconv.ParseInt(string(n.Val), 10, 64)
			if err != nil {
				return nil, errors.Wrap(err, "integer literal")
			}
			return v, nil
		case sqlparser.FloatVal:
			v, err := strconv.ParseFloat(string(n.Val), 64)
			if err != nil {
				return nil, errors.Wrap(err, "float literal")
			}
			return v, nil
		}
		return nil, errors.Errorf("unsupported literal %s", sqlparser.String(n))
	case *sqlparser.NullVal:
		return nil, nil
	case sqlparser.BoolVal:
		return bool(n), nil
	case *sqlparser.ParenExpr:
		return literal(n.Expr)
	case *sqlparser.UnaryExpr:
		if n.Operator != sqlparser.UMinusStr {
			break
		}
		v, err := literal(n.Expr)
		if err != nil {
			return nil, err
		}
		switch x := v.(type) {
		case int64:
			return -x, nil
		case float64:
			return -x, nil
		}
	case *sqlparser.FuncExpr:
		c, err := convert(e)
		if err != nil {
			return nil, err
		}
		if lit, ok := c.(expr.Literal); ok {
			return lit.Value, nil
		}
	}
	return nil, errors.Errorf("not a constant: %s", sqlparser.String(e))
}

func intLiteral(e sqlparser.Expr, what string) (int64, error) {
	v, err := literal(e)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, errors.Errorf("%s must be a non-negative integer, got %s", what, sqlparser.String(e))
	}
	return n, nil
}

func tableName(te sqlparser.TableExprs) (string, error) {
	if len(te) != 1 {
		return "", errors.New("exactly one table is supported")
	}
	at, ok := te[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return "", errors.Errorf("unsupported FROM %s", sqlparser.String(te))
	}
	tn, ok := at.Expr.(sqlparser.TableName)
	if !ok {
		return "", errors.Errorf("unsupported FROM %s", sqlparser.String(te))
	}
	return strings.ToLower(tn.Name.String()), nil
}
