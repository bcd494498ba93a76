// Package expr holds the filter expressions a host engine hands to a Loki
// table.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expr is a boolean or scalar expression over one row.
type Expr interface {
	String() string
	expr()
}

// Column references a table column by name.
type Column struct {
	Name string
}

// Label reads one key of the labels column, labels['key'].
// It is NULL when the key is absent.
type Label struct {
	Key string
}

// Literal is a constant. Value is one of string, int64, float64, bool,
// time.Time or nil.
type Literal struct {
	Value any
}

type Op string

const (
	Eq Op = "="
	Ne Op = "!="
	Lt Op = "<"
	Le Op = "<="
	Gt Op = ">"
	Ge Op = ">="
)

// Flip returns the operator with both operands swapped.
func (o Op) Flip() Op {
	switch o {
	case Lt:
		return Gt
	case Le:
		return Ge
	case Gt:
		return Lt
	case Ge:
		return Le
	}
	return o
}

type Compare struct {
	Op    Op
	Left  Expr
	Right Expr
}

// Like is the SQL LIKE predicate. An empty Escape means backslash.
type Like struct {
	Expr    Expr
	Pattern Expr
	Escape  string
	Negated bool
}

// Regexp is an unanchored regular expression match.
type Regexp struct {
	Expr    Expr
	Pattern Expr
	Negated bool
}

type In struct {
	Expr    Expr
	Values  []Expr
	Negated bool
}

type IsNull struct {
	Expr    Expr
	Negated bool
}

type And struct {
	Left  Expr
	Right Expr
}

type Or struct {
	Left  Expr
	Right Expr
}

type Not struct {
	Expr Expr
}

func (Column) expr()  {}
func (Label) expr()   {}
func (Literal) expr() {}
func (Compare) expr() {}
func (Like) expr()    {}
func (Regexp) expr()  {}
func (In) expr()      {}
func (IsNull) expr()  {}
func (And) expr()     {}
func (Or) expr()      {}
func (Not) expr()     {}

func (c Column) String() string { return c.Name }

func (l Label) String() string { return "labels[" + quoteSQL(l.Key) + "]" }

func (l Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteSQL(v)
	case time.Time:
		return quoteSQL(v.UTC().Format(time.RFC3339Nano))
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return fmt.Sprint(l.Value)
}

func (c Compare) String() string {
	return c.Left.String() + " " + string(c.Op) + " " + c.Right.String()
}

func (l Like) String() string {
	op := " LIKE "
	if l.Negated {
		op = " NOT LIKE "
	}
	s := l.Expr.String() + op + l.Pattern.String()
	if l.Escape != "" && l.Escape != `\` {
		s += " ESCAPE " + quoteSQL(l.Escape)
	}
	return s
}

func (r Regexp) String() string {
	op := " REGEXP "
	if r.Negated {
		op = " NOT REGEXP "
	}
	return r.Expr.String() + op + r.Pattern.String()
}

func (in In) String() string {
	vals := make([]string, len(in.Values))
	for i, v := range in.Values {
		vals[i] = v.String()
	}
	op := " IN ("
	if in.Negated {
		op = " NOT IN ("
	}
	return in.Expr.String() + op + strings.Join(vals, ", ") + ")"
}

func (n IsNull) String() string {
	if n.Negated {
		return n.Expr.String() + " IS NOT NULL"
	}
	return n.Expr.String() + " IS NULL"
}

func (a And) String() string { return "(" + a.Left.String() + " AND " + a.Right.String() + ")" }

func (o Or) String() string { return "(" + o.Left.String() + " OR " + o.Right.String() + ")" }

func (n Not) String() string { return "NOT " + n.Expr.String() }

func quoteSQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Conjuncts flattens nested ANDs into a list of operands.
func Conjuncts(e Expr) []Expr {
	if a, ok := e.(And); ok {
		return append(Conjuncts(a.Left), Conjuncts(a.Right)...)
	}
	return []Expr{e}
}

// Columns returns the names of the table columns e references.
func Columns(e Expr) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	Walk(e, func(e Expr) {
		switch n := e.(type) {
		case Column:
			add(n.Name)
		case Label:
			add("labels")
		}
	})
	return out
}

// Walk calls fn for e and every expression below it.
func Walk(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch n := e.(type) {
	case Compare:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case Like:
		Walk(n.Expr, fn)
		Walk(n.Pattern, fn)
	case Regexp:
		Walk(n.Expr, fn)
		Walk(n.Pattern, fn)
	case In:
		Walk(n.Expr, fn)
		for _, v := range n.Values {
			Walk(v, fn)
		}
	case IsNull:
		Walk(n.Expr, fn)
	case And:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case Or:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case Not:
		Walk(n.Expr, fn)
	}
}
