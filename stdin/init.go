// Package stdin runs statements read from a stream or a script file and
// prints their results.
package stdin

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-faster/errors"
	"github.com/xwb1989/sqlparser"

	"github.com/metrico/lokiduck/controller/root"
	"github.com/metrico/lokiduck/engine"
	"github.com/metrico/lokiduck/model"
)

// Run executes every statement read from r, separated by semicolons, and
// writes each result to w.
func Run(ctx context.Context, s *engine.Session, r io.Reader, w io.Writer, defaultFormat string) error {
	content, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "read statements")
	}
	statements, err := sqlparser.SplitStatementToPieces(string(content))
	if err != nil {
		return errors.Wrap(err, "split statements")
	}
	return runAll(ctx, s, statements, w, defaultFormat)
}

// RunScript executes the onStart statements, then the queries of cfg.
func RunScript(ctx context.Context, s *engine.Session, cfg *model.Config, w io.Writer, defaultFormat string) error {
	if err := runAll(ctx, s, cfg.OnStart.Queries, w, defaultFormat); err != nil {
		return errors.Wrap(err, "onStart")
	}
	return runAll(ctx, s, cfg.Queries, w, defaultFormat)
}

func runAll(ctx context.Context, s *engine.Session, statements []string, w io.Writer, defaultFormat string) error {
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		out, _, err := root.QueryOperation(ctx, s, stmt, defaultFormat)
		if err != nil {
			return errors.Wrapf(err, "execute %q", stmt)
		}
		if _, err := fmt.Fprintln(w, strings.TrimSuffix(out, "\n")); err != nil {
			return err
		}
	}
	return nil
}
