package root

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/metrico/lokiduck/engine"
	"github.com/metrico/lokiduck/utils"
)

var ErrEmptyQuery = errors.New("length of query is empty")

// QueryOperation runs a statement and renders its result. A FORMAT clause in
// the statement overrides defaultFormat. It returns the body and its
// content type.
func QueryOperation(ctx context.Context, s *engine.Session, query string, defaultFormat string) (string, string, error) {
	cleanQuery, format := utils.ExtractAndRemoveFormat(strings.TrimSpace(query))
	if format == "" {
		format = defaultFormat
	}
	if cleanQuery == "" {
		return "", "", ErrEmptyQuery
	}

	res, err := s.Exec(ctx, cleanQuery)
	if err != nil {
		return "", "", err
	}
	defer res.Release()
	body, err := utils.FormatResult(res, format, uuid.NewString())
	if err != nil {
		return "", "", err
	}
	return body, utils.ContentType(format), nil
}
