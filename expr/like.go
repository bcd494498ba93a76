package expr

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

type TokenKind uint8

const (
	TokenText TokenKind = iota
	TokenAny            // %
	TokenOne            // _
)

type Token struct {
	Kind TokenKind
	Text string
}

// ParseLike splits a LIKE pattern into literal runs and wildcards. Adjacent
// % wildcards collapse into one token.
func ParseLike(pattern, escape string) ([]Token, error) {
	esc := '\\'
	if escape != "" {
		r, size := utf8.DecodeRuneInString(escape)
		if size != len(escape) {
			return nil, fmt.Errorf("escape must be a single character, got %q", escape)
		}
		esc = r
	}
	var (
		tokens  []Token
		text    strings.Builder
		escaped bool
	)
	flush := func() {
		if text.Len() > 0 {
			tokens = append(tokens, Token{Kind: TokenText, Text: text.String()})
			text.Reset()
		}
	}
	for _, r := range pattern {
		switch {
		case escaped:
			text.WriteRune(r)
			escaped = false
		case r == esc:
			escaped = true
		case r == '%':
			flush()
			if len(tokens) == 0 || tokens[len(tokens)-1].Kind != TokenAny {
				tokens = append(tokens, Token{Kind: TokenAny})
			}
		case r == '_':
			flush()
			tokens = append(tokens, Token{Kind: TokenOne})
		default:
			text.WriteRune(r)
		}
	}
	if escaped {
		return nil, fmt.Errorf("pattern %q ends with escape character", pattern)
	}
	flush()
	return tokens, nil
}

// LikeRegexp compiles a LIKE pattern into an anchored regular expression.
func LikeRegexp(pattern, escape string) (*regexp.Regexp, error) {
	tokens, err := ParseLike(pattern, escape)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, t := range tokens {
		switch t.Kind {
		case TokenAny:
			sb.WriteString(".*")
		case TokenOne:
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(t.Text))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
