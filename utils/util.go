package utils

import (
	"bufio"
	"io"
	"strings"
)

// ReadQuery reads a statement from r and applies its FORMAT clause over
// defaultFormat.
func ReadQuery(r io.Reader, defaultFormat string) (string, string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var sb strings.Builder
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}
	query, format := ExtractAndRemoveFormat(strings.TrimSpace(sb.String()))
	if format == "" {
		format = defaultFormat
	}
	return query, format, nil
}
