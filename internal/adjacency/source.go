// Package adjacency turns a stream of cardholder to merchant interactions
// into the on-datastore adjacency representation of the bipartite graph.
package adjacency

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformedRecord is returned by a [RecordSource] for records that cannot
// be parsed. The stream remains usable, callers may skip the record and keep
// reading.
var ErrMalformedRecord = errors.New("malformed record")

// InteractionRecord is one observed interaction between a cardholder and a
// merchant.
type InteractionRecord struct {
	Cardholder string
	Merchant   string
	Weight     int64
}

// RecordSource yields interaction records one at a time. Next returns
// [io.EOF] once the stream is exhausted, and an error wrapping
// [ErrMalformedRecord] for unparseable records.
type RecordSource interface {
	Next() (InteractionRecord, error)
}

// TextSource reads whitespace-separated "cardholder merchant [weight]" lines.
// The weight column is optional and defaults to 1. Blank lines and lines
// starting with '#' are skipped.
type TextSource struct {
	scanner *bufio.Scanner
	line    int
}

var _ RecordSource = (*TextSource)(nil)

// NewTextSource creates a [TextSource] reading from r.
func NewTextSource(r io.Reader) *TextSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &TextSource{scanner: scanner}
}

// Next see [RecordSource].Next.
func (s *TextSource) Next() (InteractionRecord, error) {
	for s.scanner.Scan() {
		s.line++

		text := strings.TrimSpace(s.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) < 2 || len(fields) > 3 {
			return InteractionRecord{}, fmt.Errorf("line %d: expected 2 or 3 columns, got %d: %w", s.line, len(fields), ErrMalformedRecord)
		}

		record := InteractionRecord{
			Cardholder: fields[0],
			Merchant:   fields[1],
			Weight:     1,
		}
		if len(fields) == 3 {
			weight, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return InteractionRecord{}, fmt.Errorf("line %d: parse weight %q: %w", s.line, fields[2], ErrMalformedRecord)
			}
			if weight <= 0 {
				return InteractionRecord{}, fmt.Errorf("line %d: weight must be positive, got %d: %w", s.line, weight, ErrMalformedRecord)
			}
			record.Weight = weight
		}

		return record, nil
	}

	if err := s.scanner.Err(); err != nil {
		return InteractionRecord{}, err
	}

	return InteractionRecord{}, io.EOF
}
