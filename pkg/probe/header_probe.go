// Package probe sniffs a CSV file's encoding, delimiter, and header before
// any chunked reading starts.
package probe

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/cleanengine/pkg/errors"
	"github.com/ssw-telemetry/cleanengine/pkg/model"
)

// maxProbeBytes bounds how much of the file the probe will ever read.
const maxProbeBytes = 64 * 1024

// NewReader wraps r with a buffer large enough for Probe to Peek the full
// maxProbeBytes window without forcing a short read.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, maxProbeBytes)
}

// candidateDelimiters in priority order; ties broken by this order.
var candidateDelimiters = []rune{',', ';', '\t', '|'}

// Encoding identifies the decoding applied to the probed bytes.
type Encoding string

const (
	EncodingUTF8    Encoding = "utf-8"
	EncodingUTF8Sig Encoding = "utf-8-sig"
)

// Result is the outcome of a successful probe.
type Result struct {
	Columns   *model.ColumnSet
	Delimiter rune
	Encoding  Encoding
}

// Probe sniffs delimiter and encoding from the first line of r, reading at
// most 64 KiB. It consumes exactly the header line (including its newline)
// from r via Peek+Discard, leaving the rest of the stream untouched for the
// caller's subsequent csv.Reader. r must have been constructed with enough
// buffer capacity to Peek maxProbeBytes (see NewReader).
func Probe(r *bufio.Reader, logger *logrus.Logger) (*Result, error) {
	peeked, _ := r.Peek(maxProbeBytes)
	raw := append([]byte(nil), peeked...)
	if idx := bytes.IndexByte(raw, '\n'); idx >= 0 {
		raw = raw[:idx+1]
	}

	hasBOM := bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
	encodingOrder := []Encoding{EncodingUTF8, EncodingUTF8Sig}
	if hasBOM {
		// A BOM always wins, regardless of the fixed fallback order.
		encodingOrder = []Encoding{EncodingUTF8Sig, EncodingUTF8}
	}

	for _, enc := range encodingOrder {
		line := decode(raw, enc)
		if line == "" {
			continue
		}
		if delim, ok := pickDelimiter(line); ok {
			fields := splitHeaderLine(line, delim)
			if _, err := r.Discard(len(raw)); err != nil {
				return nil, errors.NewCritical(errors.CodeHeaderUnreadable, "header_probe", "probe",
					"failed to consume header line after probing").Wrap(err)
			}
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"component": "header_probe",
					"encoding":  enc,
					"delimiter": string(delim),
					"columns":   len(fields),
				}).Debug("header probe succeeded")
			}
			return &Result{
				Columns:   model.NewColumnSet(fields),
				Delimiter: delim,
				Encoding:  enc,
			}, nil
		}
	}

	return nil, errors.New(errors.CodeHeaderUnreadable, "header_probe", "probe",
		"no (encoding, delimiter) combination produced a parseable header")
}

// decode strips a UTF-8 BOM for utf-8-sig and validates UTF-8 for utf-8; an
// invalid byte sequence under the candidate encoding yields "".
func decode(raw []byte, enc Encoding) string {
	b := raw
	if enc == EncodingUTF8Sig {
		b = bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
	} else if bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}) {
		// Plain utf-8 candidate does not strip a BOM present in the bytes.
		return ""
	}
	if !utf8.Valid(b) {
		return ""
	}
	line := string(b)
	line = strings.TrimRight(line, "\r\n")
	return line
}

// pickDelimiter chooses the candidate with the most fields among those with
// at least two fields.
func pickDelimiter(line string) (rune, bool) {
	best := rune(0)
	bestCount := 1 // must beat "at least two fields"
	found := false
	for _, d := range candidateDelimiters {
		count := strings.Count(line, string(d)) + 1
		if count >= 2 && count > bestCount {
			bestCount = count
			best = d
			found = true
		}
	}
	return best, found
}

// splitHeaderLine performs a minimal quote-aware split for the header row
// only; the full reader uses encoding/csv for body rows.
func splitHeaderLine(line string, delim rune) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == delim && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}
