// Package csvtable splits single CSV lines into fields.
//
// The tokenizer is deliberately permissive: profiler exports are not always
// well-formed, so malformed quoting degrades to best-effort splitting instead
// of an error.
package csvtable

import "strings"

// TokenizeLine splits line on commas that are outside double quotes.
// Quoted fields lose their surrounding quotes and doubled quotes inside them
// collapse to a single literal quote. An unterminated quote extends the field
// to the end of the line. Whitespace around unquoted fields is preserved.
func TokenizeLine(line string) []string {
	fields := make([]string, 0, strings.Count(line, ",")+1)

	var (
		cur      strings.Builder
		inQuotes bool
	)

	for i := 0; i < len(line); i++ {
		ch := line[i]

		switch {
		case ch == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				cur.WriteByte('"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case ch == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}

	return append(fields, cur.String())
}

// Field returns the field at idx, or false when idx is out of range.
func Field(fields []string, idx int) (string, bool) {
	if idx < 0 || idx >= len(fields) {
		return "", false
	}
	return fields[idx], true
}
