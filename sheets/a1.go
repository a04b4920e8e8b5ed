package sheets

import (
	"fmt"
	"strings"
)

// colLetters converts a 1-based column number to its A1 letters (1 -> A,
// 27 -> AA).
func colLetters(col int) string {
	var b strings.Builder
	n := col
	for n > 0 {
		n--
		b.WriteByte(byte('A' + n%26))
		n /= 26
	}
	// letters were appended least-significant first
	runes := []rune(b.String())
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// a1Cell renders a 1-based (col, row) pair as an A1 cell reference.
func a1Cell(col, row int) string {
	return fmt.Sprintf("%s%d", colLetters(col), row)
}

// rowRange renders the full-width A1 range of one row for a sheet with
// the given column count.
func rowRange(sheet string, columns, row int) string {
	return fmt.Sprintf("%s!%s:%s", sheet, a1Cell(1, row), a1Cell(columns, row))
}

// dedupeKeyFromRow joins the key-column values of a row into the sheet's
// dedupe key. A row whose key columns are all blank has no key.
func dedupeKeyFromRow(row map[string]string, keyCols []string) string {
	parts := make([]string, 0, len(keyCols))
	for _, c := range keyCols {
		parts = append(parts, strings.TrimSpace(row[c]))
	}
	return joinKeyParts(parts)
}

// joinKeyParts builds a dedupe key from already-trimmed parts, returning ""
// when every part is empty.
func joinKeyParts(parts []string) string {
	empty := true
	for _, p := range parts {
		if p != "" {
			empty = false
			break
		}
	}
	if empty {
		return ""
	}
	return strings.Join(parts, "|")
}
