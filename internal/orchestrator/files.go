package orchestrator

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
)

// parseStructured shapes downloaded bytes by content: JSON parses to its
// value, CSV becomes rows keyed by header, anything else is text.
func parseStructured(data []byte) any {
	trimmed := bytes.TrimSpace(data)
	if json.Valid(trimmed) && len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	if rows, ok := parseCSV(trimmed); ok {
		return map[string]any{"rows": rows}
	}
	return map[string]any{"text": string(data)}
}

func parseCSV(data []byte) ([]map[string]string, bool) {
	if !bytes.Contains(data, []byte(",")) || !bytes.Contains(data, []byte("\n")) {
		return nil, false
	}
	reader := csv.NewReader(bytes.NewReader(data))
	records, err := reader.ReadAll()
	if err != nil || len(records) < 2 {
		return nil, false
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[strings.TrimSpace(col)] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, true
}

// extractPDFText pulls the parenthesized text runs out of a PDF's
// BT..ET text objects. It handles uncompressed content streams only;
// compressed streams yield an empty string rather than an error.
func extractPDFText(data []byte) (string, int) {
	pages := bytes.Count(data, []byte("/Type /Page"))
	if n := bytes.Count(data, []byte("/Type/Page")); n > pages {
		pages = n
	}
	var out strings.Builder
	rest := data
	for {
		bt := bytes.Index(rest, []byte("BT"))
		if bt < 0 {
			break
		}
		et := bytes.Index(rest[bt:], []byte("ET"))
		if et < 0 {
			break
		}
		block := rest[bt : bt+et]
		for _, run := range textRuns(block) {
			if out.Len() > 0 {
				out.WriteByte(' ')
			}
			out.WriteString(run)
		}
		rest = rest[bt+et+2:]
	}
	return out.String(), pages
}

// textRuns extracts (...) literals, honoring backslash escapes.
func textRuns(block []byte) []string {
	var runs []string
	var cur strings.Builder
	depth := 0
	for i := 0; i < len(block); i++ {
		c := block[i]
		switch {
		case c == '\\' && depth > 0 && i+1 < len(block):
			i++
			switch block[i] {
			case 'n':
				cur.WriteByte('\n')
			case 't':
				cur.WriteByte('\t')
			default:
				cur.WriteByte(block[i])
			}
		case c == '(':
			depth++
			if depth == 1 {
				cur.Reset()
				continue
			}
			cur.WriteByte(c)
		case c == ')':
			depth--
			if depth == 0 {
				if cur.Len() > 0 {
					runs = append(runs, cur.String())
				}
				continue
			}
			if depth > 0 {
				cur.WriteByte(c)
			}
		case depth > 0:
			cur.WriteByte(c)
		}
	}
	return runs
}
