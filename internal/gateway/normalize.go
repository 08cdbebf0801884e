package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind tags the shape of a normalized provider response.
type Kind int

const (
	KindStructured Kind = iota
	KindDelimited
	KindPlainText
)

// Normalized is the tagged union of provider response shapes. It only shapes
// the data; the caller applies its own success predicate.
type Normalized struct {
	Kind       Kind
	Structured map[string]interface{}
	Records    []map[string]string
	Text       string
	TextHint   string // "success", "failed" or "" when no keyword matched
}

// Normalize parses a raw provider body into one of the three shapes. JSON is
// tried first regardless of content type since several providers mislabel it.
func Normalize(contentType string, body []byte) Normalized {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return Normalized{Kind: KindPlainText}
	}

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || strings.Contains(contentType, "json") {
		if n, ok := normalizeJSON(trimmed); ok {
			return n
		}
	}

	if n, ok := normalizeDelimited(trimmed, contentType); ok {
		return n
	}

	return Normalized{Kind: KindPlainText, Text: trimmed, TextHint: keywordHint(trimmed)}
}

func normalizeJSON(s string) (Normalized, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return Normalized{Kind: KindStructured, Structured: obj}, true
	}
	var arr []interface{}
	if err := json.Unmarshal([]byte(s), &arr); err == nil {
		return Normalized{Kind: KindStructured, Structured: map[string]interface{}{"items": arr}}, true
	}
	return Normalized{}, false
}

// normalizeDelimited handles header-row responses such as
// "status|reference|amount\nsuccessful|R1|1000". Pipe and comma separators
// are recognized; every row must match the header's column count.
func normalizeDelimited(s, contentType string) (Normalized, bool) {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if len(lines) < 2 && !strings.Contains(contentType, "csv") {
		return Normalized{}, false
	}
	sep := ""
	for _, cand := range []string{"|", ","} {
		if strings.Contains(lines[0], cand) {
			sep = cand
			break
		}
	}
	if sep == "" {
		return Normalized{}, false
	}
	header := splitTrim(lines[0], sep)
	var records []map[string]string
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := splitTrim(line, sep)
		if len(fields) != len(header) {
			return Normalized{}, false
		}
		rec := make(map[string]string, len(header))
		for i, h := range header {
			rec[h] = fields[i]
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return Normalized{}, false
	}
	return Normalized{Kind: KindDelimited, Records: records}, true
}

func splitTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func keywordHint(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "successful") || strings.Contains(lower, "success"):
		return "success"
	case strings.Contains(lower, "failed") || strings.Contains(lower, "failure") || strings.Contains(lower, "error"):
		return "failed"
	}
	return ""
}

// String lets a structured value be read as a string regardless of the
// underlying JSON type.
func (n Normalized) String(key string) string {
	if n.Kind != KindStructured {
		return ""
	}
	switch v := n.Structured[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}
