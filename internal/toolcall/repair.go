package toolcall

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

var (
	trailingCommaRx = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRx       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_-]*)\s*:`)
	breakTagRx      = regexp.MustCompile(`(?i)<br\s*/?>`)
	kvPairRx        = regexp.MustCompile(`"([^"\\]+)"\s*:\s*("(?:[^"\\]|\\.)*"|-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?|true|false|null)`)
)

// compactJSON returns s as compact JSON when it is a valid JSON object.
func compactJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !json.Valid([]byte(s)) {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return "", false
	}
	return buf.String(), true
}

// repairJSON applies the usual model mistakes in reverse: escaped quotes,
// single quotes, <br> noise, trailing commas, bare keys, missing closing braces.
func repairJSON(s string) (string, bool) {
	s = strings.TrimSpace(breakTagRx.ReplaceAllString(s, ""))
	if out, ok := compactJSON(s); ok {
		return out, true
	}
	if strings.Contains(s, `\"`) {
		s = strings.ReplaceAll(s, `\"`, `"`)
	}
	if !strings.Contains(s, `"`) && strings.Contains(s, "'") {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	s = trailingCommaRx.ReplaceAllString(s, "$1")
	s = bareKeyRx.ReplaceAllString(s, `$1"$2":`)
	if open, closed := strings.Count(s, "{"), strings.Count(s, "}"); open > closed {
		s += strings.Repeat("}", open-closed)
	}
	return compactJSON(s)
}

// scrapeKeyValues builds an arguments object from "key": value pairs found
// anywhere in s. Later duplicates win.
func scrapeKeyValues(s string) (string, bool) {
	s = strings.ReplaceAll(s, `\"`, `"`)
	matches := kvPairRx.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return "", false
	}
	args := make(map[string]json.RawMessage, len(matches))
	for _, m := range matches {
		if !json.Valid([]byte(m[2])) {
			continue
		}
		args[m[1]] = json.RawMessage(m[2])
	}
	if len(args) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(args[k])
	}
	buf.WriteByte('}')
	return buf.String(), true
}

// decodeArgs runs the argument decoders from strict to permissive.
func decodeArgs(body string) (string, bool) {
	if out, ok := compactJSON(body); ok {
		return out, true
	}
	if out, ok := repairJSON(body); ok {
		return out, true
	}
	return scrapeKeyValues(body)
}
