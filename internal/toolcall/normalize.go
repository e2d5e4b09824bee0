// Package toolcall turns provider tool-call output into canonical core.ToolCall values.
//
// Structured calls pass through. Calls embedded in free text
// (<function>NAME{ARGS}</function> and its variants) are recovered by an
// ordered list of strategies, strict first; the first strategy that yields
// calls wins and the recognized markup is removed from the visible text.
// Unrecognized text is returned untouched.
package toolcall

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
)

// found is one recognized call and the byte span of its markup in the text.
type found struct {
	name       string
	args       string
	start, end int
}

// strategy extracts calls from text. It returns nil when it does not apply.
type strategy struct {
	name string
	fn   func(text string) []found
}

var (
	// <function>NAME{ARGS}<br></function> and <function=NAME>{ARGS}</function>
	exactRx   = regexp.MustCompile(`(?s)<function>\s*([A-Za-z_][A-Za-z0-9_.-]*)\s*(\{.*?\})\s*(?:(?i:<br\s*/?>)\s*)*</function>`)
	exactEqRx = regexp.MustCompile(`(?s)<function=([A-Za-z_][A-Za-z0-9_.-]*)>\s*(\{.*?\})\s*(?:(?i:<br\s*/?>)\s*)*</function>`)
	// Anything between function tags, closing tag optional at end of text.
	looseRx = regexp.MustCompile(`(?is)<function(=[^>]*)?>(.*?)(?:</function>|\z)`)
	// <invoke name="..."><arg name="...">value</arg></invoke>
	invokeRx = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
	argRx    = regexp.MustCompile(`(?s)<arg\s+name="([^"]+)"\s*>(.*?)</arg>`)

	leadingNameRx = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_.-]*)`)
	jsonNameRx    = regexp.MustCompile(`"name"\s*:\s*"([A-Za-z_][A-Za-z0-9_.-]*)"`)
	validNameRx   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)
	blankLinesRx  = regexp.MustCompile(`\n{3,}`)
	emptyWrapRx   = regexp.MustCompile(`(?s)\s*<function_calls>\s*</function_calls>\s*`)
)

var strategies = []strategy{
	{"exact", exactStrategy(compactJSON, true)},
	{"exact_repair", exactStrategy(repairJSON, true)},
	{"exact_scrape", exactStrategy(decodeArgs, false)},
	{"loose_tag", looseStrategy},
	{"invoke_tag", invokeStrategy},
}

// exactMatches returns every exact-format tag in text, ordered by position.
func exactMatches(text string) [][]int {
	all := append(exactRx.FindAllStringSubmatchIndex(text, -1), exactEqRx.FindAllStringSubmatchIndex(text, -1)...)
	sort.Slice(all, func(i, j int) bool { return all[i][0] < all[j][0] })
	return all
}

// exactStrategy decodes the body of every exact-format tag with decode. When
// all is set the strategy yields only if every tag decodes, so a later, more
// permissive strategy gets the whole text instead of a partial result.
func exactStrategy(decode func(string) (string, bool), all bool) func(string) []found {
	return func(text string) []found {
		var out []found
		for _, m := range exactMatches(text) {
			args, ok := decode(text[m[4]:m[5]])
			if !ok {
				if all {
					return nil
				}
				continue
			}
			out = append(out, found{name: text[m[2]:m[3]], args: args, start: m[0], end: m[1]})
		}
		return out
	}
}

func looseStrategy(text string) []found {
	var out []found
	for _, m := range looseRx.FindAllStringSubmatchIndex(text, -1) {
		attr := ""
		if m[2] >= 0 {
			attr = strings.Trim(text[m[2]+1:m[3]], `"' `)
		}
		name, args, ok := parseLooseBody(attr, text[m[4]:m[5]])
		if !ok {
			continue
		}
		out = append(out, found{name: name, args: args, start: m[0], end: m[1]})
	}
	return out
}

// parseLooseBody recovers a name and arguments from the inside of a tag with
// no strict grammar: "NAME {...}", "NAME", or {"name": ..., "arguments": {...}}.
func parseLooseBody(attr, body string) (name, args string, ok bool) {
	body = strings.TrimSpace(breakTagRx.ReplaceAllString(body, ""))
	name = attr
	rest := body
	if name == "" {
		if m := leadingNameRx.FindStringSubmatch(body); m != nil {
			name = m[1]
			rest = body[len(m[0]):]
		} else if m := jsonNameRx.FindStringSubmatch(body); m != nil {
			name = m[1]
		}
	}
	if !validNameRx.MatchString(name) {
		return "", "", false
	}

	start, end := strings.Index(rest, "{"), strings.LastIndex(rest, "}")
	if start < 0 {
		return name, "{}", strings.TrimSpace(rest) == ""
	}
	var obj string
	if end > start {
		obj = rest[start : end+1]
	} else {
		obj = rest[start:]
	}
	args, ok = decodeArgs(obj)
	if !ok {
		return "", "", false
	}
	// {"name": "x", "arguments": {...}} wraps the real arguments.
	var wrapped struct {
		Name       string          `json:"name"`
		Arguments  json.RawMessage `json:"arguments"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if json.Unmarshal([]byte(args), &wrapped) == nil && wrapped.Name == name {
		for _, inner := range []json.RawMessage{wrapped.Arguments, wrapped.Parameters} {
			if s, ok := compactJSON(string(inner)); ok {
				return name, s, true
			}
		}
	}
	return name, args, true
}

func invokeStrategy(text string) []found {
	var out []found
	for _, m := range invokeRx.FindAllStringSubmatchIndex(text, -1) {
		name := strings.TrimSpace(text[m[2]:m[3]])
		if !validNameRx.MatchString(name) {
			continue
		}
		args := make(map[string]string)
		for _, am := range argRx.FindAllStringSubmatch(text[m[4]:m[5]], -1) {
			args[strings.TrimSpace(am[1])] = strings.TrimSpace(am[2])
		}
		b, _ := json.Marshal(args)
		out = append(out, found{name: name, args: string(b), start: m[0], end: m[1]})
	}
	return out
}

// ExtractFromText recovers tool calls embedded in text and returns them with
// the text stripped of their markup. When nothing is recognized, calls is nil
// and visible is text unchanged.
func ExtractFromText(text string) (calls []core.ToolCall, visible string) {
	if !strings.Contains(text, "<function") && !strings.Contains(text, "<invoke") {
		return nil, text
	}
	for _, s := range strategies {
		hits := s.fn(text)
		if len(hits) == 0 {
			continue
		}
		var b strings.Builder
		last := 0
		for _, h := range hits {
			if h.start < last {
				continue
			}
			b.WriteString(text[last:h.start])
			last = h.end
			calls = append(calls, core.ToolCall{ID: newID(), Name: h.name, ArgumentsJSON: h.args})
		}
		b.WriteString(text[last:])
		return calls, cleanVisible(b.String())
	}
	return nil, text
}

func cleanVisible(s string) string {
	s = emptyWrapRx.ReplaceAllString(s, "\n")
	s = strings.ReplaceAll(s, "<function_calls>", "")
	s = strings.ReplaceAll(s, "</function_calls>", "")
	s = blankLinesRx.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// NormalizeStructured fills in missing ids and empty arguments on calls a
// provider returned natively. Well-formed calls are returned unchanged.
func NormalizeStructured(calls []core.ToolCall) []core.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]core.ToolCall, 0, len(calls))
	for _, c := range calls {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		if c.ID == "" {
			c.ID = newID()
		}
		switch {
		case strings.TrimSpace(c.ArgumentsJSON) == "":
			c.ArgumentsJSON = "{}"
		case !json.Valid([]byte(c.ArgumentsJSON)):
			if fixed, ok := decodeArgs(c.ArgumentsJSON); ok {
				c.ArgumentsJSON = fixed
			}
		}
		out = append(out, c)
	}
	return out
}

// Normalize returns a copy of resp with structured calls normalized and any
// calls embedded in the text extracted into ToolCalls.
func Normalize(resp *core.CanonicalResponse) *core.CanonicalResponse {
	if resp == nil {
		return nil
	}
	out := *resp
	out.ToolCalls = NormalizeStructured(resp.ToolCalls)
	if textCalls, visible := ExtractFromText(resp.Text); len(textCalls) > 0 {
		out.ToolCalls = append(out.ToolCalls, textCalls...)
		out.Text = visible
		if out.FinishReason == "" || out.FinishReason == "stop" {
			out.FinishReason = "tool_calls"
		}
	}
	return &out
}

func newID() string { return "call_" + uuid.NewString() }
