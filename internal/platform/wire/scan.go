package wire

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// closerFor maps an opening bracket to its closer.
var closerFor = map[byte]byte{'{': '}', '[': ']'}

// spanEnd returns the index just past the bracket that balances the one at
// s[start], skipping over double-quoted strings. It returns -1 if the span
// never closes or a closer does not match.
func spanEnd(s string, start int) int {
	return quotedSpanEnd(s, start, `"`)
}

// quotedSpanEnd is spanEnd with strings opened by any byte in quotes.
func quotedSpanEnd(s string, start int, quotes string) int {
	var stack []byte
	var quote byte
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		if strings.IndexByte(quotes, c) >= 0 {
			quote = c
			continue
		}
		switch c {
		case '{', '[':
			stack = append(stack, closerFor[c])
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// firstBalancedValue finds the first bracketed span that balances and
// parses as JSON, ignoring any text around it.
func firstBalancedValue(s string) (interface{}, bool) {
	from := 0
	for attempt := 0; attempt < maxSpanAttempts; attempt++ {
		idx := strings.IndexAny(s[from:], "{[")
		if idx < 0 {
			return nil, false
		}
		start := from + idx
		if end := spanEnd(s, start); end > 0 {
			span := s[start:end]
			if v, ok := parseJSON(span); ok {
				return v, true
			}
			if strings.Contains(span, `\"`) {
				if v, ok := parseJSON(unescapeQuotes(span)); ok {
					return v, true
				}
			}
		}
		from = start + 1
	}
	return nil, false
}

// salvageTruncatedArray recovers the complete elements of an array whose
// tail was cut off, e.g. `[{"a":1},{"b":2},{"c"`. Only applies when the
// first bracket in s opens that array.
func salvageTruncatedArray(s string) []interface{} {
	open := strings.IndexAny(s, "{[")
	if open < 0 || s[open] != '[' || spanEnd(s, open) > 0 {
		return nil
	}
	var items []interface{}
	i := open + 1
	for i < len(s) {
		c := s[i]
		if c != '{' && c != '[' {
			i++
			continue
		}
		end := spanEnd(s, i)
		if end < 0 {
			break
		}
		if v, ok := parseJSON(s[i:end]); ok {
			items = append(items, v)
		}
		i = end
	}
	return items
}

// maxFragments bounds how many single-quoted fragments one body may yield.
const maxFragments = 500

// fragmentPattern matches flat object literals that use single quotes, as
// printed by a JavaScript object inspector: { prescriptionId: 'RX1', ... }.
var fragmentPattern = regexp.MustCompile(`\{[^{}]*'[^{}]*\}`)

// looseLiteral parses the first balanced single-quoted literal in s as a
// whole, so an asset keeps its own fields around nested prescriptions. It
// declines when a fragment lies outside that span; quotedFragments then
// picks the fragments up one by one.
func looseLiteral(s string) (interface{}, bool) {
	frags := fragmentPattern.FindAllStringIndex(s, maxFragments)
	from := 0
	for attempt := 0; attempt < maxSpanAttempts; attempt++ {
		idx := strings.IndexAny(s[from:], "{[")
		if idx < 0 {
			return nil, false
		}
		start := from + idx
		if end := quotedSpanEnd(s, start, `"'`); end > 0 && covers(frags, start, end) {
			if v, ok := parseJSON(jsonifyLoose(s[start:end])); ok {
				return v, true
			}
		}
		from = start + 1
	}
	return nil, false
}

func covers(spans [][]int, start, end int) bool {
	for _, sp := range spans {
		if sp[0] < start || sp[1] > end {
			return false
		}
	}
	return true
}

// quotedFragments extracts every single-quoted object fragment from s and
// parses each one as an isolated record.
func quotedFragments(s string) []interface{} {
	matches := fragmentPattern.FindAllString(s, maxFragments)
	var items []interface{}
	for _, frag := range matches {
		if v, ok := parseJSON(jsonifyLoose(frag)); ok {
			if m, isMap := v.(map[string]interface{}); isMap && len(m) > 0 {
				items = append(items, m)
			}
		}
	}
	return items
}

// jsonifyLoose rewrites a JavaScript-style object literal into JSON:
// single-quoted strings become double-quoted, bare keys are quoted,
// undefined becomes null and trailing commas are dropped.
func jsonifyLoose(s string) string {
	var out bytes.Buffer
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'':
			str, next := readQuoted(s, i, '\'')
			writeJSONString(&out, str)
			i = next
		case c == '"':
			str, next := readQuoted(s, i, '"')
			writeJSONString(&out, str)
			i = next
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			word := s[i:j]
			switch {
			case nextNonSpace(s, j) == ':':
				writeJSONString(&out, word)
			case word == "true" || word == "false" || word == "null":
				out.WriteString(word)
			case word == "undefined":
				out.WriteString("null")
			default:
				writeJSONString(&out, word)
			}
			i = j
		case c == '}' || c == ']':
			trimTrailingComma(&out)
			out.WriteByte(c)
			i++
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

// readQuoted reads a quoted string starting at s[start] and returns its
// unescaped content and the index after the closing quote.
func readQuoted(s string, start int, quote byte) (string, int) {
	var b strings.Builder
	i := start + 1
	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(next)
			}
			i += 2
			continue
		}
		if c == quote {
			return b.String(), i + 1
		}
		b.WriteByte(c)
		i++
	}
	return b.String(), i
}

func writeJSONString(out *bytes.Buffer, s string) {
	enc, _ := json.Marshal(s)
	out.Write(enc)
}

func trimTrailingComma(out *bytes.Buffer) {
	b := bytes.TrimRight(out.Bytes(), " \t\r\n")
	if len(b) > 0 && b[len(b)-1] == ',' {
		out.Truncate(len(b) - 1)
	}
}

func nextNonSpace(s string, i int) byte {
	for ; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return s[i]
	}
	return 0
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
