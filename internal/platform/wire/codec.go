// Package wire decodes the loosely structured text bodies returned by the
// ledger gateway into canonical values: map[string]interface{},
// []interface{}, string, float64, bool.
//
// Gateway responses arrive in several shapes depending on which chaincode
// function ran and how the proxy serialized its result: plain JSON, JSON
// behind a literal label ("Result: {...}"), JSON encoded twice, objects with
// escaped quotes but no outer quoting, arrays cut off mid-element, and
// object fragments with single-quoted keys. Decode tries one strategy after
// another until one yields a value.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Strategy names the decode step that produced a Result.
type Strategy string

const (
	StrategyStructured Strategy = "structured"
	StrategyDirect     Strategy = "direct"
	StrategyUnescaped  Strategy = "unescaped"
	StrategyBalanced   Strategy = "balanced-span"
	StrategyTruncated  Strategy = "truncated-array"
	StrategyLoose      Strategy = "loose-literal"
	StrategyFragments  Strategy = "quoted-fragments"
	StrategyNotFound   Strategy = "not-found"
)

// Result is the outcome of a successful Decode. Empty is set when the body
// says the requested record does not exist; Value is nil in that case.
type Result struct {
	Value    interface{}
	Empty    bool
	Strategy Strategy
}

// ErrUnrecognized is the cause of a DecodeError when no strategy matched.
var ErrUnrecognized = errors.New("no decode strategy matched")

// DecodeError reports a body that could not be decoded. Body is truncated
// to a size suitable for logs.
type DecodeError struct {
	Body  string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode gateway response: %v (body %q)", e.Cause, e.Body)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

const (
	// maxDepth bounds label stripping and nested string decoding.
	maxDepth = 4
	// maxDiagnosticBody is how much of an undecodable body DecodeError keeps.
	maxDiagnosticBody = 256
	// maxSpanAttempts bounds how many opening brackets the span scan tries.
	maxSpanAttempts = 8
)

// labelPattern matches a short leading label such as "Result:" or
// "Transaction has been evaluated, result is:" ahead of the payload.
var labelPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 ,_\-]{0,63}:\s*`)

// notFoundMarkers name an absent ledger key. A bare "not found" is left out:
// routers ("404 page not found") and the chaincode ("function X not found")
// use it for errors that are not an absent record.
var notFoundMarkers = []string{
	"does not exist",
	"doesn't exist",
	"no such asset",
}

// IsNotFound reports whether s carries one of the ledger's "record absent"
// phrases.
func IsNotFound(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Decode turns a gateway response body into a canonical value. body may be
// a string, []byte, json.RawMessage or an already structured value. Decode
// never panics on malformed input: it returns a value, an Empty result, or
// a *DecodeError.
func Decode(body interface{}) (Result, error) {
	switch b := body.(type) {
	case nil:
		return Result{Empty: true, Strategy: StrategyNotFound}, nil
	case string:
		return decodeText(b, 0)
	case []byte:
		return decodeText(string(b), 0)
	case json.RawMessage:
		return decodeText(string(b), 0)
	default:
		return Result{Value: b, Strategy: StrategyStructured}, nil
	}
}

func decodeText(s string, depth int) (Result, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
	if s == "" {
		return Result{Empty: true, Strategy: StrategyNotFound}, nil
	}
	if depth > maxDepth {
		return Result{}, &DecodeError{Body: truncate(s), Cause: errors.New("nesting too deep")}
	}

	if rest, ok := stripLabel(s); ok {
		return decodeText(rest, depth+1)
	}

	if v, ok := parseJSON(s); ok {
		return settle(v, StrategyDirect, depth)
	}

	if strings.Contains(s, `\"`) {
		if v, ok := parseJSON(unescapeQuotes(s)); ok {
			return settle(v, StrategyUnescaped, depth)
		}
	}

	if items := salvageTruncatedArray(s); len(items) > 0 {
		return Result{Value: items, Strategy: StrategyTruncated}, nil
	}

	if v, ok := firstBalancedValue(s); ok {
		return settle(v, StrategyBalanced, depth)
	}

	if strings.ContainsRune(s, '\'') {
		if v, ok := looseLiteral(s); ok {
			return settle(v, StrategyLoose, depth)
		}
	}

	if items := quotedFragments(s); len(items) > 0 {
		if m, ok := items[0].(map[string]interface{}); ok && len(items) == 1 && isNotFoundEnvelope(m) {
			return Result{Empty: true, Strategy: StrategyNotFound}, nil
		}
		return Result{Value: items, Strategy: StrategyFragments}, nil
	}

	if IsNotFound(s) {
		return Result{Empty: true, Strategy: StrategyNotFound}, nil
	}

	return Result{}, &DecodeError{Body: truncate(s), Cause: ErrUnrecognized}
}

// settle post-processes a parsed value: JSON null and not-found strings
// become Empty, and strings that themselves hold a payload are decoded again.
func settle(v interface{}, strategy Strategy, depth int) (Result, error) {
	switch t := v.(type) {
	case nil:
		return Result{Empty: true, Strategy: StrategyNotFound}, nil
	case string:
		inner := strings.TrimSpace(t)
		if inner == "" {
			return Result{Empty: true, Strategy: StrategyNotFound}, nil
		}
		if looksEncoded(inner) {
			return decodeText(inner, depth+1)
		}
		if IsNotFound(inner) {
			return Result{Empty: true, Strategy: StrategyNotFound}, nil
		}
		return Result{Value: t, Strategy: strategy}, nil
	case map[string]interface{}:
		if isNotFoundEnvelope(t) {
			return Result{Empty: true, Strategy: StrategyNotFound}, nil
		}
	}
	return Result{Value: v, Strategy: strategy}, nil
}

// isNotFoundEnvelope matches {"error": "... does not exist"} style bodies.
func isNotFoundEnvelope(m map[string]interface{}) bool {
	if len(m) != 1 {
		return false
	}
	for _, k := range []string{"error", "Error", "message", "Message"} {
		if s, ok := m[k].(string); ok {
			return IsNotFound(s)
		}
	}
	return false
}

func looksEncoded(s string) bool {
	switch s[0] {
	case '{', '[', '"':
		return true
	}
	_, ok := stripLabel(s)
	return ok
}

func stripLabel(s string) (string, bool) {
	loc := labelPattern.FindStringIndex(s)
	if loc == nil {
		return "", false
	}
	rest := strings.TrimSpace(s[loc[1]:])
	if rest == "" {
		return "", false
	}
	switch rest[0] {
	case '{', '[', '"', '\'':
		return rest, true
	}
	if rest == "null" {
		return rest, true
	}
	return "", false
}

func parseJSON(s string) (interface{}, bool) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// unescapeQuotes repairs objects whose quotes were escaped once too often,
// e.g. {\"PatientId\":\"P1\"}.
func unescapeQuotes(s string) string {
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimSuffix(s, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return strings.ReplaceAll(s, `\"`, `"`)
}

// truncate cuts s to at most maxDiagnosticBody bytes without splitting a
// UTF-8 sequence.
func truncate(s string) string {
	if len(s) <= maxDiagnosticBody {
		return s
	}
	cut := maxDiagnosticBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
