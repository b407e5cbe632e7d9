// Package pathmatch compiles request-path rules into an indexed table that
// resolves (method, path) pairs in a fixed priority order: exact, wildcard,
// then parameterized segments.
package pathmatch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies how a rule pattern is matched.
type Kind int

const (
	// KindAuto infers the kind from the pattern.
	KindAuto Kind = iota
	KindExact
	KindWildcard
	KindParam
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindWildcard:
		return "wildcard"
	case KindParam:
		return "param"
	default:
		return "auto"
	}
}

// ParseKind converts a textual kind. Empty input yields KindAuto.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return KindAuto, nil
	case "exact":
		return KindExact, nil
	case "wildcard":
		return KindWildcard, nil
	case "param", "params", "paramsegments":
		return KindParam, nil
	}
	return KindAuto, fmt.Errorf("%w: unknown match kind %q", ErrInvalidRule, s)
}

// AnyMethod matches every HTTP method.
const AnyMethod = "*"

// ErrInvalidRule is wrapped by every RuleError.
var ErrInvalidRule = errors.New("pathmatch: invalid rule")

// RuleError describes a rule rejected at compile time.
type RuleError struct {
	Index   int
	Method  string
	Pattern string
	Reason  string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("pathmatch: rule %d (%s %s): %s", e.Index, e.Method, e.Pattern, e.Reason)
}

func (e *RuleError) Unwrap() error { return ErrInvalidRule }

// Rule maps a method and path pattern to a value.
//
// Patterns containing '*' are wildcards where '*' matches any sequence of
// characters. Segments starting with ':' or wrapped in braces are
// parameters matching exactly one non-empty segment. Everything else is
// matched byte for byte.
type Rule[T any] struct {
	Method   string
	Pattern  string
	Kind     Kind
	Segments int
	Value    T
}

// Match is the result of a successful lookup.
type Match[T any] struct {
	Value   T
	Kind    Kind
	Method  string
	Pattern string
	Params  map[string]string
}

type wildcardRule[T any] struct {
	method  string
	pattern string
	re      *regexp.Regexp
	value   T
}

type paramRule[T any] struct {
	method   string
	pattern  string
	segments []segment
	value    T
}

type segment struct {
	literal string
	param   string
}

type exactRule[T any] struct {
	method  string
	pattern string
	value   T
}

// Table is an immutable compiled rule set. It is safe for concurrent use.
type Table[T any] struct {
	exact     map[string]exactRule[T]
	wildcards []wildcardRule[T]
	params    map[int][]paramRule[T]
	size      int
}

// Compile validates rules and builds a Table.
func Compile[T any](rules []Rule[T]) (*Table[T], error) {
	t := &Table[T]{
		exact:  make(map[string]exactRule[T]),
		params: make(map[int][]paramRule[T]),
	}
	seenParams := make(map[string]struct{})
	for i, rule := range rules {
		method, err := normalizeMethod(rule.Method)
		if err != nil {
			return nil, &RuleError{Index: i, Method: rule.Method, Pattern: rule.Pattern, Reason: err.Error()}
		}
		fail := func(reason string) error {
			return &RuleError{Index: i, Method: method, Pattern: rule.Pattern, Reason: reason}
		}
		pattern := rule.Pattern
		if pattern == "" {
			return nil, fail("empty pattern")
		}
		if !strings.HasPrefix(pattern, "/") && !strings.HasPrefix(pattern, "*") {
			return nil, fail("pattern must start with '/' or '*'")
		}
		hasStar := strings.Contains(pattern, "*")
		segs := strings.Split(pattern, "/")
		hasParam := false
		for _, s := range segs {
			if isParamSegment(s) {
				hasParam = true
				break
			}
		}
		kind := rule.Kind
		if kind == KindAuto {
			switch {
			case hasStar:
				kind = KindWildcard
			case hasParam:
				kind = KindParam
			default:
				kind = KindExact
			}
		}
		if hasStar && hasParam {
			return nil, fail("wildcard and parameter segments cannot be mixed")
		}
		if rule.Segments > 0 && rule.Segments != len(segs) {
			return nil, fail(fmt.Sprintf("declared %d segments, pattern has %d", rule.Segments, len(segs)))
		}

		switch kind {
		case KindExact:
			if hasStar || hasParam {
				return nil, fail("exact rule contains wildcard or parameter")
			}
			key := exactKey(method, pattern)
			if _, dup := t.exact[key]; dup {
				return nil, fail("duplicate exact rule")
			}
			t.exact[key] = exactRule[T]{method: method, pattern: pattern, value: rule.Value}
		case KindWildcard:
			if !hasStar {
				return nil, fail("wildcard rule without '*'")
			}
			re, err := compileWildcard(pattern)
			if err != nil {
				return nil, fail(err.Error())
			}
			t.wildcards = append(t.wildcards, wildcardRule[T]{method: method, pattern: pattern, re: re, value: rule.Value})
		case KindParam:
			if !hasParam {
				return nil, fail("parameter rule without parameter segments")
			}
			compiled := make([]segment, len(segs))
			for j, s := range segs {
				if !isParamSegment(s) {
					if s == "" && j != 0 {
						return nil, fail("empty literal segment")
					}
					compiled[j] = segment{literal: s}
					continue
				}
				name := paramName(s)
				if name == "" {
					return nil, fail("parameter without a name")
				}
				compiled[j] = segment{param: name}
			}
			key := exactKey(method, pattern)
			if _, dup := seenParams[key]; dup {
				return nil, fail("duplicate parameter rule")
			}
			seenParams[key] = struct{}{}
			t.params[len(segs)] = append(t.params[len(segs)], paramRule[T]{method: method, pattern: pattern, segments: compiled, value: rule.Value})
		default:
			return nil, fail("unknown match kind")
		}
		t.size++
	}
	return t, nil
}

// MustCompile is like Compile but panics on error. Intended for static tables.
func MustCompile[T any](rules []Rule[T]) *Table[T] {
	t, err := Compile(rules)
	if err != nil {
		panic(err)
	}
	return t
}

// Len returns the number of compiled rules.
func (t *Table[T]) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

// Lookup resolves method and path. Exact rules win over wildcard rules,
// which win over parameterized rules. Within a tier, method-specific rules
// are checked before any-method rules for exact keys, and declaration order
// decides otherwise.
func (t *Table[T]) Lookup(method, path string) (Match[T], bool) {
	var zero Match[T]
	if t == nil {
		return zero, false
	}
	method = strings.ToUpper(strings.TrimSpace(method))

	if r, ok := t.exact[exactKey(method, path)]; ok {
		return Match[T]{Value: r.value, Kind: KindExact, Method: r.method, Pattern: r.pattern}, true
	}
	if r, ok := t.exact[exactKey(AnyMethod, path)]; ok {
		return Match[T]{Value: r.value, Kind: KindExact, Method: r.method, Pattern: r.pattern}, true
	}

	for _, r := range t.wildcards {
		if !methodMatches(r.method, method) {
			continue
		}
		if r.re.MatchString(path) {
			return Match[T]{Value: r.value, Kind: KindWildcard, Method: r.method, Pattern: r.pattern}, true
		}
	}

	segs := strings.Split(path, "/")
	for _, r := range t.params[len(segs)] {
		if !methodMatches(r.method, method) {
			continue
		}
		if params, ok := matchSegments(r.segments, segs); ok {
			return Match[T]{Value: r.value, Kind: KindParam, Method: r.method, Pattern: r.pattern, Params: params}, true
		}
	}
	return zero, false
}

func matchSegments(pattern []segment, segs []string) (map[string]string, bool) {
	var params map[string]string
	for i, p := range pattern {
		if p.param == "" {
			if p.literal != segs[i] {
				return nil, false
			}
			continue
		}
		if segs[i] == "" {
			return nil, false
		}
		if params == nil {
			params = make(map[string]string, 2)
		}
		params[p.param] = segs[i]
	}
	return params, true
}

func compileWildcard(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("(?s)^" + strings.Join(parts, ".*") + "$")
}

func isParamSegment(s string) bool {
	if strings.HasPrefix(s, ":") {
		return true
	}
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func paramName(s string) string {
	if strings.HasPrefix(s, ":") {
		return s[1:]
	}
	return strings.TrimSuffix(strings.TrimPrefix(s, "{"), "}")
}

func normalizeMethod(m string) (string, error) {
	m = strings.ToUpper(strings.TrimSpace(m))
	if m == "" || m == AnyMethod {
		return AnyMethod, nil
	}
	for _, r := range m {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("invalid method %q", m)
		}
	}
	return m, nil
}

func methodMatches(ruleMethod, method string) bool {
	return ruleMethod == AnyMethod || ruleMethod == method
}

func exactKey(method, path string) string {
	return method + ":" + path
}
