package pathmatch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPrecedence(t *testing.T) {
	table, err := Compile([]Rule[string]{
		{Method: "*", Pattern: "/api/users/*", Value: "wildcard"},
		{Method: "GET", Pattern: "/api/users/:id", Value: "param"},
		{Method: "GET", Pattern: "/api/users/me", Value: "exact"},
		{Method: "*", Pattern: "/api/users/self", Value: "exact-any"},
	})
	require.NoError(t, err)

	m, ok := table.Lookup("get", "/api/users/me")
	require.True(t, ok)
	assert.Equal(t, "exact", m.Value)
	assert.Equal(t, KindExact, m.Kind)

	m, ok = table.Lookup("DELETE", "/api/users/self")
	require.True(t, ok)
	assert.Equal(t, "exact-any", m.Value)

	m, ok = table.Lookup("GET", "/api/users/42")
	require.True(t, ok)
	assert.Equal(t, "wildcard", m.Value, "wildcard tier is evaluated before param tier")
}

func TestExactAlwaysWinsOverOverlaps(t *testing.T) {
	paths := []string{"/a", "/a/b", "/a/b/c", "/x/1", "/x/1/y"}
	methods := []string{"GET", "POST", "DELETE"}
	var rules []Rule[string]
	rules = append(rules,
		Rule[string]{Pattern: "/*", Value: "w"},
		Rule[string]{Pattern: "/x/:id", Value: "p"},
		Rule[string]{Pattern: "/x/:id/y", Value: "p"},
		Rule[string]{Pattern: "/a/:b", Value: "p"},
	)
	for _, m := range methods {
		for _, p := range paths {
			rules = append(rules, Rule[string]{Method: m, Pattern: p, Value: "exact:" + m + p})
		}
	}
	table, err := Compile(rules)
	require.NoError(t, err)
	for _, m := range methods {
		for _, p := range paths {
			got, ok := table.Lookup(m, p)
			require.True(t, ok)
			assert.Equal(t, "exact:"+m+p, got.Value)
		}
	}
}

func TestWildcardPrefix(t *testing.T) {
	table := MustCompile([]Rule[int]{{Method: "GET", Pattern: "/api/samples*", Value: 1}})
	for _, p := range []string{"/api/samples", "/api/samples/", "/api/samples/7/tests", "/api/samples-archive", "/api/samples/\n"} {
		_, ok := table.Lookup("GET", p)
		assert.True(t, ok, p)
	}
	for _, p := range []string{"/api/sample", "/api/Samples", "/x/api/samples", ""} {
		_, ok := table.Lookup("GET", p)
		assert.False(t, ok, p)
	}
	_, ok := table.Lookup("POST", "/api/samples")
	assert.False(t, ok, "method filtered")
}

func TestWildcardMetaCharactersAreLiteral(t *testing.T) {
	table := MustCompile([]Rule[int]{{Pattern: "/api/v1.0/(x)*", Value: 1}})
	_, ok := table.Lookup("GET", "/api/v1.0/(x)/y")
	assert.True(t, ok)
	_, ok = table.Lookup("GET", "/api/v1x0/(x)/y")
	assert.False(t, ok)
}

func TestParamSegments(t *testing.T) {
	table := MustCompile([]Rule[string]{
		{Method: "DELETE", Pattern: "/api/users/:id", Value: "delete-user"},
		{Method: "POST", Pattern: "/api/samples/{sampleId}/tests", Value: "add-test"},
	})

	m, ok := table.Lookup("delete", "/api/users/42")
	require.True(t, ok)
	assert.Equal(t, "delete-user", m.Value)
	assert.Equal(t, map[string]string{"id": "42"}, m.Params)

	m, ok = table.Lookup("POST", "/api/samples/S-1/tests")
	require.True(t, ok)
	assert.Equal(t, "S-1", m.Params["sampleId"])

	for _, p := range []string{"/api/users", "/api/users/42/roles", "/api/users/", "/api/Users/42"} {
		_, ok := table.Lookup("DELETE", p)
		assert.False(t, ok, p)
	}
	_, ok = table.Lookup("POST", "/api/samples/S-1/test")
	assert.False(t, ok, "literal segments match byte for byte")
}

func TestParamSegmentCountProperty(t *testing.T) {
	table := MustCompile([]Rule[int]{{Pattern: "/r/:a/:b", Value: 1}})
	for k := 1; k <= 6; k++ {
		path := ""
		for i := 0; i < k; i++ {
			if i == 0 {
				path += "/r"
				continue
			}
			path += fmt.Sprintf("/s%d", i)
		}
		_, ok := table.Lookup("GET", path)
		assert.Equal(t, k == 3, ok, path)
	}
}

func TestCompileRejectsMalformedRules(t *testing.T) {
	cases := []Rule[int]{
		{Pattern: ""},
		{Pattern: "api/users"},
		{Pattern: "/api/users", Kind: KindParam},
		{Pattern: "/api/:id", Kind: KindExact},
		{Pattern: "/api/users", Kind: KindWildcard},
		{Pattern: "/api/:id/*"},
		{Pattern: "/api/:"},
		{Pattern: "/api//:id"},
		{Pattern: "/api/users/:id", Segments: 3},
		{Method: "G3T", Pattern: "/x"},
	}
	for _, rule := range cases {
		_, err := Compile([]Rule[int]{rule})
		require.Error(t, err, rule.Pattern)
		assert.True(t, errors.Is(err, ErrInvalidRule))
		var ruleErr *RuleError
		assert.True(t, errors.As(err, &ruleErr))
	}

	_, err := Compile([]Rule[int]{{Method: "GET", Pattern: "/x"}, {Method: "get", Pattern: "/x"}})
	assert.ErrorIs(t, err, ErrInvalidRule, "duplicate exact rule")

	_, err = Compile([]Rule[int]{{Pattern: "/api/users/:id", Segments: 4}})
	assert.NoError(t, err)
}

func TestNilTable(t *testing.T) {
	var table *Table[int]
	_, ok := table.Lookup("GET", "/")
	assert.False(t, ok)
	assert.Zero(t, table.Len())
}
