package canon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"domaindetermine.io/governance/internal/apperr"
)

func TestCanonicalize_SortsKeys(t *testing.T) {
	a, err := Canonicalize(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestCanonicalize_Idempotent(t *testing.T) {
	x := map[string]any{"z": []any{1, 2, map[string]any{"y": "x"}}, "a": nil}
	first, err := Canonicalize(x)
	require.NoError(t, err)
	second, err := Canonicalize(x)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestCanonicalize_SemanticEqualityProducesIdenticalBytes(t *testing.T) {
	x1 := map[string]any{"a": 1, "b": 2}
	x2 := map[string]any{"b": 2, "a": 1}
	b1, err := Canonicalize(x1)
	require.NoError(t, err)
	b2, err := Canonicalize(x2)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestCanonicalize_RejectsFloats(t *testing.T) {
	_, err := Canonicalize(map[string]any{"a": 1.5})
	require.Error(t, err)
	ge, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.CodeSchemaViolation, ge.Code)
}

func TestCanonicalize_RejectsUnsupportedType(t *testing.T) {
	type weird struct{ X int }
	_, err := Canonicalize(weird{X: 1})
	require.Error(t, err)
}

func TestHash_Deterministic(t *testing.T) {
	x := map[string]any{"a": 1, "nested": map[string]any{"b": "c"}}
	_, h1, err := Hash(x)
	require.NoError(t, err)
	_, h2, err := Hash(x)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("hello"))
	require.Len(t, h, 64)
	require.Equal(t, HashBytes([]byte("hello")), h)
}
