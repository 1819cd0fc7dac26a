package yql

import (
	"testing"

	"github.com/nexusdb/nexus-go-sdk/internal/value"
	"github.com/stretchr/testify/require"
)

func TestIdentifier_EscapesBackticks(t *testing.T) {
	require.Equal(t, Unsafe("`a``b`"), Identifier("a`b"))
}

func TestBuild_InfersScalarParams(t *testing.T) {
	tmpl, err := Build(
		[]string{"SELECT ", ", ", ", ", ", ", ""},
		[]any{true, "hello", 123, int64(123)},
	)
	require.NoError(t, err)
	require.Equal(t, "SELECT $p0, $p1, $p2, $p3", tmpl.Text)
	require.Len(t, tmpl.Params, 4)
	require.Equal(t, value.KindBool, tmpl.Params["$p0"].Kind())
	require.Equal(t, value.KindText, tmpl.Params["$p1"].Kind())
	require.Equal(t, value.KindInt32, tmpl.Params["$p2"].Kind())
	require.Equal(t, value.KindInt64, tmpl.Params["$p3"].Kind())
}

func TestBuild_RejectsNil(t *testing.T) {
	_, err := Build([]string{"SELECT ", ""}, []any{nil})
	require.Error(t, err)

	var typedNil *value.Value
	_, err = Build([]string{"SELECT ", ""}, []any{typedNil})
	require.Error(t, err)
}

func TestBuild_UnsafeBypassesParameterization(t *testing.T) {
	tmpl, err := Build(
		[]string{"SELECT * FROM ", " WHERE id = ", ""},
		[]any{Identifier("my table"), 5},
	)
	require.NoError(t, err)
	require.Equal(t, "SELECT * FROM `my table` WHERE id = $p0", tmpl.Text)
	require.Len(t, tmpl.Params, 1)
}

func TestBuild_ExplicitValueUsedDirectly(t *testing.T) {
	tmpl, err := Build([]string{"SELECT ", ""}, []any{value.Int64(7)})
	require.NoError(t, err)
	require.Equal(t, value.KindInt64, tmpl.Params["$p0"].Kind())
}
