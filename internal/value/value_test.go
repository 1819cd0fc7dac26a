package value

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfer_Primitives(t *testing.T) {
	v, err := Infer(true)
	require.NoError(t, err)
	require.Equal(t, KindBool, v.Kind())
	require.Equal(t, true, v.Raw())

	v, err = Infer("hello")
	require.NoError(t, err)
	require.Equal(t, KindText, v.Kind())

	v, err = Infer(123)
	require.NoError(t, err)
	require.Equal(t, KindInt32, v.Kind())

	v, err = Infer(int64(123))
	require.NoError(t, err)
	require.Equal(t, KindInt64, v.Kind())
}

func TestInfer_NilRejected(t *testing.T) {
	_, err := Infer(nil)
	require.Error(t, err)
}

func TestInfer_RoundTrip(t *testing.T) {
	for _, in := range []any{true, "hello", 123, int64(123), 1.5} {
		v, err := Infer(in)
		require.NoError(t, err)
		require.Equal(t, in, ToGo(v))
	}
}

func TestOptionalWrapsNull(t *testing.T) {
	opt := Optional(nil)
	require.Equal(t, KindOptional, opt.Kind())
	require.Nil(t, opt.Raw())
}

func TestStructInference(t *testing.T) {
	type Row struct {
		Name string
		Age  int32
	}
	v, err := Infer(Row{Name: "a", Age: 1})
	require.NoError(t, err)
	require.Equal(t, KindStruct, v.Kind())
	m := v.Raw().(map[string]any)
	require.Equal(t, "a", m["Name"])
}
