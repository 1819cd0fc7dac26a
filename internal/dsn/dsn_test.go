package dsn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_PathDatabase(t *testing.T) {
	info, err := Parse("grpcs://nexus.example.com:2135/local?application=myapp")
	require.NoError(t, err)
	require.True(t, info.Secure)
	require.Equal(t, "nexus.example.com", info.Host)
	require.Equal(t, 2135, info.Port)
	require.Equal(t, "/local", info.Database)
	require.Equal(t, "myapp", info.Application)
}

func TestParse_QueryDatabase(t *testing.T) {
	info, err := Parse("grpc://localhost?database=/local")
	require.NoError(t, err)
	require.False(t, info.Secure)
	require.Equal(t, 80, info.Port)
	require.Equal(t, "/local", info.Database)
}

func TestParse_MissingDatabase(t *testing.T) {
	_, err := Parse("grpc://localhost:2136")
	require.Error(t, err)
}

func TestParse_UnsupportedScheme(t *testing.T) {
	_, err := Parse("http://localhost/local")
	require.Error(t, err)
}

func TestParse_DefaultSecurePort(t *testing.T) {
	info, err := Parse("grpcs://localhost/local")
	require.NoError(t, err)
	require.Equal(t, 443, info.Port)
}
