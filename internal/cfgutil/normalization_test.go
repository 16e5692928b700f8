package cfgutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	addr, err := NormalizeAddress("localhost", "50002")
	require.NoError(t, err)
	require.Equal(t, "localhost:50002", addr)

	addr, err = NormalizeAddress("::1", "50001")
	require.NoError(t, err)
	require.Equal(t, "[::1]:50001", addr)

	addr, err = NormalizeAddress("example.com:700", "50002")
	require.NoError(t, err)
	require.Equal(t, "example.com:700", addr)
}

func TestParseServer(t *testing.T) {
	tests := []struct {
		in      string
		want    Server
		wantErr bool
	}{
		{
			in:   "electrum.example.com",
			want: Server{Address: "electrum.example.com:50002", TLS: true},
		},
		{
			in:   "tcp://127.0.0.1:60401",
			want: Server{Address: "127.0.0.1:60401"},
		},
		{
			in:   "ssl://host",
			want: Server{Address: "host:50002", TLS: true},
		},
		{
			in: "ws://host:8080/electrum",
			want: Server{
				Address:   "ws://host:8080/electrum",
				WebSocket: true,
			},
		},
		{
			in: "wss://host",
			want: Server{
				Address:   "wss://host:50002",
				TLS:       true,
				WebSocket: true,
			},
		},
		{in: "gopher://host", wantErr: true},
		{in: "tcp://", wantErr: true},
	}

	for _, test := range tests {
		srv, err := ParseServer(test.in, "50002", true)
		if test.wantErr {
			require.Error(t, err, test.in)
			continue
		}
		require.NoError(t, err, test.in)
		require.Equal(t, test.want, *srv, test.in)
	}
}

func TestExplicitString(t *testing.T) {
	e := NewExplicitString("a")
	e.SetDefault("b")
	require.Equal(t, "b", e.Value)
	require.False(t, e.ExplicitlySet())

	require.NoError(t, e.UnmarshalFlag("c"))
	e.SetDefault("d")
	require.Equal(t, "c", e.Value)
	require.True(t, e.ExplicitlySet())
}
