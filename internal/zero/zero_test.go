package zero_test

import (
	"testing"

	"github.com/RandyMcMillan/libnunchuk/internal/zero"
	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 31, 32, 33, 1000} {
		b := make([]byte, n)
		for i := range b {
			b[i] = 0xa5
		}
		zero.Bytes(b)
		require.Equal(t, make([]byte, n), b)
	}
}

func TestPassphrase(t *testing.T) {
	t.Parallel()

	b, clear := zero.Passphrase("hunter2")
	require.Equal(t, []byte("hunter2"), b)
	clear()
	require.Equal(t, make([]byte, 7), b)
}
