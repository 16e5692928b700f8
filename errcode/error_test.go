package errcode_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/RandyMcMillan/libnunchuk/errcode"
	"github.com/stretchr/testify/require"
)

// TestErrorCodeStringer tests the stringized output for the ErrorCode type.
func TestErrorCodeStringer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   errcode.ErrorCode
		want string
	}{
		{errcode.ErrDatabase, "ErrDatabase"},
		{errcode.ErrWalletNotFound, "ErrWalletNotFound"},
		{errcode.ErrSignerUsed, "ErrSignerUsed"},
		{errcode.ErrInvalidBip32Path, "ErrInvalidBip32Path"},
		{errcode.ErrDisconnected, "ErrDisconnected"},
		{0xffff, "Unknown ErrorCode (65535)"},
	}
	for _, test := range tests {
		require.Equal(t, test.want, test.in.String())
	}
}

func TestIsStorage(t *testing.T) {
	t.Parallel()

	require.True(t, errcode.ErrWalletExists.IsStorage())
	require.True(t, errcode.ErrBackupFormat.IsStorage())
	require.False(t, errcode.ErrInvalidParameter.IsStorage())
	require.False(t, errcode.ErrServerRequest.IsStorage())
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := errcode.New(errcode.ErrDatabase, "put failed", cause)
	require.Equal(t, "put failed: disk full", err.Error())
	require.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("open wallet: %w", err)
	require.True(t, errcode.Is(wrapped, errcode.ErrDatabase))
	require.False(t, errcode.Is(wrapped, errcode.ErrTxNotFound))

	code, ok := errcode.Code(wrapped)
	require.True(t, ok)
	require.Equal(t, errcode.ErrDatabase, code)

	_, ok = errcode.Code(cause)
	require.False(t, ok)

	e := errcode.Errorf(errcode.ErrInvalidParameter, "m=%d > n=%d", 3, 2)
	require.Equal(t, "m=3 > n=2", e.Error())
}
