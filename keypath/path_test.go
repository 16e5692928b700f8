package keypath

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestDerivePath checks the canonical path of every bucket.
func TestDerivePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		chain   Chain
		wallet  WalletType
		address AddressType
		index   int
		path    string
	}{
		{"bip84 main", Main, SingleSig, NativeSegwit, 0, "m/84h/0h/0h"},
		{"bip49 test", Testnet, SingleSig, NestedSegwit, 3, "m/49h/1h/3h"},
		{"bip44 regtest", Regtest, SingleSig, Legacy, 1, "m/44h/1h/1h"},
		{"bip86 main", Main, SingleSig, Taproot, 7, "m/86h/0h/7h"},
		{"bip48 any", Main, MultiSig, AnyAddress, 2, "m/48h/0h/2h/2h"},
		{"bip48 nested", Testnet, MultiSig, NestedSegwit, 2, "m/48h/1h/2h/2h"},
		{"escrow", Testnet, Escrow, NativeSegwit, 5, "m/45h/1h/5h"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			path, err := DerivePath(
				test.chain, test.wallet, test.address, test.index,
			)
			require.NoError(t, err)
			require.Equal(t, test.path, path)
			require.Equal(t, test.index, ParseIndexFromPath(path))

			b, ok := BucketOf(path)
			require.True(t, ok)
			require.Equal(t, BucketFor(test.wallet, test.address), b)
		})
	}

	_, err := DerivePath(Main, SingleSig, AnyAddress, 0)
	require.ErrorIs(t, err, ErrNoBucket)

	_, err = DerivePath(Main, MultiSig, AnyAddress, -1)
	require.ErrorIs(t, err, ErrInvalidPath)
}

// TestFormalizePath ensures equivalent spellings of a path normalize to the
// same string.
func TestFormalizePath(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"m/48'/0'/0'/2'", "M/48H/0H/0H/2H", "48'/0'/0'/2'",
		"/48h/0h/0h/2h", " m/48h/0h/0h/2h/ ",
	} {
		require.Equal(t, "m/48h/0h/0h/2h", FormalizePath(in), in)
	}
	require.Equal(t, "m", FormalizePath(""))
	require.Equal(t, "m", FormalizePath("m"))
}

// TestTagOf checks the custom paths cached at first connection are not
// mistaken for bucket entries.
func TestTagOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, TagCustom, TagOf("m"))
	require.Equal(t, TagCustom, TagOf(MainnetHealthCheckPath))
	require.Equal(t, TagCustom, TagOf(TestnetHealthCheckPath))
	require.Equal(t, TagCustom, TagOf("m/84h/0h/0h/0/1"))
	require.Equal(t, TagCustom, TagOf("m/48h/0h/0h/1h"))
	require.Equal(t, "bip84", TagOf("m/84'/1'/0'"))
	require.Equal(t, "bip48", TagOf("m/48'/1'/9'/2'"))
	require.Equal(t, "escrow", TagOf("m/45h/0h/0h"))

	require.Equal(t, -1, ParseIndexFromPath("m"))
	require.Equal(t, -1, ParseIndexFromPath("m/84h/zz/0h"))
}

// TestDerivePathProperties checks that within a bucket DerivePath is
// injective, strictly increasing in index and inverted by
// ParseIndexFromPath.
func TestDerivePathProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chain := rapid.SampledFrom(Chains).Draw(t, "chain")
		bucket := rapid.SampledFrom(CacheBuckets).Draw(t, "bucket")
		i := rapid.IntRange(0, 1<<20).Draw(t, "i")
		j := rapid.IntRange(0, 1<<20).Draw(t, "j")

		pi, err := DerivePath(chain, bucket.Wallet, bucket.Address, i)
		require.NoError(t, err)
		pj, err := DerivePath(chain, bucket.Wallet, bucket.Address, j)
		require.NoError(t, err)

		require.Equal(t, i, ParseIndexFromPath(pi))
		require.Equal(t, j, ParseIndexFromPath(pj))
		require.Equal(t, i == j, pi == pj)

		ii, err := Parse(pi)
		require.NoError(t, err)
		jj, err := Parse(pj)
		require.NoError(t, err)
		if i < j {
			require.Less(t, ii[2], jj[2])
		}
	})
}
