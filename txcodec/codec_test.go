package txcodec_test

import (
	"testing"

	"github.com/RandyMcMillan/libnunchuk/descriptor"
	"github.com/RandyMcMillan/libnunchuk/internal/signertest"
	"github.com/RandyMcMillan/libnunchuk/internal/txtest"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/RandyMcMillan/libnunchuk/txcodec"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func testAddress(t *testing.T, b byte, index uint32) string {
	m := signertest.NewMaster(t, b, keypath.Testnet, "")
	w := &descriptor.Wallet{
		M: 1, N: 1, Address: keypath.NativeSegwit, Type: keypath.SingleSig,
		Signers: []descriptor.SingleSigner{
			m.Signer(t, keypath.SingleSig, keypath.NativeSegwit, 0),
		},
	}
	addr, err := descriptor.DeriveAddress(
		w, index, false, keypath.Testnet.Params(),
	)
	require.NoError(t, err)
	return addr
}

func TestDecodeRawTx(t *testing.T) {
	t.Parallel()

	params := keypath.Testnet.Params()
	addr := testAddress(t, 1, 0)
	ins := []txtest.In{{TxID: txtest.Coinbase(7), Vout: 3}}
	outs := []txtest.Out{{Address: addr, Amount: 150000}}

	raw, id := txtest.RawTx(t, params, ins, outs)

	tx, err := txcodec.DecodeRawTx(raw, params)
	require.NoError(t, err)
	require.Equal(t, id, tx.ID)
	require.Nil(t, tx.Psbt)
	require.Empty(t, tx.Signers)
	require.Equal(t, []txcodec.Input{{TxID: txtest.Coinbase(7), Vout: 3}},
		tx.Inputs)
	require.Len(t, tx.Outputs, 1)
	require.Equal(t, addr, tx.Outputs[0].Address)
	require.Equal(t, btcutil.Amount(150000), tx.Outputs[0].Amount)
	require.Equal(t, txtest.Coinbase(7)+":3", tx.Inputs[0].String())

	again, err := txcodec.EncodeRawTx(tx.Msg)
	require.NoError(t, err)
	require.Equal(t, raw, again)

	// Decode falls back to hex when the payload is not a PSBT.
	viaAny, err := txcodec.Decode(raw, params)
	require.NoError(t, err)
	require.Equal(t, id, viaAny.ID)

	_, err = txcodec.DecodeRawTx("zz", params)
	require.ErrorIs(t, err, txcodec.ErrDecode)
	_, err = txcodec.Decode("not a tx", params)
	require.ErrorIs(t, err, txcodec.ErrDecode)
}

func TestDecodePsbtSigners(t *testing.T) {
	t.Parallel()

	params := keypath.Testnet.Params()
	ins := []txtest.In{
		{TxID: txtest.Coinbase(1), Vout: 0},
		{TxID: txtest.Coinbase(2), Vout: 1},
	}
	outs := []txtest.Out{
		{Address: testAddress(t, 1, 0), Amount: 1000},
		{Address: testAddress(t, 2, 0), Amount: 2000},
	}

	const (
		fpA uint32 = 0x04030201
		fpB uint32 = 0x08070605
	)
	b64, id := txtest.Psbt(t, params, ins, outs, []uint32{fpA, fpB},
		map[uint32]bool{fpA: true})

	tx, err := txcodec.DecodePsbt(b64, params)
	require.NoError(t, err)
	require.Equal(t, id, tx.ID)
	require.NotNil(t, tx.Psbt)
	require.Len(t, tx.Inputs, 2)
	require.Len(t, tx.Outputs, 2)

	require.Equal(t, map[string]bool{
		"01020304": true,
		"05060708": false,
	}, tx.Signers)
	require.Equal(t, 1, tx.SignedCount())

	enc, err := txcodec.EncodePsbt(tx.Psbt)
	require.NoError(t, err)
	require.Equal(t, b64, enc)

	viaAny, err := txcodec.Decode(b64, params)
	require.NoError(t, err)
	require.NotNil(t, viaAny.Psbt)
}

func TestFingerprintHex(t *testing.T) {
	t.Parallel()

	require.Equal(t, "01020304", txcodec.FingerprintHex(0x04030201))
	require.Equal(t, "00000000", txcodec.FingerprintHex(0))
}
