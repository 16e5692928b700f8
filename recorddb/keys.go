// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package recorddb

// Key names a scalar slot in a store's string or integer table.  The numeric
// values are persisted and must never be reassigned.
type Key uint32

// Keys shared by every kind of record store.
const (
	KeyID              Key = 0
	KeyVersion         Key = 1
	KeyName            Key = 2
	KeyDescription     Key = 3
	KeyImmutableData   Key = 4
	KeyFingerprint     Key = 5
	KeyMnemonic        Key = 6
	KeyDeviceType      Key = 7
	KeyDeviceModel     Key = 8
	KeyLastHealthCheck Key = 9
	KeyChainTip        Key = 10
	KeySelectedWallet  Key = 11
	KeyLastSyncTs      Key = 12
	KeySignerType      Key = 13
)
