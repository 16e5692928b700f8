// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"sort"

	"github.com/RandyMcMillan/libnunchuk/recorddb"
)

// AddAddress records a derived address.  It reports false if the address is
// already in the ledger, in which case the existing entry is left alone.
func (s *Store) AddAddress(addr string, index int, internal bool) (bool,
	error) {

	var added bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		t, err := tx.CreateTable(addressTable)
		if err != nil {
			return err
		}
		row, err := encodeAddressRow(&addressRow{
			index:    int64(index),
			internal: internal,
		})
		if err != nil {
			return err
		}
		added, err = t.Insert(addr, row)
		return err
	})
	if err != nil {
		return false, err
	}

	if added {
		log.Tracef("Wallet %s: added address %s (index %d, "+
			"internal=%v)", s.id, addr, index, internal)
	}
	return added, nil
}

// UseAddress marks an address as used.  It reports true only when the flag
// flips, so a second call for the same address returns false.  Unknown
// addresses are ignored.
func (s *Store) UseAddress(addr string) (bool, error) {
	var changed bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		var err error
		changed, err = useAddress(tx, addr)
		return err
	})
	return changed, err
}

func useAddress(tx *recorddb.Tx, addr string) (bool, error) {
	if addr == "" {
		return false, nil
	}
	return updateAddress(tx, addr, func(r *addressRow) bool {
		if r.used {
			return false
		}
		r.used = true
		return true
	})
}

// updateAddress applies f to the row of addr and writes it back if f reports
// a change.
func updateAddress(tx *recorddb.Tx, addr string,
	f func(*addressRow) bool) (bool, error) {

	t, ok := tx.Table(addressTable)
	if !ok {
		return false, nil
	}
	v, err := t.Get(addr)
	if err != nil || v == nil {
		return false, err
	}
	row, err := decodeAddressRow(v)
	if err != nil {
		return false, err
	}
	if !f(row) {
		return false, nil
	}
	b, err := encodeAddressRow(row)
	if err != nil {
		return false, err
	}
	return t.Put(addr, b)
}

// listAddresses returns every ledger entry keyed by address.
func listAddresses(tx *recorddb.Tx) (map[string]*addressRow, error) {
	rows := make(map[string]*addressRow)
	t, ok := tx.Table(addressTable)
	if !ok {
		return rows, nil
	}
	err := t.ForEach(func(addr string, v []byte) error {
		row, err := decodeAddressRow(v)
		if err != nil {
			return err
		}
		rows[addr] = row
		return nil
	})
	return rows, err
}

func (s *Store) viewAddresses(f func(map[string]*addressRow)) error {
	return s.db.View(func(tx *recorddb.Tx) error {
		rows, err := listAddresses(tx)
		if err != nil {
			return err
		}
		f(rows)
		return nil
	})
}

// GetAddresses returns the addresses matching the used and internal flags in
// index order.
func (s *Store) GetAddresses(used, internal bool) ([]string, error) {
	var entries []Address
	err := s.viewAddresses(func(rows map[string]*addressRow) {
		for addr, r := range rows {
			if r.used == used && r.internal == internal {
				entries = append(entries, Address{
					Address: addr,
					Index:   int(r.index),
				})
			}
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Index < entries[j].Index
	})
	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		addrs = append(addrs, e.Address)
	}
	return addrs, nil
}

// GetAllAddresses returns every address in the ledger.
func (s *Store) GetAllAddresses() ([]string, error) {
	var addrs []string
	err := s.viewAddresses(func(rows map[string]*addressRow) {
		for addr := range rows {
			addrs = append(addrs, addr)
		}
	})
	sort.Strings(addrs)
	return addrs, err
}

// ListAddresses returns the full ledger entries, most recently derived first:
// highest index first, and change before receive at equal index.
func (s *Store) ListAddresses() ([]Address, error) {
	var entries []Address
	err := s.viewAddresses(func(rows map[string]*addressRow) {
		for addr, r := range rows {
			entries = append(entries, Address{
				Address:  addr,
				Index:    int(r.index),
				Internal: r.internal,
				Used:     r.used,
			})
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Index != b.Index {
			return a.Index > b.Index
		}
		if a.Internal != b.Internal {
			return a.Internal
		}
		return a.Address < b.Address
	})
	return entries, nil
}

// GetAddressIndex returns the derivation index of addr, or -1 if it is not
// in the ledger.
func (s *Store) GetAddressIndex(addr string) (int, error) {
	index := -1
	err := s.db.View(func(tx *recorddb.Tx) error {
		t, ok := tx.Table(addressTable)
		if !ok {
			return nil
		}
		v, err := t.Get(addr)
		if err != nil || v == nil {
			return err
		}
		row, err := decodeAddressRow(v)
		if err != nil {
			return err
		}
		index = int(row.index)
		return nil
	})
	return index, err
}

// GetCurrentAddressIndex returns the highest derived index on the receive or
// change branch, or -1 if none has been derived.
func (s *Store) GetCurrentAddressIndex(internal bool) (int, error) {
	current := -1
	err := s.viewAddresses(func(rows map[string]*addressRow) {
		for _, r := range rows {
			if r.internal == internal && int(r.index) > current {
				current = int(r.index)
			}
		}
	})
	return current, err
}

// SetUtxos replaces the UTXO snapshot of an address with the JSON list
// reported by the backend.  It reports false for unknown addresses.
func (s *Store) SetUtxos(addr, utxos string) (bool, error) {
	var found bool
	err := s.db.Update(func(tx *recorddb.Tx) error {
		_, err := updateAddress(tx, addr, func(r *addressRow) bool {
			found = true
			r.utxo = []byte(utxos)
			r.hasUtxo = true
			return true
		})
		return err
	})
	return found, err
}
