// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"github.com/RandyMcMillan/libnunchuk/appstate"
	"github.com/RandyMcMillan/libnunchuk/keypath"
	"github.com/lightningnetwork/lnd/fn/v2"
)

func (s *Storage) viewState(c keypath.Chain,
	f func(*appstate.Store) error) error {

	return s.view(c, func(cs *chainStore) error {
		st, err := s.appState(cs)
		if err != nil {
			return err
		}
		return f(st)
	})
}

func (s *Storage) updateState(c keypath.Chain,
	f func(*appstate.Store) error) error {

	return s.update(c, func(cs *chainStore) error {
		st, err := s.appState(cs)
		if err != nil {
			return err
		}
		return f(st)
	})
}

// GetChainTip returns the last block height seen on a chain.
func (s *Storage) GetChainTip(c keypath.Chain) (int, error) {
	var tip int
	err := s.viewState(c, func(st *appstate.Store) error {
		var err error
		tip, err = st.ChainTip()
		return err
	})
	return tip, err
}

// SetChainTip records the last block height seen on a chain.
func (s *Storage) SetChainTip(c keypath.Chain, height int) (bool, error) {
	var changed bool
	err := s.updateState(c, func(st *appstate.Store) error {
		var err error
		changed, err = st.SetChainTip(height)
		return err
	})
	return changed, err
}

// GetSelectedWallet returns the wallet last selected on a chain.
func (s *Storage) GetSelectedWallet(c keypath.Chain) (fn.Option[string],
	error) {

	selected := fn.None[string]()
	err := s.viewState(c, func(st *appstate.Store) error {
		var err error
		selected, err = st.SelectedWallet()
		return err
	})
	return selected, err
}

// SetSelectedWallet records the selected wallet of a chain.
func (s *Storage) SetSelectedWallet(c keypath.Chain, id string) (bool,
	error) {

	var changed bool
	err := s.updateState(c, func(st *appstate.Store) error {
		var err error
		changed, err = st.SetSelectedWallet(id)
		return err
	})
	return changed, err
}

// GetStorageVersion returns the layout version of a chain.
func (s *Storage) GetStorageVersion(c keypath.Chain) (int64, error) {
	var version int64
	err := s.viewState(c, func(st *appstate.Store) error {
		var err error
		version, err = st.StorageVersion()
		return err
	})
	return version, err
}
