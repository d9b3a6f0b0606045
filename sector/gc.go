// Copyright 2024 The nandmap Authors
// This file is part of the nandmap library.
//
// The nandmap library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nandmap library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nandmap library. If not, see <http://www.gnu.org/licenses/>.

package sector

import (
	"errors"

	"github.com/ethereum/go-ethereum/log"
	"github.com/nandmap/nandmap/journal"
	"github.com/nandmap/nandmap/nand"
)

// rawGC inspects a candidate page: the journal tail, or a page handed out
// by the recovery enumeration. Pads, replaced sectors and
// stale copies are left to age out; a page still holding a sector's live
// data is rewritten at the front so its block can be erased once the tail
// moves past. Journal errors are returned raw, recovery is the caller's
// business.
func (m *Map) rawGC(src nand.Page) error {
	var meta [journal.MetaSize]byte

	if err := m.j.ReadMeta(src, meta[:]); err != nil {
		return err
	}
	target := MetaID(meta[:])
	if target == SectorNone {
		return nil
	}

	current, err := m.tracePath(target, meta[:])
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if current != src {
		return nil
	}

	gcMeter.Mark(1)
	m.j.SetCookie(m.count)
	return m.j.Copy(src, meta[:])
}

// padQueue closes out the in-progress checkpoint period: an empty journal
// gets a bare pad page, otherwise the current root is recopied so the pad
// carries a live tree.
func (m *Map) padQueue() error {
	var rootMeta [journal.MetaSize]byte

	m.j.SetCookie(m.count)

	p := m.j.Root()
	if p == nand.PageNone {
		return m.j.Enqueue(nil, nil)
	}
	if err := m.j.ReadMeta(p, rootMeta[:]); err != nil {
		return err
	}
	return m.j.Copy(p, rootMeta[:])
}

// tryRecover drives the journal's assisted recovery protocol until the
// journal leaves recovery: each enumerated page is garbage collected
// forward, and pad pages close the checkpoint when enumeration runs dry.
// Only ErrRecover is recoverable; every other cause propagates.
func (m *Map) tryRecover(cause error) error {
	if !errors.Is(cause, journal.ErrRecover) {
		return cause
	}
	restarts := 0

	for m.j.InRecovery() {
		var err error

		if p := m.j.NextRecoverable(); p == nand.PageNone {
			err = m.padQueue()
		} else {
			err = m.rawGC(p)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, journal.ErrRecover) {
			restarts++
			if restarts >= journal.MaxRetries {
				return journal.ErrTooBad
			}
			log.Debug("Sector map restarting journal recovery", "restarts", restarts)
			continue
		}
		return err
	}
	return nil
}

// autoGC keeps the journal ahead of its capacity by running gcRatio
// collection steps per triggering write.
func (m *Map) autoGC() error {
	if m.j.Size() < m.Capacity() {
		return nil
	}
	for i := 0; i < int(m.gcRatio); i++ {
		if err := m.GC(); err != nil {
			return err
		}
	}
	return nil
}
