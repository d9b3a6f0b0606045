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

	"github.com/nandmap/nandmap/journal"
	"github.com/nandmap/nandmap/nand"
)

// tracePath walks from the journal root toward target, filling newMeta with
// the alt vector a write of target would need: at depths where the walk
// branches away, the node left behind becomes the recorded sibling; at
// depths where it follows the target's bit, the node's own alt carries
// over. Installing a page with this vector as the journal root therefore
// installs a consistent updated tree.
//
// Returns the page currently holding target, or ErrNotFound with the
// remaining alt slots of newMeta set to PageNone.
func (m *Map) tracePath(target Sector, newMeta []byte) (nand.Page, error) {
	var meta [journal.MetaSize]byte
	depth := 0

	metaSetID(newMeta, target)

	p := m.j.Root()
	if p == nand.PageNone {
		return traceNotFound(newMeta, depth)
	}
	if err := m.j.ReadMeta(p, meta[:]); err != nil {
		return nand.PageNone, err
	}

	for ; depth < radixDepth; depth++ {
		id := MetaID(meta[:])
		if id == SectorNone {
			// Pad page: nothing lives below it.
			return traceNotFound(newMeta, depth)
		}
		if (target^id)&dbit(depth) != 0 {
			metaSetAlt(newMeta, depth, p)
			p = MetaAlt(meta[:], depth)
			if p == nand.PageNone {
				return traceNotFound(newMeta, depth+1)
			}
			if err := m.j.ReadMeta(p, meta[:]); err != nil {
				return nand.PageNone, err
			}
		} else {
			metaSetAlt(newMeta, depth, MetaAlt(meta[:], depth))
		}
	}
	return p, nil
}

// traceNotFound completes a partial alt vector with empty slots.
func traceNotFound(newMeta []byte, depth int) (nand.Page, error) {
	for ; depth < radixDepth; depth++ {
		metaSetAlt(newMeta, depth, nand.PageNone)
	}
	return nand.PageNone, ErrNotFound
}

// prepareWrite runs pre-write housekeeping: garbage collection if the
// journal is at capacity, the path trace for the target, the live-count
// bump for fresh sectors, and staging the new count in the cookie.
func (m *Map) prepareWrite(dst Sector, meta []byte) error {
	if err := m.autoGC(); err != nil {
		return err
	}
	_, err := m.tracePath(dst, meta)
	switch {
	case errors.Is(err, ErrNotFound):
		if m.count >= m.Capacity() {
			return ErrFull
		}
		m.count++
	case err != nil:
		return err
	}
	m.j.SetCookie(m.count)
	return nil
}

// tryDelete unlinks a sector by rewriting its closest cousin with a path
// that no longer reaches the deleted node. Journal errors are returned raw;
// the caller handles recovery.
func (m *Map) tryDelete(s Sector) error {
	var (
		meta    [journal.MetaSize]byte
		altMeta [journal.MetaSize]byte
		altPage nand.Page
	)
	_, err := m.tracePath(s, meta[:])
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	// Select the closest cousin of the node: the deepest non-empty alt.
	level := radixDepth - 1
	for level >= 0 {
		altPage = MetaAlt(meta[:], level)
		if altPage != nand.PageNone {
			break
		}
		level--
	}

	// No cousin anywhere means this was the last live sector.
	if level < 0 {
		m.count = 0
		m.j.Clear()
		return nil
	}

	// Rewrite the cousin with an up-to-date path which doesn't point to
	// the deleted node: its own id, the branch level emptied, everything
	// below the branch taken from the cousin's vector.
	if err := m.j.ReadMeta(altPage, altMeta[:]); err != nil {
		return err
	}
	metaSetID(meta[:], MetaID(altMeta[:]))
	metaSetAlt(meta[:], level, nand.PageNone)
	for i := level + 1; i < radixDepth; i++ {
		metaSetAlt(meta[:], i, MetaAlt(altMeta[:], i))
	}

	m.j.SetCookie(m.count - 1)
	if err := m.j.Copy(altPage, meta[:]); err != nil {
		return err
	}
	m.count--
	return nil
}
