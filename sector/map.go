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

// Package sector maps logical sectors to NAND pages through the journal.
//
// The index is a radix tree keyed on the 32 bits of the sector id, stored
// implicitly in the journal's per-page metadata slots: the journal root's
// metadata is the tree root, and the alt-pointer at depth d identifies the
// subtree of sectors that differ from the node's id in bit 31-d. Installing
// a page whose metadata carries an updated alt vector as the new journal
// root atomically installs an updated tree, so tree durability rides on
// journal durability for free. The price is that writes and trims trace
// the path to the target (up to 32 metadata reads) before enqueueing.
//
// The number of live sectors is persisted in the journal's cookie.
package sector

import (
	"errors"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/nandmap/nandmap/journal"
	"github.com/nandmap/nandmap/nand"
)

// Sector is a logical sector identifier exposed to the user.
type Sector = uint32

// SectorNone is a reserved sector id, used on media to mark pad pages that
// belong to no sector.
const SectorNone Sector = 0xffffffff

// radixDepth is the number of bits in a sector id, and so the depth of the
// index tree.
const radixDepth = 32

var (
	// ErrNotFound is returned by Find for unmapped sectors. Read treats
	// unmapped sectors as blank rather than failing.
	ErrNotFound = errors.New("sector: not found")

	// ErrFull is returned when writing a new sector would exceed the
	// map's capacity.
	ErrFull = errors.New("sector: map full")
)

var (
	readMeter  = metrics.NewRegisteredMeter("nandmap/sector/read", nil)
	writeMeter = metrics.NewRegisteredMeter("nandmap/sector/write", nil)
	trimMeter  = metrics.NewRegisteredMeter("nandmap/sector/trim", nil)
	gcMeter    = metrics.NewRegisteredMeter("nandmap/sector/gc", nil)
)

// Map is a journal indexing layer translating logical sectors to pages of
// data in flash. Like the journal underneath it, a Map is single-writer and
// performs no locking of its own.
type Map struct {
	dev     nand.Device
	j       *journal.Journal
	gcRatio uint8

	// count is the number of live sectors; its persistent copy lives in
	// the journal cookie.
	count uint32
}

// New constructs a map (and its journal) over the given device. The page
// buffer is handed to the journal; pass nil to have one allocated.
//
// gcRatio is the number of garbage collection steps per user write when
// automatic collection kicks in. Smaller values give faster, more
// predictable writes at the expense of capacity. Always bring up the same
// chip with the same ratio.
func New(dev nand.Device, pageBuf []byte, gcRatio uint8) *Map {
	if gcRatio == 0 {
		gcRatio = 1
	}
	return &Map{
		dev:     dev,
		j:       journal.New(dev, pageBuf),
		gcRatio: gcRatio,
	}
}

// Journal returns the underlying journal, for inspection and tooling.
func (m *Map) Journal() *journal.Journal { return m.j }

// Resume recovers stored state from the chip. If no valid state is found,
// an error is returned and the map comes up empty.
func (m *Map) Resume() error {
	if err := m.j.Resume(); err != nil {
		m.count = 0
		return err
	}
	m.count = m.j.Cookie()
	log.Debug("Sector map resumed", "sectors", m.count, "capacity", m.Capacity())
	return nil
}

// Clear deletes all sectors.
func (m *Map) Clear() {
	if m.count != 0 {
		m.count = 0
		m.j.Clear()
	}
}

// Capacity returns the maximum number of sectors the map can hold, after
// reserving journal space for garbage collection and a safety margin for
// bad-block handling. It may be zero.
func (m *Map) Capacity() uint32 {
	cap := m.j.Capacity()
	reserve := cap / (uint32(m.gcRatio) + 1)
	safety := uint32(journal.MaxRetries) << m.dev.Log2PagesPerBlock()

	if reserve+safety >= cap {
		return 0
	}
	return cap - reserve - safety
}

// Size returns the current number of live sectors.
func (m *Map) Size() uint32 { return m.count }

// Find returns the physical page holding the current data of a sector, or
// ErrNotFound if the sector is unmapped.
func (m *Map) Find(s Sector) (nand.Page, error) {
	var scratch [journal.MetaSize]byte
	return m.tracePath(s, scratch[:])
}

// Read reads a sector into out, which must hold a full page. Unmapped
// sectors read back as all-0xff.
func (m *Map) Read(s Sector, out []byte) error {
	readMeter.Mark(1)

	p, err := m.Find(s)
	switch {
	case errors.Is(err, ErrNotFound):
		for i := 0; i < 1<<m.dev.Log2PageSize(); i++ {
			out[i] = 0xff
		}
		return nil
	case err != nil:
		return err
	}
	return m.dev.Read(p, 0, 1<<m.dev.Log2PageSize(), out)
}

// Write stores a full page of data under a sector. The write is idempotent
// per sector and not durable until the next Sync.
func (m *Map) Write(s Sector, data []byte) error {
	writeMeter.Mark(1)
	var meta [journal.MetaSize]byte

	for {
		oldCount := m.count

		if err := m.prepareWrite(s, meta[:]); err != nil {
			return err
		}
		err := m.j.Enqueue(data, meta[:])
		if err == nil {
			return nil
		}
		m.count = oldCount
		if err = m.tryRecover(err); err != nil {
			return err
		}
	}
}

// CopyPage places an arbitrary physical page under a sector.
func (m *Map) CopyPage(src nand.Page, dst Sector) error {
	var meta [journal.MetaSize]byte

	for {
		oldCount := m.count

		if err := m.prepareWrite(dst, meta[:]); err != nil {
			return err
		}
		err := m.j.Copy(src, meta[:])
		if err == nil {
			return nil
		}
		m.count = oldCount
		if err = m.tryRecover(err); err != nil {
			return err
		}
	}
}

// CopySector copies one sector onto another. If the source is unmapped, the
// destination is trimmed.
func (m *Map) CopySector(src, dst Sector) error {
	p, err := m.Find(src)
	switch {
	case errors.Is(err, ErrNotFound):
		return m.Trim(dst)
	case err != nil:
		return err
	}
	return m.CopyPage(p, dst)
}

// Trim deletes a sector. Trimming is never required, but it is a useful
// hint when the sector's data no longer needs to be kept.
func (m *Map) Trim(s Sector) error {
	trimMeter.Mark(1)

	for {
		if err := m.autoGC(); err != nil {
			return err
		}
		err := m.tryDelete(s)
		if err == nil {
			return nil
		}
		if err = m.tryRecover(err); err != nil {
			return err
		}
	}
}

// Sync drives the journal to a checkpoint. Once it returns nil, all changes
// to date are durable: a Resume on a fresh instance over the same media
// recovers them.
func (m *Map) Sync() error {
	for !m.j.IsClean() {
		var err error

		if p := m.j.Peek(); p == nand.PageNone {
			// Empty but dirty: the in-progress period has to be
			// closed out with padding.
			err = m.padQueue()
		} else {
			if err = m.rawGC(p); err == nil {
				m.j.Dequeue()
			}
		}
		if err != nil {
			if err = m.tryRecover(err); err != nil {
				return err
			}
		}
	}
	return nil
}

// GC performs one garbage collection step. Calling it is optional;
// collection happens automatically, interleaved with writes.
func (m *Map) GC() error {
	if m.count == 0 {
		return nil
	}
	for {
		tail := m.j.Peek()
		if tail == nand.PageNone {
			return nil
		}
		err := m.rawGC(tail)
		if err == nil {
			m.j.Dequeue()
			return nil
		}
		if err = m.tryRecover(err); err != nil {
			return err
		}
	}
}
