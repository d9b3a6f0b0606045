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
	"testing"

	"github.com/nandmap/nandmap/nand"
	"github.com/nandmap/nandmap/nand/nandsim"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestMapRandomOps drives random interleavings of write, trim, sync and
// restart against a model map and checks that every sector reads back as
// the last unshadowed write, or blank if there is none.
func TestMapRandomOps(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		const sectorSpace = 16

		dev := nandsim.NewDefault()
		m := New(dev, nil, 4)
		m.Resume() // fresh chip

		model := make(map[Sector]int64)
		steps := rapid.IntRange(1, 50).Draw(rt, "steps").(int)

		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 5).Draw(rt, "op").(int) {
			case 0, 1, 2: // writes dominate
				s := Sector(rapid.Uint32Range(0, sectorSpace-1).Draw(rt, "writeSector").(uint32))
				seed := int64(i)<<8 | int64(s)
				var buf [simPageSize]byte
				nandsim.SeqFill(seed, buf[:])
				require.NoError(t, m.Write(s, buf[:]))
				model[s] = seed
			case 3:
				s := Sector(rapid.Uint32Range(0, sectorSpace-1).Draw(rt, "trimSector").(uint32))
				require.NoError(t, m.Trim(s))
				delete(model, s)
			case 4:
				require.NoError(t, m.Sync())
			case 5:
				require.NoError(t, m.Sync())
				if m.j.Root() != nand.PageNone {
					require.NoError(t, m.Resume())
				} else {
					// Nothing ever reached the chip; the resume
					// scan finds a blank journal.
					m.Resume()
				}
			}
		}

		require.Equal(t, uint32(len(model)), m.Size())
		for s := Sector(0); s < sectorSpace; s++ {
			if seed, ok := model[s]; ok {
				var buf [simPageSize]byte
				require.NoError(t, m.Read(s, buf[:]))
				require.NoError(t, nandsim.SeqCheck(seed, buf[:]), "sector %d", s)
			} else {
				mtAssertBlank(t, m, s)
			}
		}
	})
}
