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
	"encoding/binary"

	"github.com/nandmap/nandmap/nand"
)

// A metadata slot stores the owning sector id in its first four bytes,
// followed by one alt-pointer per radix depth: the page rooting the subtree
// of sectors that disagree with this node's id in that depth's bit. Unused
// alt slots hold PageNone.

// MetaID returns the owning sector recorded in a metadata slot.
func MetaID(meta []byte) Sector {
	return binary.LittleEndian.Uint32(meta)
}

func metaSetID(meta []byte, s Sector) {
	binary.LittleEndian.PutUint32(meta, s)
}

// MetaAlt returns the alt-pointer stored at the given radix depth.
func MetaAlt(meta []byte, depth int) nand.Page {
	return binary.LittleEndian.Uint32(meta[4+(depth<<2):])
}

func metaSetAlt(meta []byte, depth int, p nand.Page) {
	binary.LittleEndian.PutUint32(meta[4+(depth<<2):], p)
}

// dbit returns the sector id bit examined at the given depth: depth 0 keys
// on the most significant bit.
func dbit(depth int) Sector {
	return 1 << (radixDepth - depth - 1)
}
