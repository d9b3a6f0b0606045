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

package journal

import "github.com/nandmap/nandmap/nand"

// isAligned reports whether p is aligned to 2**n.
func isAligned(p nand.Page, n uint) bool {
	return p&(uint32(1)<<n-1) == 0
}

// alignEq reports whether a and b fall in the same alignment group of
// size 2**n.
func alignEq(a, b nand.Page, n uint) bool {
	return (a^b)>>n == 0
}

// wrap reduces a cyclic distance: positions never drift more than one trip
// around the chip apart, so a single conditional subtraction suffices.
func wrap(a, size nand.Page) nand.Page {
	if a >= size {
		return a - size
	}
	return a
}

// nextBlock returns the successor of a block, wrapping at the chip end.
func (j *Journal) nextBlock(b nand.Block) nand.Block {
	b++
	if b >= j.dev.NumBlocks() {
		b = 0
	}
	return b
}

// nextUpage returns the user page following p, skipping over the meta-page
// at the end of each checkpoint period and wrapping at the chip end.
func (j *Journal) nextUpage(p nand.Page) nand.Page {
	p++
	if isAligned(p+1, j.log2ppc) {
		p++
	}
	if p >= nand.ChipPages(j.dev) {
		p = 0
	}
	return p
}

// choosePPC picks the checkpoint period: the largest log2 count such that
// the period's user page metadata, header and cookie fit on one page, and
// the period never exceeds an erase block.
func choosePPC(log2PageSize, log2ppb uint) uint {
	maxMeta := (1 << log2PageSize) - headerSize - cookieSize
	totalMeta := MetaSize
	ppc := uint(1)

	for ppc < log2ppb {
		totalMeta <<= 1
		totalMeta += MetaSize
		if totalMeta > maxMeta {
			break
		}
		ppc++
	}
	return ppc
}
