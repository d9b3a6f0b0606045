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

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/nandmap/nandmap/nand"
)

// Resume searches the NAND for the journal head, or leaves an empty journal
// if no valid state is found. The scan is O(log N) in the number of pages;
// all other operations are O(1).
//
// If Resume fails, the journal is reset to an empty state and the caller
// may continue with it.
func (j *Journal) Resume() error {
	first, err := j.findCheckblock(0)
	if err != nil {
		j.reset()
		log.Debug("Journal resume found no checkpoint, starting empty", "err", err)
		return err
	}
	// Adopt the epoch of the first checkblock; the rest of the scan only
	// trusts checkpoints from the same generation.
	j.epoch = j.hdrEpoch()

	last := j.findLastCheckblock(first)
	lastGroup := j.findLastGroup(last)

	if err := j.findRoot(lastGroup); err != nil {
		j.reset()
		log.Debug("Journal resume found no usable root, starting empty", "err", err)
		return err
	}

	// The staging buffer now holds the root period's meta-page, cookie
	// included. Restore the header fields and drop the stale slots.
	j.tail = j.hdrTail()
	j.bbCurrent = j.hdrBBCurrent()
	j.bbLast = j.hdrBBLast()
	j.hdrClearUser()

	j.findHead(lastGroup)

	j.flags = 0
	j.tailSync = j.tail
	j.clearRecovery()
	j.metaCache.Purge()

	log.Debug("Journal resumed", "root", j.root, "head", j.head, "tail", j.tail,
		"epoch", j.epoch, "badCurrent", j.bbCurrent, "badEstimate", j.bbLast)
	return nil
}

// findCheckblock scans forward from blk for the first block carrying a
// checkpoint. A block containing any checkpoint at all contains one in its
// first period; otherwise it would have been considered erasable.
func (j *Journal) findCheckblock(blk nand.Block) (nand.Block, error) {
	pageSize := 1 << j.dev.Log2PageSize()

	for i := 0; blk < j.dev.NumBlocks() && i < MaxRetries; i++ {
		p := blk<<j.dev.Log2PagesPerBlock() | (uint32(1)<<j.log2ppc - 1)

		if !j.dev.IsBad(blk) {
			if err := j.dev.Read(p, 0, pageSize, j.pageBuf); err == nil && j.hdrHasMagic() {
				return blk, nil
			}
		}
		blk++
	}
	return 0, ErrTooBad
}

// findLastCheckblock binary-searches for the highest block still carrying a
// checkpoint of the current epoch, verifying forward so that stale epochs
// beyond the head cannot mislead the search.
func (j *Journal) findLastCheckblock(first nand.Block) nand.Block {
	low, high := first, j.dev.NumBlocks()-1

	for low <= high {
		mid := (low + high) >> 1

		found, err := j.findCheckblock(mid)
		if err != nil || j.hdrEpoch() != j.epoch {
			if mid == 0 {
				return first
			}
			high = mid - 1
			continue
		}
		if found+1 >= j.dev.NumBlocks() {
			return found
		}
		nf, nerr := j.findCheckblock(found + 1)
		if j.hdrEpoch() != j.epoch || nerr != nil {
			return found
		}
		low = nf
	}
	return first
}

// cpFree reports whether a checkpoint period is fit for reprogramming. The
// device's IsFree may be unable to tell an unprogrammed page from one
// programmed with all-0xff bytes, so every page of the period is probed: a
// programmed period's meta-page is never all-0xff (its magic and epoch see
// to that), which keeps the probe sound either way.
func (j *Journal) cpFree(firstUser nand.Page) bool {
	count := uint32(1) << j.log2ppc

	for i := uint32(0); i < count; i++ {
		if !j.dev.IsFree(firstUser + i) {
			return false
		}
	}
	return true
}

// findLastGroup binary-searches the periods of a block for the last
// programmed one. Once a period is completely unprogrammed, everything
// after it in the block is too.
func (j *Journal) findLastGroup(block nand.Block) nand.Page {
	numGroups := uint32(1) << (j.dev.Log2PagesPerBlock() - j.log2ppc)
	low, high := uint32(0), numGroups-1

	for low <= high {
		mid := (low + high) >> 1
		page := mid<<j.log2ppc | block<<j.dev.Log2PagesPerBlock()

		if j.cpFree(page) {
			if mid == 0 {
				break
			}
			high = mid - 1
		} else if mid+1 >= numGroups || j.cpFree(page+uint32(1)<<j.log2ppc) {
			return page
		} else {
			low = mid + 1
		}
	}
	return block << j.dev.Log2PagesPerBlock()
}

// findRoot scans backward from the period containing start until it hits a
// meta-page with valid magic and the current epoch, and records that
// period's last user page as the root.
func (j *Journal) findRoot(start nand.Page) error {
	ppb := j.dev.Log2PagesPerBlock()
	block := start >> ppb
	pageSize := 1 << j.dev.Log2PageSize()

	for i := int((start & (uint32(1)<<ppb - 1)) >> j.log2ppc); i >= 0; i-- {
		page := block<<ppb + uint32(i+1)<<j.log2ppc - 1

		if err := j.dev.Read(page, 0, pageSize, j.pageBuf); err == nil &&
			j.hdrHasMagic() && j.hdrEpoch() == j.epoch {
			j.root = page - 1
			return nil
		}
	}
	return ErrTooBad
}

// findHead walks forward from the period containing start to the next free
// user page, or the first page of the next block. The block it lands on may
// be bad; that gets handled when the next write prepares the head.
func (j *Journal) findHead(start nand.Page) {
	ppb := j.dev.Log2PagesPerBlock()
	ppc := uint32(1) << j.log2ppc

	j.head = j.nextUpage(start)
	if j.head == 0 {
		j.rollStats()
	}

	for {
		// Count free pages trailing the head's period.
		first := j.head &^ (ppc - 1)
		n := uint32(0)
		for n < ppc && j.dev.IsFree(first+ppc-n-1) {
			n++
		}

		// More than one free trailing page means a free user page.
		if n > 1 {
			j.head = first + ppc - n
			break
		}

		// Skip to the next period.
		j.head = first + ppc
		if j.head >= nand.ChipPages(j.dev) {
			j.head = 0
			j.rollStats()
		}

		if isAligned(j.head, ppb) {
			// Keep the head from chasing over the tail.
			if alignEq(j.head, j.tail, ppb) {
				j.tail = j.nextBlock(j.tail>>ppb) << ppb
			}
			break
		}
	}
}
