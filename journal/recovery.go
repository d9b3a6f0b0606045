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
	"errors"

	"github.com/ethereum/go-ethereum/log"
	"github.com/nandmap/nandmap/nand"
)

// NextRecoverable enumerates the pages of the block under recovery, from
// the start of the block up to and including the recovery root. It returns
// PageNone once enumeration is complete (or if no recovery is in progress).
//
// After an operation returns ErrRecover, the caller must drain this
// enumeration, rewriting each page forward (typically via Copy with
// refreshed metadata), and then proceed to the next checkpoint. Once the
// journal is clean again, recovery finishes automatically. New data must
// not be added until then; rewrites of recovered pages are fine.
func (j *Journal) NextRecoverable() nand.Page {
	n := j.recoverNext

	if !j.InRecovery() || j.flags&flagEnumDone != 0 {
		return nand.PageNone
	}
	if j.recoverNext == j.recoverRoot {
		j.flags |= flagEnumDone
	} else {
		j.recoverNext = j.nextUpage(j.recoverNext)
	}
	return n
}

// recoverFrom reacts to a write failure. Bad blocks enter (or restart) the
// assisted recovery protocol; everything else propagates untouched.
func (j *Journal) recoverFrom(writeErr error) error {
	if !errors.Is(writeErr, nand.ErrBadBlock) {
		return writeErr
	}
	oldHead := j.head
	ppb := j.dev.Log2PagesPerBlock()

	// Move the head past the failed block first.
	j.bbCurrent++
	if err := j.skipBlock(); err != nil {
		return err
	}

	if j.InRecovery() {
		j.restartRecovery(oldHead)
		return ErrRecover
	}

	// A failure on the first write into a block means the block held no
	// data yet: mark it and move on, nothing to relocate.
	if isAligned(oldHead, ppb) {
		j.markBad(oldHead >> ppb)
		return nil
	}

	j.recoverRoot = j.root
	j.recoverNext = j.recoverRoot &^ (uint32(1)<<ppb - 1)

	// Buffered metadata for an unfinished period must survive recovery;
	// dump it to a fresh page where ReadMeta can find it.
	if !isAligned(oldHead, j.log2ppc) {
		if err := j.dumpMeta(); err != nil {
			return err
		}
	}

	j.flags |= flagRecovery
	recoveryMeter.Mark(1)
	log.Warn("Journal entering bad-block recovery", "block", oldHead>>ppb, "recoverRoot", j.recoverRoot)
	return ErrRecover
}

// restartRecovery handles a second bad block appearing while recovery is
// already in progress: the enumeration rewinds to the start of the original
// bad block and the caller starts over.
func (j *Journal) restartRecovery(oldHead nand.Page) {
	ppb := j.dev.Log2PagesPerBlock()

	// Mark the newly failed block bad right away, unless it also holds
	// the dumped metadata; then marking waits until recovery completes.
	if j.recoverMeta == nand.PageNone || !alignEq(j.recoverMeta, oldHead, ppb) {
		j.markBad(oldHead >> ppb)
	} else {
		j.flags |= flagBadMeta
	}

	j.flags &^= flagEnumDone
	j.recoverNext = j.recoverRoot &^ (uint32(1)<<ppb - 1)
	j.root = j.recoverRoot
	log.Warn("Journal recovery restarted", "block", oldHead>>ppb)
}

// dumpMeta writes the buffered metadata of the unfinished period to a fresh
// page at the start of recovery, so that the failed block's slots remain
// readable while its pages are relocated.
func (j *Journal) dumpMeta() error {
	for i := 0; i < MaxRetries; i++ {
		err := j.prepareHead()
		if err == nil {
			if err = j.dev.Prog(j.head, j.pageBuf); err == nil {
				j.recoverMeta = j.head
				j.head = j.nextUpage(j.head)
				if j.head == 0 {
					j.rollStats()
				}
				j.hdrClearUser()
				return nil
			}
		}
		if !errors.Is(err, nand.ErrBadBlock) {
			return err
		}
		j.bbCurrent++
		j.markBad(j.head >> j.dev.Log2PagesPerBlock())
		if err := j.skipBlock(); err != nil {
			return err
		}
	}
	return ErrTooBad
}

// finishRecovery runs on the first successful checkpoint after enumeration
// completes: the recovered block is finally marked bad, along with the
// dumped-metadata block if that one failed too.
func (j *Journal) finishRecovery() {
	j.markBad(j.recoverRoot >> j.dev.Log2PagesPerBlock())

	if j.flags&flagBadMeta != 0 {
		j.markBad(j.recoverMeta >> j.dev.Log2PagesPerBlock())
	}
	j.clearRecovery()
	log.Debug("Journal recovery complete")
}
