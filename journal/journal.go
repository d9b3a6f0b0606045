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

// Package journal implements a wear-leveled, log-structured, double-ended
// queue of pages over raw NAND.
//
// User data is grouped into checkpoint periods of 2**log2ppc contiguous
// aligned pages. The last page of each period is a meta-page carrying the
// journal header, a 4-byte cookie slot for the layer above, and the metadata
// slots of the period's user pages. Writes accumulate in a one-page staging
// buffer and become durable when the period's meta-page is programmed.
//
// Bad blocks are skipped on write and, when a block fails mid-period, an
// assisted recovery protocol lets the caller relocate the failed block's
// pages before the next checkpoint. The queue refuses to grow onto the block
// holding the last-synced tail, which is what bounds the occupancy reported
// by Size against Capacity.
package journal

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru"
	"github.com/nandmap/nandmap/nand"
)

const (
	// MetaSize is the size of the metadata slot accompanying each written
	// page. It is independent of the underlying page size.
	MetaSize = 132

	// MaxRetries bounds how many times an operation moves on to the next
	// block or checkpoint after hitting a bad block.
	MaxRetries = 8

	headerSize = 16
	cookieSize = 4

	// Pages holding programmed meta slots are immutable until their block
	// is erased, which makes them cheap to cache across path traces.
	metaCacheEntries = 128
)

// Journal state flags.
const (
	flagDirty    = 1 << iota // uncheckpointed writes exist
	flagBadMeta              // dumped-meta block went bad, defer marking
	flagRecovery             // assisted recovery in progress
	flagEnumDone             // recovery enumeration handed out all pages
)

var (
	// ErrTooBad is returned when too many consecutive blocks fail for an
	// operation to make progress. A fresh Resume may still succeed.
	ErrTooBad = errors.New("journal: too many bad blocks")

	// ErrRecover asks the caller to run the assisted recovery protocol:
	// drain NextRecoverable, rewriting each page forward, then proceed to
	// the next checkpoint. It is a protocol request, not a failure.
	ErrRecover = errors.New("journal: recovery requested")

	// ErrFull is returned when appending would roll the head onto the
	// same block as the last-synced tail.
	ErrFull = errors.New("journal: full")
)

var (
	enqueueMeter    = metrics.NewRegisteredMeter("nandmap/journal/enqueue", nil)
	copyMeter       = metrics.NewRegisteredMeter("nandmap/journal/pagecopy", nil)
	checkpointMeter = metrics.NewRegisteredMeter("nandmap/journal/checkpoint", nil)
	badBlockMeter   = metrics.NewRegisteredMeter("nandmap/journal/badblock", nil)
	recoveryMeter   = metrics.NewRegisteredMeter("nandmap/journal/recovery", nil)
)

// Journal presents the NAND pages as a double-ended queue. Pages with
// associated metadata may be pushed onto the head, and popped from the tail.
// Block erasure, metadata storage and bad-block relocation are handled
// internally.
//
// The journal is single-writer and performs no locking of its own.
type Journal struct {
	dev nand.Device

	// Staging buffer holding the in-progress meta-page: header, cookie
	// and the metadata slots of the current checkpoint period. Also used
	// as scratch during Resume.
	pageBuf []byte

	log2ppc uint

	epoch uint8
	flags uint8

	// bbLast is the best estimate of the number of bad blocks on the
	// chip as a whole; bbCurrent counts bad blocks observed before the
	// current head within this epoch.
	bbCurrent uint32
	bbLast    uint32

	// tail points to the oldest live user page, head to the next free
	// raw page. tailSync is the tail as of the last checkpoint.
	tailSync nand.Page
	tail     nand.Page
	head     nand.Page

	// root is the last written user page, or PageNone when empty.
	root nand.Page

	// Recovery state: recoverRoot is the last valid user page in the
	// block under recovery, recoverNext the next page to hand out. If
	// buffered metadata was dumped to a free page at the start of
	// recovery, recoverMeta points at it.
	recoverNext nand.Page
	recoverRoot nand.Page
	recoverMeta nand.Page

	metaCache *lru.Cache
}

// New constructs a journal over the given device. The page buffer is used
// exclusively by the journal for staging meta-pages; pass nil to have one
// allocated. No NAND operations are performed.
func New(dev nand.Device, pageBuf []byte) *Journal {
	pageSize := 1 << dev.Log2PageSize()
	if pageBuf == nil {
		pageBuf = make([]byte, pageSize)
	}
	if len(pageBuf) != pageSize {
		panic(fmt.Sprintf("journal: page buffer is %d bytes, device pages are %d", len(pageBuf), pageSize))
	}
	cache, _ := lru.New(metaCacheEntries)

	j := &Journal{
		dev:       dev,
		pageBuf:   pageBuf,
		log2ppc:   choosePPC(dev.Log2PageSize(), dev.Log2PagesPerBlock()),
		metaCache: cache,
	}
	j.reset()
	return j
}

// reset returns the journal to a pristine empty state with a conservative
// bad-block estimate.
func (j *Journal) reset() {
	j.epoch = 0
	j.bbLast = j.dev.NumBlocks() >> 6
	j.bbCurrent = 0
	j.flags = 0

	j.head = 0
	j.tail = 0
	j.tailSync = 0
	j.root = nand.PageNone

	j.clearRecovery()
	j.metaCache.Purge()

	for i := range j.pageBuf {
		j.pageBuf[i] = 0xff
	}
}

func (j *Journal) clearRecovery() {
	j.recoverNext = nand.PageNone
	j.recoverRoot = nand.PageNone
	j.recoverMeta = nand.PageNone
	j.flags &^= flagBadMeta | flagRecovery | flagEnumDone
}

// rollStats starts a new epoch after the head wraps past the end of the
// chip, promoting the current sweep's bad-block count to the chip-wide
// estimate.
func (j *Journal) rollStats() {
	j.bbLast = j.bbCurrent
	j.bbCurrent = 0
	j.epoch++
}

// Capacity returns an upper bound on the number of user pages storable in
// the journal, given the current bad-block estimates.
func (j *Journal) Capacity() uint32 {
	maxBad := j.bbLast
	if j.bbCurrent > maxBad {
		maxBad = j.bbCurrent
	}
	goodBlocks := j.dev.NumBlocks() - maxBad - 1
	log2cpb := j.dev.Log2PagesPerBlock() - j.log2ppc
	goodCps := goodBlocks << log2cpb

	// Each checkpoint period stores 2**ppc - 1 user pages.
	return (goodCps << j.log2ppc) - goodCps
}

// Size returns an upper bound on the number of user pages currently held:
// the raw distance from the synced tail to the head, minus the meta-pages
// enclosed by it.
func (j *Journal) Size() uint32 {
	numPages := j.head
	numCps := j.head >> j.log2ppc

	if j.head < j.tailSync {
		total := nand.ChipPages(j.dev)
		numPages += total
		numCps += total >> j.log2ppc
	}
	numPages -= j.tailSync
	numCps -= j.tailSync >> j.log2ppc

	return numPages - numCps
}

// Root returns the last committed user page, or PageNone if the journal is
// empty.
func (j *Journal) Root() nand.Page { return j.root }

// Cookie returns the 4-byte global metadata slot stored with each
// checkpoint on behalf of the layer above.
func (j *Journal) Cookie() uint32 { return j.hdrCookie() }

// SetCookie stages a new cookie value. It becomes persistent with the next
// checkpoint.
func (j *Journal) SetCookie(v uint32) { j.hdrSetCookie(v) }

// MarkDirty forces the journal to be considered out of sync.
func (j *Journal) MarkDirty() { j.flags |= flagDirty }

// IsClean reports whether all enqueued pages have been checkpointed.
func (j *Journal) IsClean() bool { return j.flags&flagDirty == 0 }

// InRecovery reports whether the assisted recovery protocol is in progress.
func (j *Journal) InRecovery() bool { return j.flags&flagRecovery != 0 }

// Introspection accessors, primarily for invariant checking and tooling.

// Head returns the next free raw page position.
func (j *Journal) Head() nand.Page { return j.head }

// Tail returns the oldest live user page position.
func (j *Journal) Tail() nand.Page { return j.tail }

// TailSync returns the tail position as of the last checkpoint.
func (j *Journal) TailSync() nand.Page { return j.tailSync }

// Epoch returns the current generation counter.
func (j *Journal) Epoch() uint8 { return j.epoch }

// Log2PPC returns the base-2 logarithm of the checkpoint period length.
func (j *Journal) Log2PPC() uint { return j.log2ppc }

// BBCurrent returns the number of bad blocks seen before the head within
// the current epoch.
func (j *Journal) BBCurrent() uint32 { return j.bbCurrent }

// BBLast returns the chip-wide bad block estimate from the previous sweep.
func (j *Journal) BBLast() uint32 { return j.bbLast }

// ReadMeta loads the metadata slot associated with an enqueued page into
// out, which must hold at least MetaSize bytes.
func (j *Journal) ReadMeta(p nand.Page, out []byte) error {
	ppcMask := uint32(1)<<j.log2ppc - 1
	offset := j.userOffset(p & ppcMask)

	// The head period's slots only exist in the staging buffer.
	if alignEq(p, j.head, j.log2ppc) {
		copy(out[:MetaSize], j.pageBuf[offset:offset+MetaSize])
		return nil
	}
	// Slots of the period interrupted by recovery live on the dumped page.
	if j.recoverMeta != nand.PageNone && alignEq(p, j.recoverRoot, j.log2ppc) {
		return j.dev.Read(j.recoverMeta, offset, MetaSize, out)
	}
	if v, ok := j.metaCache.Get(p); ok {
		copy(out[:MetaSize], v.([]byte))
		return nil
	}
	if err := j.dev.Read(p|ppcMask, offset, MetaSize, out); err != nil {
		return err
	}
	cached := make([]byte, MetaSize)
	copy(cached, out[:MetaSize])
	j.metaCache.Add(p, cached)
	return nil
}

// dropBlockMeta evicts cached metadata for every page of a block about to
// be erased.
func (j *Journal) dropBlockMeta(b nand.Block) {
	ppb := j.dev.Log2PagesPerBlock()
	for _, k := range j.metaCache.Keys() {
		if k.(nand.Page)>>ppb == b {
			j.metaCache.Remove(k)
		}
	}
}

// Peek advances the tail over any bad blocks and returns the oldest page
// ready to read, or PageNone if the queue is empty.
func (j *Journal) Peek() nand.Page {
	if j.head == j.tail {
		return nand.PageNone
	}
	ppb := j.dev.Log2PagesPerBlock()

	if isAligned(j.tail, ppb) {
		block := j.tail >> ppb

		for i := 0; i < MaxRetries; i++ {
			if block == j.head>>ppb || !j.dev.IsBad(block) {
				j.tail = block << ppb
				if j.tail == j.head {
					j.root = nand.PageNone
				}
				return j.tail
			}
			block = j.nextBlock(block)
		}
	}
	return j.tail
}

// Dequeue removes the oldest page from the journal. The removal is not
// durable until the next checkpoint.
func (j *Journal) Dequeue() {
	if j.head == j.tail {
		return
	}
	j.tail = j.nextUpage(j.tail)

	// If the journal is clean at the time of dequeue, the data was
	// already obsolete on media and its space can be reused immediately.
	if j.flags&(flagDirty|flagRecovery) == 0 {
		j.tailSync = j.tail
	}

	chipSize := nand.ChipPages(j.dev)
	rawSize := wrap(j.head+chipSize-j.tail, chipSize)
	rootOffset := wrap(j.head+chipSize-j.root, chipSize)

	if rootOffset > rawSize {
		j.root = nand.PageNone
	}
}

// Clear logically drains the journal to empty. The removal is not durable
// until the next checkpoint.
func (j *Journal) Clear() {
	j.tail = j.head
	j.root = nand.PageNone
	j.flags |= flagDirty

	j.hdrClearUser()
}

// Enqueue appends a page to the journal. A nil data slice pushes a pad slot
// without programming anything; a nil meta slice fills the slot with 0xff.
// The push is not persistent until the next checkpoint.
//
// Enqueue may fail with ErrRecover, after which the caller must complete
// the assisted recovery procedure and retry. If further bad blocks appear
// during recovery, ErrRecover is returned again and the procedure restarts.
func (j *Journal) Enqueue(data, meta []byte) error {
	enqueueMeter.Mark(1)

	for i := 0; i < MaxRetries; i++ {
		err := j.prepareHead()
		if err == nil {
			if data == nil {
				return j.pushMeta(meta)
			}
			if err = j.dev.Prog(j.head, data); err == nil {
				return j.pushMeta(meta)
			}
		}
		if err = j.recoverFrom(err); err != nil {
			return err
		}
	}
	return ErrTooBad
}

// Copy appends an existing page to the journal by asking the device to copy
// it, attaching fresh metadata. Persistence and recovery semantics match
// Enqueue.
func (j *Journal) Copy(src nand.Page, meta []byte) error {
	copyMeter.Mark(1)

	for i := 0; i < MaxRetries; i++ {
		err := j.prepareHead()
		if err == nil {
			if err = j.dev.Copy(src, j.head); err == nil {
				return j.pushMeta(meta)
			}
		}
		if err = j.recoverFrom(err); err != nil {
			return err
		}
	}
	return ErrTooBad
}

// skipBlock rolls the head onto the next block, refusing to collide with
// the block holding the synced tail.
func (j *Journal) skipBlock() error {
	ppb := j.dev.Log2PagesPerBlock()
	next := j.nextBlock(j.head >> ppb)

	if j.tailSync>>ppb == next {
		return ErrFull
	}
	j.head = next << ppb
	if j.head == 0 {
		j.rollStats()
	}
	return nil
}

// prepareHead makes sure the head is on a ready-to-program page, erasing
// ahead when the head enters a fresh block and skipping bad blocks.
func (j *Journal) prepareHead() error {
	ppb := j.dev.Log2PagesPerBlock()
	next := j.nextUpage(j.head)

	// Refuse if writing would roll the head onto the same block as the
	// last-synced tail.
	if alignEq(next, j.tailSync, ppb) && !alignEq(next, j.head, ppb) {
		return ErrFull
	}
	j.flags |= flagDirty

	if !isAligned(j.head, ppb) {
		return nil
	}
	for i := 0; i < MaxRetries; i++ {
		block := j.head >> ppb

		if !j.dev.IsBad(block) {
			j.dropBlockMeta(block)
			return j.dev.Erase(block)
		}
		j.bbCurrent++
		if err := j.skipBlock(); err != nil {
			return err
		}
	}
	return ErrTooBad
}

// pushMeta stores the metadata slot for the page just written at the head
// and advances the journal, programming the period's meta-page when the
// slot filled was the period's last.
func (j *Journal) pushMeta(meta []byte) error {
	oldHead := j.head
	offset := j.userOffset(j.head & (uint32(1)<<j.log2ppc - 1))

	if meta == nil {
		for i := offset; i < offset+MetaSize; i++ {
			j.pageBuf[i] = 0xff
		}
	} else {
		copy(j.pageBuf[offset:offset+MetaSize], meta[:MetaSize])
	}

	// Unless the period is now full, no I/O is needed.
	if !isAligned(j.head+2, j.log2ppc) {
		j.root = j.head
		j.head++
		return nil
	}

	// A meta-page program can never be block-aligned, so there is no
	// erase to worry about here.
	j.hdrPutMagic()
	j.hdrSetEpoch(j.epoch)
	j.hdrSetTail(j.tail)
	j.hdrSetBBCurrent(j.bbCurrent)
	j.hdrSetBBLast(j.bbLast)

	if err := j.dev.Prog(j.head+1, j.pageBuf); err != nil {
		return j.recoverFrom(err)
	}
	checkpointMeter.Mark(1)

	j.flags &^= flagDirty
	j.root = oldHead
	j.head = j.nextUpage(j.head)
	if j.head == 0 {
		j.rollStats()
	}

	if j.flags&flagEnumDone != 0 {
		j.finishRecovery()
	}
	if j.flags&flagRecovery == 0 {
		j.tailSync = j.tail
	}
	return nil
}

// markBad records a block as bad on the device and in the stats.
func (j *Journal) markBad(b nand.Block) {
	badBlockMeter.Mark(1)
	log.Debug("Marking NAND block bad", "block", b)
	j.dev.MarkBad(b)
}
