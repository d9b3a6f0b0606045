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

// Package nandsim provides an in-memory NAND device for tests: it enforces
// the driver contract (erase-before-write, ascending programming order, no
// erasing or programming of bad-marked blocks), counts operations, and injects faults,
// either immediately or through per-block timebombs that trip after a set
// number of erase/program operations.
package nandsim

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/nandmap/nandmap/nand"
)

// Default geometry: 113 blocks of 8 pages of 512 bytes. A 512-byte page
// fits three metadata slots, giving checkpoint periods of 4 pages.
const (
	DefaultLog2PageSize      = 9
	DefaultLog2PagesPerBlock = 3
	DefaultNumBlocks         = 113
)

const (
	blockBadMark = 1 << iota // persistent bad marker set
	blockFailed              // media failure: progs and erases fail
)

// Stats counts driver calls, for asserting on IO behavior.
type Stats struct {
	IsBad     int
	MarkBad   int
	Erase     int
	EraseFail int
	IsFree    int
	Prog      int
	ProgFail  int
	Read      int
	ReadBytes int
}

type blockStatus struct {
	flags uint8

	// nextPage is the index of the next unprogrammed page: 0 is a fully
	// erased block, pagesPerBlock a fully programmed one.
	nextPage uint32

	// timebomb, when non-zero, is the number of erase/program operations
	// until the block fails permanently.
	timebomb int
}

// Device is a simulated NAND chip. It implements nand.Device.
type Device struct {
	log2PageSize uint
	log2ppb      uint
	numBlocks    uint32

	pages  []byte
	blocks []blockStatus

	stats  Stats
	frozen bool
}

var _ nand.Device = (*Device)(nil)

// New constructs a simulated chip with the given geometry. All blocks start
// in an unknown state: filled with garbage and fully programmed, the way a
// chip that has never been erased presents itself.
func New(log2PageSize, log2ppb uint, numBlocks uint32) *Device {
	d := &Device{
		log2PageSize: log2PageSize,
		log2ppb:      log2ppb,
		numBlocks:    numBlocks,
		pages:        make([]byte, int(numBlocks)<<(log2PageSize+log2ppb)),
		blocks:       make([]blockStatus, numBlocks),
	}
	d.Reset()
	return d
}

// NewDefault constructs a simulated chip with the default geometry.
func NewDefault() *Device {
	return New(DefaultLog2PageSize, DefaultLog2PagesPerBlock, DefaultNumBlocks)
}

// Reset returns the chip to its factory state: garbage content, no bad
// marks, no pending faults, zeroed statistics.
func (d *Device) Reset() {
	d.stats = Stats{}
	d.frozen = false
	for i := range d.pages {
		d.pages[i] = 0x55
	}
	for i := range d.blocks {
		d.blocks[i] = blockStatus{nextPage: uint32(1) << d.log2ppb}
	}
}

// SetFailed makes a block fail all further program and erase operations.
func (d *Device) SetFailed(b nand.Block) {
	d.blocks[b].flags |= blockFailed
}

// SetTimebomb arms a block to fail permanently after ttl erase/program
// operations.
func (d *Device) SetTimebomb(b nand.Block, ttl int) {
	d.blocks[b].timebomb = ttl
}

// InjectBad marks count random blocks bad-and-failed, simulating factory
// bad blocks.
func (d *Device) InjectBad(rng *rand.Rand, count int) {
	for i := 0; i < count; i++ {
		d.blocks[rng.Intn(int(d.numBlocks))].flags |= blockBadMark | blockFailed
	}
}

// InjectFailed makes count random blocks fail without a bad marker.
func (d *Device) InjectFailed(rng *rand.Rand, count int) {
	for i := 0; i < count; i++ {
		d.SetFailed(uint32(rng.Intn(int(d.numBlocks))))
	}
}

// InjectTimebombs arms count random blocks with random TTLs up to maxTTL.
func (d *Device) InjectTimebombs(rng *rand.Rand, count, maxTTL int) {
	for i := 0; i < count; i++ {
		d.SetTimebomb(uint32(rng.Intn(int(d.numBlocks))), rng.Intn(maxTTL)+1)
	}
}

// Stats returns the operation counters.
func (d *Device) Stats() Stats { return d.stats }

// Freeze suspends statistics gathering, so that inspection reads don't
// perturb the counters under test.
func (d *Device) Freeze() { d.frozen = true }

// Thaw resumes statistics gathering.
func (d *Device) Thaw() { d.frozen = false }

// HasFailed reports whether a block has suffered media failure.
func (d *Device) HasFailed(b nand.Block) bool {
	return d.blocks[b].flags&blockFailed != 0
}

// StatusString renders one character per block: 'b' failed, '?' marked bad,
// 'B' both, ':' programmed, '.' erased.
func (d *Device) StatusString() string {
	var sb strings.Builder
	for i := range d.blocks {
		switch d.blocks[i].flags & (blockBadMark | blockFailed) {
		case blockFailed:
			sb.WriteByte('b')
		case blockBadMark:
			sb.WriteByte('?')
		case blockBadMark | blockFailed:
			sb.WriteByte('B')
		default:
			if d.blocks[i].nextPage != 0 {
				sb.WriteByte(':')
			} else {
				sb.WriteByte('.')
			}
		}
	}
	return sb.String()
}

func (d *Device) timebombTick(b nand.Block) {
	if d.blocks[b].timebomb != 0 {
		d.blocks[b].timebomb--
		if d.blocks[b].timebomb == 0 {
			d.blocks[b].flags |= blockFailed
		}
	}
}

// nand.Device implementation.

func (d *Device) Log2PageSize() uint      { return d.log2PageSize }
func (d *Device) Log2PagesPerBlock() uint { return d.log2ppb }
func (d *Device) NumBlocks() uint32       { return d.numBlocks }

func (d *Device) IsBad(b nand.Block) bool {
	if b >= d.numBlocks {
		panic(fmt.Sprintf("nandsim: IsBad on invalid block %d", b))
	}
	if !d.frozen {
		d.stats.IsBad++
	}
	return d.blocks[b].flags&blockBadMark != 0
}

func (d *Device) MarkBad(b nand.Block) {
	if b >= d.numBlocks {
		panic(fmt.Sprintf("nandsim: MarkBad on invalid block %d", b))
	}
	if !d.frozen {
		d.stats.MarkBad++
	}
	d.blocks[b].flags |= blockBadMark
}

func (d *Device) IsFree(p nand.Page) bool {
	b := p >> d.log2ppb
	pageno := p & (uint32(1)<<d.log2ppb - 1)
	if b >= d.numBlocks {
		panic(fmt.Sprintf("nandsim: IsFree on invalid block %d", b))
	}
	if !d.frozen {
		d.stats.IsFree++
	}
	return d.blocks[b].nextPage <= pageno
}

func (d *Device) Erase(b nand.Block) error {
	if b >= d.numBlocks {
		panic(fmt.Sprintf("nandsim: Erase on invalid block %d", b))
	}
	if d.blocks[b].flags&blockBadMark != 0 {
		panic(fmt.Sprintf("nandsim: Erase on block %d which is marked bad", b))
	}
	if !d.frozen {
		d.stats.Erase++
	}
	d.blocks[b].nextPage = 0
	d.timebombTick(b)

	blockSize := 1 << (d.log2PageSize + d.log2ppb)
	idx := int(b) * blockSize

	if d.blocks[b].flags&blockFailed != 0 {
		if !d.frozen {
			d.stats.EraseFail++
		}
		SeqFill(int64(b)*57+29, d.pages[idx:idx+blockSize])
		return nand.ErrBadBlock
	}
	for i := idx; i < idx+blockSize; i++ {
		d.pages[i] = 0xff
	}
	return nil
}

func (d *Device) Prog(p nand.Page, data []byte) error {
	b := p >> d.log2ppb
	pageno := p & (uint32(1)<<d.log2ppb - 1)
	if b >= d.numBlocks {
		panic(fmt.Sprintf("nandsim: Prog on invalid block %d", b))
	}
	if d.blocks[b].flags&blockBadMark != 0 {
		panic(fmt.Sprintf("nandsim: Prog on block %d which is marked bad", b))
	}
	if pageno < d.blocks[b].nextPage {
		panic(fmt.Sprintf("nandsim: out-of-order programming of block %d, page %d (expected %d)",
			b, pageno, d.blocks[b].nextPage))
	}
	if !d.frozen {
		d.stats.Prog++
	}
	d.blocks[b].nextPage = pageno + 1
	d.timebombTick(b)

	pageSize := 1 << d.log2PageSize
	idx := int(p) * pageSize

	if d.blocks[b].flags&blockFailed != 0 {
		if !d.frozen {
			d.stats.ProgFail++
		}
		SeqFill(int64(p)*57+29, d.pages[idx:idx+pageSize])
		return nand.ErrBadBlock
	}
	copy(d.pages[idx:idx+pageSize], data)
	return nil
}

func (d *Device) Read(p nand.Page, offset, length int, out []byte) error {
	b := p >> d.log2ppb
	pageSize := 1 << d.log2PageSize
	if b >= d.numBlocks {
		panic(fmt.Sprintf("nandsim: Read on invalid block %d", b))
	}
	if offset > pageSize || length > pageSize || offset+length > pageSize {
		panic(fmt.Sprintf("nandsim: Read beyond page: offset %d, length %d", offset, length))
	}
	if !d.frozen {
		d.stats.Read++
		d.stats.ReadBytes += length
	}
	start := int(p)*pageSize + offset
	copy(out[:length], d.pages[start:start+length])
	return nil
}

func (d *Device) Copy(src, dst nand.Page) error {
	buf := make([]byte, 1<<d.log2PageSize)
	if err := d.Read(src, 0, len(buf), buf); err != nil {
		return err
	}
	return d.Prog(dst, buf)
}

// SeqFill fills buf with the deterministic byte stream for a seed.
func SeqFill(seed int64, buf []byte) {
	rand.New(rand.NewSource(seed)).Read(buf)
}

// SeqCheck verifies that buf holds the deterministic byte stream for a
// seed.
func SeqCheck(seed int64, buf []byte) error {
	expect := make([]byte, len(buf))
	SeqFill(seed, expect)
	for i := range buf {
		if buf[i] != expect[i] {
			return fmt.Errorf("nandsim: stream mismatch for seed %d at byte %d: have %#02x, want %#02x",
				seed, i, buf[i], expect[i])
		}
	}
	return nil
}
