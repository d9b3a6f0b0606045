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
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/nandmap/nandmap/nand"
	"github.com/nandmap/nandmap/nand/nandsim"
	"github.com/stretchr/testify/require"
)

const simPageSize = 1 << nandsim.DefaultLog2PageSize

// checkUpage asserts that a position is a valid user page: never a
// meta-page slot, never out of bounds.
func checkUpage(t *testing.T, j *Journal, p nand.Page) {
	t.Helper()
	mask := uint32(1)<<j.log2ppc - 1
	if ^p&mask == 0 {
		t.Fatalf("page %d is a meta-page position", p)
	}
	if p >= nand.ChipPages(j.dev) {
		t.Fatalf("page %d is out of bounds", p)
	}
}

// checkJournal asserts the journal's pointer invariants. All distance
// comparisons are wrap-aware via uint32 arithmetic.
func checkJournal(t *testing.T, j *Journal) {
	t.Helper()
	ppb := j.dev.Log2PagesPerBlock()

	checkUpage(t, j, j.head)
	checkUpage(t, j, j.tail)
	checkUpage(t, j, j.tailSync)

	// The head never advances backward into the synced tail's block.
	if (j.head^j.tailSync)>>ppb == 0 && j.head < j.tailSync {
		t.Fatalf("head %d behind synced tail %d within a block", j.head, j.tailSync)
	}
	// The tail stays between the synced tail and the head.
	if j.head-j.tailSync < j.tail-j.tailSync {
		t.Fatalf("tail %d outside [%d, %d]", j.tail, j.tailSync, j.head)
	}
	// A non-empty journal's root is a user page inside the queue.
	if j.root != nand.PageNone {
		checkUpage(t, j, j.root)
		if j.root-j.tail >= j.head-j.tail {
			t.Fatalf("root %d outside [%d, %d)", j.root, j.tail, j.head)
		}
	}
}

// driveRecovery runs the caller's side of the assisted recovery protocol:
// drain the enumeration, recopying each page forward, padding once the
// enumeration is done, until the journal leaves recovery.
func driveRecovery(t *testing.T, j *Journal) {
	t.Helper()
	restarts := 0

	for j.InRecovery() {
		page := j.NextRecoverable()
		checkJournal(t, j)

		var err error
		if page == nand.PageNone {
			err = j.Enqueue(nil, nil)
		} else {
			var meta [MetaSize]byte
			require.NoError(t, j.ReadMeta(page, meta[:]))
			err = j.Copy(page, meta[:])
		}
		checkJournal(t, j)

		if errors.Is(err, ErrRecover) {
			restarts++
			if restarts >= MaxRetries {
				t.Fatal("recovery restarted too many times")
			}
			continue
		}
		require.NoError(t, err)
	}
	checkJournal(t, j)
}

// enqueuePage pushes one page carrying a deterministic payload and its id
// as metadata, driving recovery as needed.
func enqueuePage(t *testing.T, j *Journal, id uint32) error {
	t.Helper()
	var (
		data [simPageSize]byte
		meta [MetaSize]byte
	)
	nandsim.SeqFill(int64(id), data[:])
	binary.LittleEndian.PutUint32(meta[:], id)

	for i := 0; i < MaxRetries; i++ {
		checkJournal(t, j)
		err := j.Enqueue(data[:], meta[:])
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRecover) {
			driveRecovery(t, j)
			continue
		}
		return err
	}
	return ErrTooBad
}

// enqueueSequence pushes count consecutively numbered pages starting at
// start, verifying the root's metadata after each push. count < 0 means
// "until the journal fills"; the number actually pushed is returned.
func enqueueSequence(t *testing.T, j *Journal, start, count int) int {
	t.Helper()
	if count < 0 {
		count = int(nand.ChipPages(j.dev))
	}
	for i := 0; i < count; i++ {
		err := enqueuePage(t, j, uint32(start+i))
		if errors.Is(err, ErrFull) {
			return i
		}
		require.NoError(t, err)

		if j.Size() < uint32(i) {
			t.Fatalf("size %d after %d pushes", j.Size(), i+1)
		}
		var meta [MetaSize]byte
		require.NoError(t, j.ReadMeta(j.Root(), meta[:]))
		require.Equal(t, uint32(start+i), binary.LittleEndian.Uint32(meta[:]))
	}
	return count
}

// dequeueSequence pops and verifies count consecutively numbered pages,
// tolerating interleaved pad pages up to one checkpoint period's worth in
// a row.
func dequeueSequence(t *testing.T, j *Journal, next, count int) {
	t.Helper()
	maxGarbage := 1 << j.log2ppc
	garbage := 0

	for count > 0 {
		var meta [MetaSize]byte
		tail := j.Peek()
		require.NotEqual(t, nand.PageNone, tail)

		checkJournal(t, j)
		require.NoError(t, j.ReadMeta(tail, meta[:]))
		checkJournal(t, j)
		j.Dequeue()

		id := binary.LittleEndian.Uint32(meta[:])
		if id == nand.PageNone {
			garbage++
			if garbage >= maxGarbage {
				t.Fatalf("%d consecutive pad pages", garbage)
			}
		} else {
			require.Equal(t, uint32(next), id)
			garbage = 0
			next++
			count--

			var data [simPageSize]byte
			require.NoError(t, j.dev.Read(tail, 0, simPageSize, data[:]))
			require.NoError(t, nandsim.SeqCheck(int64(id), data[:]))
		}
		checkJournal(t, j)
	}
}

func TestHeaderCodec(t *testing.T) {
	j := New(nandsim.NewDefault(), nil)

	// The buffer starts 0xff-filled.
	require.False(t, j.hdrHasMagic())
	j.hdrPutMagic()
	require.True(t, j.hdrHasMagic())

	require.Equal(t, uint8(0xff), j.hdrEpoch())
	j.hdrSetEpoch(1)
	require.Equal(t, uint8(1), j.hdrEpoch())

	require.Equal(t, uint32(0xffffffff), j.hdrTail())
	j.hdrSetTail(0x0056ab1f)
	require.Equal(t, uint32(0x0056ab1f), j.hdrTail())

	require.Equal(t, uint32(0xffffffff), j.hdrBBCurrent())
	j.hdrSetBBCurrent(0x3578af41)
	require.Equal(t, uint32(0x3578af41), j.hdrBBCurrent())

	require.Equal(t, uint32(0xffffffff), j.hdrBBLast())
	j.hdrSetBBLast(0xaa558920)
	require.Equal(t, uint32(0xaa558920), j.hdrBBLast())

	require.Equal(t, uint32(0xffffffff), j.Cookie())
	j.SetCookie(7)
	require.Equal(t, uint32(7), j.Cookie())

	require.Equal(t, headerSize+cookieSize+2*MetaSize, j.userOffset(2))
}

func TestGeometry(t *testing.T) {
	require.True(t, isAligned(128, 6))
	require.False(t, isAligned(129, 6))
	require.True(t, alignEq(17, 18, 2))
	require.False(t, alignEq(27, 18, 2))
	require.Equal(t, uint32(4), wrap(7, 3))
	require.Equal(t, uint32(3), wrap(3, 7))

	// 2 KiB pages in 64-page blocks fit 15 slots per meta-page; 512-byte
	// pages in 8-page blocks fit 3.
	require.Equal(t, uint(4), choosePPC(11, 6))
	require.Equal(t, uint(2), choosePPC(9, 3))

	j := New(nandsim.NewDefault(), nil)
	require.Equal(t, uint(2), j.log2ppc)
	require.Equal(t, uint32(1), j.nextBlock(0))
	require.Equal(t, uint32(0), j.nextBlock(nandsim.DefaultNumBlocks-1))
	require.Equal(t, uint32(1), j.nextUpage(0))
	require.Equal(t, uint32(4), j.nextUpage(2))
	require.Equal(t, uint32(16), j.nextUpage(14))
}

// TestFillDrain fills the journal to capacity and drains it again,
// repeatedly, on a fault-free chip.
func TestFillDrain(t *testing.T) {
	j := New(nandsim.NewDefault(), nil)

	for rep := 0; rep < 5; rep++ {
		count := enqueueSequence(t, j, 0, -1)
		if count == 0 {
			t.Fatalf("rep %d: journal full from the start", rep)
		}
		dequeueSequence(t, j, 0, count)

		// Draining alone doesn't free media: force the synced tail
		// forward as a checkpoint would.
		j.tailSync = j.tail
	}
}

// TestEnqueueDequeue cycles pages through a journal on a chip with factory
// bad blocks.
func TestEnqueueDequeue(t *testing.T) {
	dev := nandsim.NewDefault()
	dev.InjectBad(rand.New(rand.NewSource(42)), 20)

	j := New(dev, nil)
	j.Resume() // no journal on the chip yet; comes up empty

	for rep := 0; rep < 20; rep++ {
		count := enqueueSequence(t, j, 0, 100)
		require.Equal(t, 100, count)
		dequeueSequence(t, j, 0, count)
	}
}

// suspendResume clears the in-memory state and restores it from the chip,
// asserting that the journal pointers survive bit-exact.
func suspendResume(t *testing.T, j *Journal) {
	t.Helper()
	oldRoot := j.Root()
	oldTail := j.tail
	oldHead := j.head

	j.Clear()
	require.Equal(t, nand.PageNone, j.Root())

	require.NoError(t, j.Resume())
	require.Equal(t, oldRoot, j.Root())
	require.Equal(t, oldTail, j.tail)
	require.Equal(t, oldHead, j.head)
}

// TestSuspendResume drives full enqueue/checkpoint/restore cycles,
// verifying that resume restores the journal pointers and the cookie.
func TestSuspendResume(t *testing.T) {
	dev := nandsim.NewDefault()
	dev.InjectBad(rand.New(rand.NewSource(7)), 20)

	j := New(dev, nil)
	j.Resume()

	for rep := 0; rep < 20; rep++ {
		j.SetCookie(uint32(rep))
		count := enqueueSequence(t, j, 0, 100)
		require.Equal(t, 100, count)

		// Pad until the journal reaches a checkpoint.
		for !j.IsClean() {
			c := enqueueSequence(t, j, count, 1)
			require.Equal(t, 1, c)
			count++
		}

		suspendResume(t, j)
		dequeueSequence(t, j, 0, count)
		require.Equal(t, uint32(rep), j.Cookie())
	}
}
