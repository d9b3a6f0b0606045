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

	"github.com/nandmap/nandmap/nand"
)

// Meta-page layout, all little-endian:
//
//	0..3    magic "Dha" + epoch byte
//	4..8    tail
//	8..12   bad blocks before head (this epoch)
//	12..16  bad block estimate (previous sweep)
//	16..20  cookie (owned by the layer above)
//	20..    user page metadata slots, MetaSize bytes each
const (
	hdrOffEpoch     = 3
	hdrOffTail      = 4
	hdrOffBBCurrent = 8
	hdrOffBBLast    = 12
)

// hdrHasMagic reports whether the staging buffer holds a valid checkpoint
// header.
func (j *Journal) hdrHasMagic() bool {
	return j.pageBuf[0] == 'D' && j.pageBuf[1] == 'h' && j.pageBuf[2] == 'a'
}

func (j *Journal) hdrPutMagic() {
	j.pageBuf[0] = 'D'
	j.pageBuf[1] = 'h'
	j.pageBuf[2] = 'a'
}

func (j *Journal) hdrEpoch() uint8 {
	return j.pageBuf[hdrOffEpoch]
}

func (j *Journal) hdrSetEpoch(e uint8) {
	j.pageBuf[hdrOffEpoch] = e
}

func (j *Journal) hdrTail() nand.Page {
	return binary.LittleEndian.Uint32(j.pageBuf[hdrOffTail:])
}

func (j *Journal) hdrSetTail(tail nand.Page) {
	binary.LittleEndian.PutUint32(j.pageBuf[hdrOffTail:], tail)
}

func (j *Journal) hdrBBCurrent() uint32 {
	return binary.LittleEndian.Uint32(j.pageBuf[hdrOffBBCurrent:])
}

func (j *Journal) hdrSetBBCurrent(bbc uint32) {
	binary.LittleEndian.PutUint32(j.pageBuf[hdrOffBBCurrent:], bbc)
}

func (j *Journal) hdrBBLast() uint32 {
	return binary.LittleEndian.Uint32(j.pageBuf[hdrOffBBLast:])
}

func (j *Journal) hdrSetBBLast(bbl uint32) {
	binary.LittleEndian.PutUint32(j.pageBuf[hdrOffBBLast:], bbl)
}

func (j *Journal) hdrCookie() uint32 {
	return binary.LittleEndian.Uint32(j.pageBuf[headerSize:])
}

func (j *Journal) hdrSetCookie(v uint32) {
	binary.LittleEndian.PutUint32(j.pageBuf[headerSize:], v)
}

// hdrClearUser resets the metadata slot area of the staging buffer, leaving
// the header and cookie untouched.
func (j *Journal) hdrClearUser() {
	for i := headerSize + cookieSize; i < len(j.pageBuf); i++ {
		j.pageBuf[i] = 0xff
	}
}

// userOffset returns the offset of a user page's metadata slot within its
// period's meta-page, given the page's index within the period.
func (j *Journal) userOffset(which uint32) int {
	return headerSize + cookieSize + int(which)*MetaSize
}
