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

// Package nand defines the contract between the translation layers and a raw
// NAND flash device.
//
// A device is addressed in pages, the smallest programmable unit, grouped
// into erase blocks of a power-of-two number of pages. A page number is the
// concatenation (in binary) of a block number and the page's index within
// the block. Programming within a block happens in strictly ascending page
// order, pages are never reprogrammed without an intervening block erase,
// and any block may fail permanently at any time.
package nand

import "errors"

// Page indexes a physical NAND page, starting at 0.
type Page = uint32

// Block indexes an erase block, starting at 0.
type Block = uint32

// PageNone is a reserved page number meaning "no such page". It is never a
// valid user page.
const PageNone Page = 0xffffffff

var (
	// ErrBadBlock is returned by Prog and Erase when the target block has
	// failed. It is the only error the upper layers recover from; anything
	// else is treated as fatal for the operation that hit it.
	ErrBadBlock = errors.New("nand: bad block")

	// ErrEcc is returned by Read when an uncorrectable ECC error occurs.
	ErrEcc = errors.New("nand: uncorrectable ECC error")
)

// Device is the capability set a NAND driver must provide.
//
// Drivers must surface media failure from Prog and Erase as ErrBadBlock.
// ECC handling is the driver's responsibility; uncorrectable read errors
// surface as ErrEcc.
type Device interface {
	// Log2PageSize returns the base-2 logarithm of the page size in bytes.
	// If the device supports partial programming, the driver may subdivide
	// physical pages into separate ECC-correctable regions and present
	// those as pages.
	Log2PageSize() uint

	// Log2PagesPerBlock returns the base-2 logarithm of the number of
	// pages within an erase block.
	Log2PagesPerBlock() uint

	// NumBlocks returns the total number of erase blocks.
	NumBlocks() uint32

	// IsBad reports whether the given block carries a persistent bad
	// marker.
	IsBad(b Block) bool

	// MarkBad sets the persistent bad marker on a block, best effort.
	// There is nothing useful a caller can do if marking itself fails,
	// so no error is reported.
	MarkBad(b Block)

	// Erase erases the given block. Media failure is reported as
	// ErrBadBlock.
	Erase(b Block) error

	// IsFree reports whether a page appears unprogrammed since the last
	// erase of its block. The check may be imprecise: a page legitimately
	// programmed with all-0xff bytes may also report free, in which case
	// reprogramming such a page must be permitted.
	IsFree(p Page) bool

	// Prog programs a full page. Pages within a block are programmed in
	// strictly ascending order and never reprogrammed. Media failure is
	// reported as ErrBadBlock.
	Prog(p Page, data []byte) error

	// Read reads length bytes starting at offset within the given page.
	Read(p Page, offset, length int, out []byte) error

	// Copy reads a page from one location and reprograms it at another.
	// The driver may use the chip's internal buffers, but the transfer
	// must be ECC-protected.
	Copy(src, dst Page) error
}

// ChipPages returns the total number of pages exposed by a device.
func ChipPages(d Device) uint32 {
	return d.NumBlocks() << d.Log2PagesPerBlock()
}
