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

package nandsim

import (
	"testing"

	"github.com/nandmap/nandmap/nand"
	"github.com/stretchr/testify/require"
)

func TestProgramReadBack(t *testing.T) {
	d := NewDefault()
	pageSize := 1 << d.Log2PageSize()

	// Factory state: everything looks programmed.
	require.False(t, d.IsFree(0))

	require.NoError(t, d.Erase(0))
	for p := nand.Page(0); p < 8; p++ {
		require.True(t, d.IsFree(p))
	}

	buf := make([]byte, pageSize)
	SeqFill(99, buf)
	require.NoError(t, d.Prog(3, buf))
	require.False(t, d.IsFree(3))
	require.True(t, d.IsFree(4))

	out := make([]byte, pageSize)
	require.NoError(t, d.Read(3, 0, pageSize, out))
	require.NoError(t, SeqCheck(99, out))

	// Partial read.
	require.NoError(t, d.Read(3, 16, 32, out))
	require.Equal(t, buf[16:48], out[:32])
}

func TestOrderingContract(t *testing.T) {
	d := NewDefault()
	buf := make([]byte, 1<<d.Log2PageSize())

	require.NoError(t, d.Erase(0))
	require.NoError(t, d.Prog(1, buf))
	require.Panics(t, func() { d.Prog(0, buf) })

	d.MarkBad(2)
	require.True(t, d.IsBad(2))
	require.Panics(t, func() { d.Erase(2) })
}

func TestTimebomb(t *testing.T) {
	d := NewDefault()
	buf := make([]byte, 1<<d.Log2PageSize())

	// Third erase/program operation trips the bomb.
	d.SetTimebomb(0, 3)
	require.NoError(t, d.Erase(0))
	require.NoError(t, d.Prog(0, buf))
	require.ErrorIs(t, d.Prog(1, buf), nand.ErrBadBlock)
	require.True(t, d.HasFailed(0))
	require.False(t, d.IsBad(0))

	// Failed blocks keep failing.
	require.ErrorIs(t, d.Prog(2, buf), nand.ErrBadBlock)
}

func TestSeqStreams(t *testing.T) {
	a := make([]byte, 512)
	b := make([]byte, 512)

	SeqFill(5, a)
	SeqFill(5, b)
	require.Equal(t, a, b)
	require.NoError(t, SeqCheck(5, a))

	SeqFill(6, b)
	require.Error(t, SeqCheck(5, b))
}

func TestStatsFreeze(t *testing.T) {
	d := NewDefault()

	require.NoError(t, d.Erase(0))
	require.Equal(t, 1, d.Stats().Erase)

	d.Freeze()
	d.IsBad(0)
	d.IsFree(0)
	require.Equal(t, 0, d.Stats().IsBad)
	require.Equal(t, 0, d.Stats().IsFree)
	d.Thaw()

	d.IsBad(0)
	require.Equal(t, 1, d.Stats().IsBad)
}
