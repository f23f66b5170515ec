/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosqout.
 *
 * mosqout is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosqout is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package pool

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatorGet(t *testing.T) {
	a := NewAllocator()
	tests := []struct {
		size    int
		wantCap int
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{12, 16},
		{256, 256},
		{257, 512},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.size), func(t *testing.T) {
			for i := 0; i < 3; i++ {
				b := a.Get(tt.size)
				require.Len(t, b, tt.size)
				require.Equal(t, tt.wantCap, cap(b))
				a.Release(b)
			}
		})
	}
}

func TestAllocatorGetPanicsOnNegative(t *testing.T) {
	a := NewAllocator()
	require.Panics(t, func() { a.Get(-1) })
}

func TestShard(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {1023, 10}, {1024, 10}, {1025, 11},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, shard(tt.size), "size=%d", tt.size)
	}
}
