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

// Package pool provides a sharded []byte allocator. It backs the
// reactor's two shared UDP receive buffers and the TCP frame buffers
// built by internal/wire. It does no memory accounting of its own.
package pool

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
)

// Default is the package-level allocator used where callers don't need
// their own accounted instance.
var Default = NewAllocator()

// GetBuf returns a []byte of length size from the default allocator.
func GetBuf(size int) []byte { return Default.Get(size) }

// ReleaseBuf returns b to the default allocator.
func ReleaseBuf(b []byte) { Default.Release(b) }

// Allocator is a size-sharded pool of []byte buffers. Its waste
// (memory fragmentation from rounding size up to the next power of two)
// is bounded to 50%.
type Allocator struct {
	buffers []sync.Pool
}

// NewAllocator builds an Allocator.
func NewAllocator() *Allocator {
	a := &Allocator{buffers: make([]sync.Pool, bits.UintSize+1)}
	for i := range a.buffers {
		var bufSize uint
		if i == bits.UintSize {
			bufSize = math.MaxUint
		} else {
			bufSize = 1 << i
		}
		a.buffers[i].New = func() interface{} {
			b := make([]byte, bufSize)
			return &b
		}
	}
	return a
}

// Get returns a []byte of length size with the smallest sufficient
// backing capacity. It panics if size < 0.
func (a *Allocator) Get(size int) []byte {
	if size < 0 {
		panic(fmt.Sprintf("pool: invalid size %d", size))
	}
	i := shard(size)
	v := a.buffers[i].Get()
	buf := v.(*[]byte)
	return (*buf)[:size]
}

// Release returns buf to the allocator for reuse.
func (a *Allocator) Release(buf []byte) {
	c := cap(buf)
	if c == 0 {
		return
	}
	i := shard(c)
	if c != 1<<i {
		panic("pool: unexpected cap size")
	}
	a.buffers[i].Put(&buf)
}

func shard(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len64(uint64(size - 1))
}
