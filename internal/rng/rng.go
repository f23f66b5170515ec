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

// Package rng provides a uniform uint32 source safe to call from any
// engine. It need not be cryptographic -- the port/ID pool's spoofing
// resistance comes from the size of the draw space, not from the PRNG's
// unpredictability class -- but it must be thread-safe, since engines
// may share one instance.
package rng

import (
	"math/rand"
	"sync"
)

// Source is a thread-safe uniform uint32 generator.
type Source interface {
	Uint32() uint32
}

// Locked wraps a *rand.Rand with a mutex so one Source can be shared by
// every engine/worker in a process instead of giving each its own
// unlocked generator.
type Locked struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLocked creates a Source seeded from seed.
func NewLocked(seed int64) *Locked {
	return &Locked{r: rand.New(rand.NewSource(seed))}
}

func (l *Locked) Uint32() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Uint32()
}
