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

// Package pending implements the pending-UDP table: a sorted associative
// container keyed by (id, remote-addr) ordered (id asc, address bytes
// asc, address length asc), supporting insert/lookup/remove in O(log n)
// via github.com/google/btree. It is shared by plain UDP send callers
// and the serviced-query engine's UDP child requests, so both draw from
// one pending index rather than keeping separate ones.
package pending

import (
	"bytes"
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/IrineSistiana/mosqout/internal/memacct"
	"github.com/IrineSistiana/mosqout/internal/reactor"
)

// Key is the composite lookup key: a 16-bit transaction id plus the
// remote address the reply must come from.
type Key struct {
	ID   uint16
	Addr netip.Addr
}

func less(a, b Key) bool {
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if c := bytes.Compare(a.Addr.AsSlice(), b.Addr.AsSlice()); c != 0 {
		return c < 0
	}
	return a.Addr.Zone() < b.Addr.Zone()
}

// Entry is one outstanding UDP request.
type Entry struct {
	Key      Key
	Deadline time.Time
	Timer    reactor.TimerHandle
	OnResult func(Result)

	// approxSize is the byte footprint charged to memacct for this
	// entry; it is release on Remove.
	approxSize int64
}

// Result is delivered to Entry.OnResult at most once: on reply or on
// timeout. A cancelled entry gets no Result.
type Result struct {
	// Payload is the reply buffer view. It is only valid for the
	// duration of the callback (it may be a reactor-owned buffer about
	// to be reused).
	Payload []byte
	Err     error // non-nil for Timeout; nil on a successful reply.
}

// approxEntrySize is a fixed per-entry estimate (key + bookkeeping);
// used for memacct charging since an Entry has no variable-length data
// of its own.
const approxEntrySize = 96

// Table is the pending-UDP table.
type Table struct {
	mem *memacct.Counter

	mu   sync.Mutex
	tree *btree.BTreeG[*Entry]
}

// NewTable creates an empty Table. mem may be nil to disable accounting.
func NewTable(mem *memacct.Counter) *Table {
	return &Table{
		mem:  mem,
		tree: btree.NewG[*Entry](32, func(a, b *Entry) bool { return less(a.Key, b.Key) }),
	}
}

// Insert adds a new pending entry. It returns false if an entry with an
// identical key already exists, in which case the caller's
// rejection-sampling loop should redraw a new (id, socket) pair.
func (t *Table) Insert(e *Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	probe := &Entry{Key: e.Key}
	if _, found := t.tree.Get(probe); found {
		return false
	}
	e.approxSize = approxEntrySize
	t.tree.ReplaceOrInsert(e)
	if t.mem != nil {
		t.mem.Add(memacct.PendingIndex, e.approxSize)
	}
	return true
}

// Lookup returns the entry for key, if any, without removing it.
func (t *Table) Lookup(key Key) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Get(&Entry{Key: key})
}

// Remove deletes the entry for key and returns it. The caller is
// responsible for cancelling its timer; see RemoveDetached for the case
// where the timer has already fired or been cancelled by the caller.
func (t *Table) Remove(key Key) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(key)
}

// RemoveDetached deletes the entry for key without attempting to touch
// its timer again. Used when the caller -- typically a timer-fire
// handler -- has already let the timer fire or cancelled it itself and
// just needs the table entry gone.
func (t *Table) RemoveDetached(key Key) (*Entry, bool) {
	return t.Remove(key)
}

func (t *Table) removeLocked(key Key) (*Entry, bool) {
	e, found := t.tree.Delete(&Entry{Key: key})
	if !found {
		return nil, false
	}
	if t.mem != nil {
		t.mem.Add(memacct.PendingIndex, -e.approxSize)
	}
	return e, true
}

// Len returns the number of live pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}

// Walk visits every entry in key order. visit returning false stops the
// walk early. It visits a snapshot taken under the lock, so visit may
// modify the table.
func (t *Table) Walk(visit func(*Entry) bool) {
	t.mu.Lock()
	snapshot := make([]*Entry, 0, t.tree.Len())
	t.tree.Ascend(func(e *Entry) bool {
		snapshot = append(snapshot, e)
		return true
	})
	t.mu.Unlock()

	for _, e := range snapshot {
		if !visit(e) {
			return
		}
	}
}
