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

package reactor

import (
	"net"
	"sync"
	"time"

	"github.com/IrineSistiana/mosqout/internal/memacct"
	"github.com/IrineSistiana/mosqout/internal/pool"
)

// Loop is the default Reactor. It runs a single goroutine that invokes
// every registered callback, one at a time, to completion, giving
// cooperative single-threaded scheduling without an explicit lock.
// Socket reads happen on per-registration helper goroutines, but those
// goroutines never touch application state directly: they only hand
// datagrams to the loop goroutine through an event channel.
//
// Exactly two pool-backed buffers circulate as "tokens"; a reader
// goroutine blocks until one is free. Since the loop only ever holds one
// event at a time and returns a token after the callback for it returns,
// no buffer is ever written to while a callback is still looking at it.
type Loop struct {
	events  chan loopEvent
	tokens  chan []byte
	closeCh chan struct{}
	closeOnce sync.Once

	mem     *memacct.Counter
	bufSize int

	mu        sync.Mutex
	fds       map[FDHandle]*fdEntry
	timers    map[TimerHandle]*timerEntry
	nextFD    uint64
	nextTimer uint64
	wg        sync.WaitGroup
}

type loopEvent struct {
	run     func()
	release func()
}

type fdEntry struct {
	conn net.PacketConn
	stop chan struct{}
}

type timerEntry struct {
	timer     *time.Timer
	cancelled bool
}

// NewLoop creates a Loop with two bufSize receive buffers. If mem is
// non-nil, the two buffers are charged to memacct.RecvBuffers for the
// life of the Loop.
func NewLoop(bufSize int, mem *memacct.Counter) *Loop {
	if bufSize <= 0 {
		bufSize = 4096
	}
	l := &Loop{
		events:  make(chan loopEvent),
		tokens:  make(chan []byte, 2),
		closeCh: make(chan struct{}),
		fds:     make(map[FDHandle]*fdEntry),
		timers:  make(map[TimerHandle]*timerEntry),
		mem:     mem,
		bufSize: bufSize,
	}
	l.tokens <- pool.GetBuf(bufSize)
	l.tokens <- pool.GetBuf(bufSize)
	if mem != nil {
		mem.Add(memacct.RecvBuffers, int64(2*bufSize))
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case ev := <-l.events:
			ev.run()
			if ev.release != nil {
				ev.release()
			}
		case <-l.closeCh:
			return
		}
	}
}

func (l *Loop) RegisterTimer(deadline time.Time, cb func()) TimerHandle {
	l.mu.Lock()
	l.nextTimer++
	h := TimerHandle(l.nextTimer)
	entry := &timerEntry{}
	l.timers[h] = entry
	l.mu.Unlock()

	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	entry.timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		if entry.cancelled {
			l.mu.Unlock()
			return
		}
		delete(l.timers, h)
		l.mu.Unlock()

		select {
		case l.events <- loopEvent{run: cb}:
		case <-l.closeCh:
		}
	})
	return h
}

func (l *Loop) CancelTimer(h TimerHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.timers[h]
	if !ok {
		return
	}
	entry.cancelled = true
	entry.timer.Stop()
	delete(l.timers, h)
}

func (l *Loop) RegisterFD(conn net.PacketConn, cb PacketCallback) FDHandle {
	l.mu.Lock()
	l.nextFD++
	h := l.nextFD
	entry := &fdEntry{conn: conn, stop: make(chan struct{})}
	l.fds[FDHandle(h)] = entry
	l.mu.Unlock()

	l.wg.Add(1)
	go l.readLoop(entry, cb)
	return FDHandle(h)
}

func (l *Loop) readLoop(entry *fdEntry, cb PacketCallback) {
	defer l.wg.Done()
	for {
		var buf []byte
		select {
		case buf = <-l.tokens:
		case <-entry.stop:
			return
		}

		n, from, err := entry.conn.ReadFrom(buf)
		if err != nil {
			l.tokens <- buf
			return
		}

		ev := loopEvent{
			run:     func() { cb(buf[:n], from) },
			release: func() { l.tokens <- buf },
		}
		select {
		case l.events <- ev:
		case <-entry.stop:
			l.tokens <- buf
			return
		}
	}
}

func (l *Loop) UnregisterFD(h FDHandle) {
	l.mu.Lock()
	entry, ok := l.fds[h]
	if ok {
		delete(l.fds, h)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	close(entry.stop)
	entry.conn.Close()
}

// Close shuts the reactor down, closing every registered socket and
// dropping every pending timer.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		fds := l.fds
		l.fds = make(map[FDHandle]*fdEntry)
		timers := l.timers
		l.timers = make(map[TimerHandle]*timerEntry)
		l.mu.Unlock()

		for _, e := range fds {
			close(e.stop)
			e.conn.Close()
		}
		for _, e := range timers {
			e.timer.Stop()
		}

		close(l.closeCh)
		l.wg.Wait()

		if l.mem != nil {
			l.mem.Add(memacct.RecvBuffers, -int64(2*l.bufSize))
		}
	})
}

var _ Reactor = (*Loop)(nil)
