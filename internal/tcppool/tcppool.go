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

// Package tcppool implements the TCP connection pool: a fixed set of
// slots, a FIFO wait queue whose timers run from enqueue time, and the
// freelist/queue choreography on slot completion.
package tcppool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/IrineSistiana/mosqout/internal/memacct"
	"github.com/IrineSistiana/mosqout/internal/qerr"
	"github.com/IrineSistiana/mosqout/internal/reactor"
	"github.com/IrineSistiana/mosqout/internal/wire"
)

// DialFunc opens a TCP connection to dest. Overridable for tests.
type DialFunc func(ctx context.Context, dest netip.AddrPort) (net.Conn, error)

// Result is delivered to a request's callback exactly once.
type Result struct {
	Payload []byte // reply, valid only for the duration of the callback.
	Err     error
}

// request is one TCP query, either sitting in the wait queue (packet
// owned by it) or attached to a slot (ownership transferred).
type request struct {
	dest     netip.AddrPort
	packet   []byte
	deadline time.Time
	onResult func(Result)

	mu        sync.Mutex
	terminal  bool
	slotIdx   int // -1 while waiting
	queueElem *list.Element
	timer     reactor.TimerHandle
	size      int64
}

// Handle lets a caller cancel a submitted request.
type Handle struct {
	req *request
	p   *Pool
}

// Cancel aborts the request: if still waiting, it is unlinked and its
// packet freed; if attached to a slot, the slot is closed and handed to
// the head of the wait queue, or returned to the freelist if the queue
// is empty. No callback is invoked.
func (h Handle) Cancel() {
	h.p.cancel(h.req)
}

type slot struct {
	conn net.Conn
	req  *request
}

// Pool is a fixed-size TCP connection pool with a FIFO wait queue.
type Pool struct {
	logger   *zap.Logger
	rx       reactor.Reactor
	dial     DialFunc
	mem      *memacct.Counter
	freeSniff *semaphore.Weighted // gates dispatch vs. queue in Submit; paired 1:1 with freelist push/pop

	mu        sync.Mutex
	slots     []*slot
	freelist  []int
	waitQueue *list.List
}

// New creates a Pool with n slots, all initially free.
func New(n int, dial DialFunc, rx reactor.Reactor, mem *memacct.Counter, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		logger:    logger,
		rx:        rx,
		dial:      dial,
		mem:       mem,
		freeSniff: semaphore.NewWeighted(int64(n)),
		slots:     make([]*slot, n),
		waitQueue: list.New(),
	}
	p.freelist = make([]int, n)
	for i := 0; i < n; i++ {
		p.slots[i] = &slot{}
		p.freelist[i] = i
	}
	return p
}

// NSlots returns the fixed slot count.
func (p *Pool) NSlots() int { return len(p.slots) }

// Submit enqueues a TCP query. packet is a length-prefix-free DNS
// message; Pool frames it with the RFC 1035 2-byte length header. The
// request's timeout timer starts now, at submission, not at dispatch, so
// it may expire while still queued.
func (p *Pool) Submit(dest netip.AddrPort, packet []byte, timeout time.Duration, onResult func(Result)) Handle {
	req := &request{
		dest:     dest,
		packet:   packet,
		deadline: time.Now().Add(timeout),
		onResult: onResult,
		slotIdx:  -1,
		size:     int64(len(packet)),
	}

	dispatch := p.freeSniff.TryAcquire(1)

	p.mu.Lock()
	req.timer = p.rx.RegisterTimer(req.deadline, func() { p.onTimerFire(req) })

	var dispatchIdx = -1
	if dispatch {
		n := len(p.freelist)
		dispatchIdx = p.freelist[n-1]
		p.freelist = p.freelist[:n-1]
		req.slotIdx = dispatchIdx
		p.slots[dispatchIdx].req = req
	} else {
		req.queueElem = p.waitQueue.PushBack(req)
	}
	p.mu.Unlock()

	if p.mem != nil {
		p.mem.Add(memacct.TCPPackets, req.size)
	}

	if dispatchIdx >= 0 {
		go p.runSlot(dispatchIdx, req)
	}
	return Handle{req: req, p: p}
}

// runSlot dials, writes, and reads one request on slot idx, then hands
// the result (and the slot) back through complete.
func (p *Pool) runSlot(idx int, req *request) {
	ctx, cancel := context.WithDeadline(context.Background(), req.deadline)
	defer cancel()

	conn, err := p.dial(ctx, req.dest)
	if err != nil {
		p.complete(idx, req, Result{Err: qerr.New(qerr.Network, fmt.Errorf("tcppool: dial: %w", err))})
		return
	}

	p.mu.Lock()
	if req.terminal {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.slots[idx].conn = conn
	p.mu.Unlock()

	conn.SetDeadline(req.deadline)

	frame := wire.WriteTCPFrame(req.packet)
	_, werr := conn.Write(frame)
	if werr != nil {
		conn.Close()
		p.complete(idx, req, Result{Err: qerr.New(qerr.Network, fmt.Errorf("tcppool: write: %w", werr))})
		return
	}

	reply, rerr := wire.ReadTCPFrame(func(b []byte) error {
		_, err := readFull(conn, b)
		return err
	})
	conn.Close()
	if rerr != nil {
		p.complete(idx, req, Result{Err: qerr.New(qerr.Network, fmt.Errorf("tcppool: read: %w", rerr))})
		return
	}

	wantID, _ := wire.PeekID(req.packet)
	gotID, idErr := wire.PeekID(reply)
	if idErr != nil || gotID != wantID {
		p.complete(idx, req, Result{Err: qerr.New(qerr.Protocol, errors.New("tcppool: reply id mismatch"))})
		return
	}

	p.complete(idx, req, Result{Payload: reply})
}

func readFull(conn net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := conn.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// complete is the single place a slot's outcome -- reply, dial error,
// write error, read error, or protocol mismatch -- is turned into a
// callback dispatch plus freelist/queue bookkeeping.
func (p *Pool) complete(idx int, req *request, result Result) {
	req.mu.Lock()
	if req.terminal {
		req.mu.Unlock()
		return
	}
	req.terminal = true
	req.mu.Unlock()

	p.mu.Lock()
	p.rx.CancelTimer(req.timer)
	sl := p.slots[idx]
	sl.req = nil
	sl.conn = nil

	var next *request
	if p.waitQueue.Len() > 0 {
		elem := p.waitQueue.Front()
		p.waitQueue.Remove(elem)
		next = elem.Value.(*request)
		next.slotIdx = idx
		sl.req = next
	} else {
		p.freelist = append(p.freelist, idx)
		p.freeSniff.Release(1)
	}
	p.mu.Unlock()

	if p.mem != nil {
		p.mem.Add(memacct.TCPPackets, -req.size)
	}

	req.onResult(result)

	if next != nil {
		go p.runSlot(idx, next)
	}
}

// onTimerFire handles a request's deadline, whether it is still waiting
// (reported Timeout, unlinked, packet freed, slot state unaffected) or
// already attached to a slot (the slot's in-flight connection is aborted
// and recycled like any other slot completion).
func (p *Pool) onTimerFire(req *request) {
	req.mu.Lock()
	if req.terminal {
		req.mu.Unlock()
		return
	}
	req.terminal = true
	idx := req.slotIdx
	elem := req.queueElem
	req.mu.Unlock()

	timeoutErr := qerr.New(qerr.Timeout, errors.New("tcppool: deadline reached"))

	if idx < 0 {
		p.mu.Lock()
		if elem != nil {
			p.waitQueue.Remove(elem)
		}
		p.mu.Unlock()
		if p.mem != nil {
			p.mem.Add(memacct.TCPPackets, -req.size)
		}
		req.onResult(Result{Err: timeoutErr})
		return
	}

	// Attached to a slot: close its connection (if dialed yet) to
	// unblock runSlot, then recycle the slot exactly like complete
	// would, but without a second terminal check (we already own it).
	p.mu.Lock()
	sl := p.slots[idx]
	if sl.conn != nil {
		sl.conn.Close()
	}
	sl.req = nil
	sl.conn = nil

	var next *request
	if p.waitQueue.Len() > 0 {
		qe := p.waitQueue.Front()
		p.waitQueue.Remove(qe)
		next = qe.Value.(*request)
		next.slotIdx = idx
		sl.req = next
	} else {
		p.freelist = append(p.freelist, idx)
		p.freeSniff.Release(1)
	}
	p.mu.Unlock()

	if p.mem != nil {
		p.mem.Add(memacct.TCPPackets, -req.size)
	}

	req.onResult(Result{Err: timeoutErr})

	if next != nil {
		go p.runSlot(idx, next)
	}
}

// cancel detaches req without invoking its callback.
func (p *Pool) cancel(req *request) {
	req.mu.Lock()
	if req.terminal {
		req.mu.Unlock()
		return
	}
	req.terminal = true
	idx := req.slotIdx
	elem := req.queueElem
	req.mu.Unlock()

	p.rx.CancelTimer(req.timer)

	if p.mem != nil {
		p.mem.Add(memacct.TCPPackets, -req.size)
	}

	if idx < 0 {
		p.mu.Lock()
		if elem != nil {
			p.waitQueue.Remove(elem)
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	sl := p.slots[idx]
	if sl.conn != nil {
		sl.conn.Close()
	}
	sl.req = nil
	sl.conn = nil

	var next *request
	if p.waitQueue.Len() > 0 {
		qe := p.waitQueue.Front()
		p.waitQueue.Remove(qe)
		next = qe.Value.(*request)
		next.slotIdx = idx
		sl.req = next
	} else {
		p.freelist = append(p.freelist, idx)
		p.freeSniff.Release(1)
	}
	p.mu.Unlock()

	if next != nil {
		go p.runSlot(idx, next)
	}
}

// Stats reports the current freelist/in-flight/waiting split, so that
// free+in-flight always equals the fixed slot count.
type Stats struct {
	Free    int
	InFlight int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inFlight := 0
	for _, sl := range p.slots {
		if sl.req != nil {
			inFlight++
		}
	}
	return Stats{Free: len(p.freelist), InFlight: inFlight, Waiting: p.waitQueue.Len()}
}

// Close aborts every in-flight and waiting request without invoking
// callbacks, and closes all slot connections.
func (p *Pool) Close() {
	p.mu.Lock()
	var waiting []*request
	for e := p.waitQueue.Front(); e != nil; e = e.Next() {
		waiting = append(waiting, e.Value.(*request))
	}
	var inFlight []*request
	for _, sl := range p.slots {
		if sl.req != nil {
			inFlight = append(inFlight, sl.req)
		}
	}
	p.mu.Unlock()

	for _, r := range waiting {
		p.cancel(r)
	}
	for _, r := range inFlight {
		p.cancel(r)
	}
}
