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

// Package serviced implements the serviced-query engine: the hot
// path that deduplicates identical concurrent questions against the same
// destination and drives each one through the UDP-EDNS -> UDP-plain ->
// TCP-EDNS -> TCP-plain transport state machine until a terminal reply,
// fanning the result out to every subscriber exactly once.
package serviced

import (
	"container/list"
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/IrineSistiana/mosqout/internal/memacct"
	"github.com/IrineSistiana/mosqout/internal/pending"
	"github.com/IrineSistiana/mosqout/internal/qerr"
	"github.com/IrineSistiana/mosqout/internal/rng"
	"github.com/IrineSistiana/mosqout/internal/tcppool"
	"github.com/IrineSistiana/mosqout/internal/udpsock"
	"github.com/IrineSistiana/mosqout/internal/wire"
)

// State is a node in the transport state machine.
type State int

const (
	StateInitial State = iota
	StateUDPEDNS
	StateUDPPlain
	StateTCPEDNS
	StateTCPPlain
	stateTerminal
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateUDPEDNS:
		return "udp-edns"
	case StateUDPPlain:
		return "udp-plain"
	case StateTCPEDNS:
		return "tcp-edns"
	case StateTCPPlain:
		return "tcp-plain"
	case stateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Result is delivered to every subscriber exactly once, unless it called
// Stop first.
type Result struct {
	Payload []byte
	Err     error
}

// ArgEq is the caller-supplied equality predicate over subscriber
// arguments, used to reject a duplicate subscription.
type ArgEq func(a, b interface{}) bool

// Config carries the tunables consumed from engine configuration.
type Config struct {
	// K is the UDP retry budget before falling back to TCP.
	K int
	// UDPBaseTimeout is the first UDP attempt's deadline; each retry in
	// the same transport mode doubles it, capped at UDPTimeout.
	UDPBaseTimeout time.Duration
	// UDPTimeout is the UDP retry backoff ceiling, and TCPTimeout the
	// (fixed) per-attempt TCP deadline.
	UDPTimeout time.Duration
	TCPTimeout time.Duration
	// EDNSUDPPayload is advertised in the OPT record of EDNS attempts.
	EDNSUDPPayload uint16

	// MaxActive caps the number of concurrent serviced-query entries.
	// Zero means unlimited. Once the cap is hit (and, if MaxMemory is
	// also set, the serviced index's memory footprint has also reached
	// MaxMemory), Submit jostles the oldest entry not already mid
	// fan-out to make room; if every tracked entry is mid fan-out, the
	// new create is rejected with Resource-exhausted instead.
	MaxActive int
	// MaxMemory is an optional additional byte ceiling on the serviced
	// index that must also be reached before jostling kicks in. Zero
	// disables this sub-condition, so MaxActive alone gates jostling.
	MaxMemory int64
}

func (c *Config) setDefaults() {
	if c.K <= 0 {
		c.K = 3
	}
	if c.UDPBaseTimeout <= 0 {
		c.UDPBaseTimeout = 500 * time.Millisecond
	}
	if c.UDPTimeout <= 0 {
		c.UDPTimeout = 3800 * time.Millisecond
	}
	if c.TCPTimeout <= 0 {
		c.TCPTimeout = 5 * time.Second
	}
	if c.EDNSUDPPayload == 0 {
		c.EDNSUDPPayload = 1232
	}
}

// Key is the serviced-query index key: (qbuf, destination, dnssec).
type Key struct {
	QBuf   string
	Dest   netip.AddrPort
	DNSSEC bool
}

func lessKey(a, b Key) bool {
	if a.QBuf != b.QBuf {
		return a.QBuf < b.QBuf
	}
	if a.Dest != b.Dest {
		return a.Dest.String() < b.Dest.String()
	}
	return !a.DNSSEC && b.DNSSEC
}

type subscriber struct {
	cb      func(Result, interface{})
	arg     interface{}
	removed bool
}

// entry is one serviced query: the hot-path state machine.
type entry struct {
	key Key

	qname string
	qtype uint16
	qclass uint16
	rd    bool

	mu          sync.Mutex
	subs        []*subscriber
	argEq       ArgEq
	state       State
	udpRetries  int
	udpTimeout  time.Duration // current UDP attempt deadline; doubles per retry
	lastEDNS    bool
	gen         uint64
	toBeDeleted bool

	hasUDP  bool
	udpKey  pending.Key
	hasTCP  bool
	tcpH    tcppool.Handle

	// approxSize is the byte footprint charged to memacct for this entry
	// (qbuf copy + subscriber bookkeeping); released on destruction.
	approxSize int64

	// lruElem threads this entry through Engine.lru in creation order, so
	// the jostle policy can find the oldest non-fan-out-pending entry.
	lruElem *list.Element
}

// approxSubscriberSize is a fixed per-subscriber estimate (closure +
// argument word); used alongside the qbuf length for memacct charging.
const approxSubscriberSize = 32

// Handle identifies one subscriber's attachment to a serviced query, for
// use with Stop.
type Handle struct {
	e   *entry
	arg interface{}
}

// Engine owns the serviced-query index and the UDP/TCP pools it drives.
type Engine struct {
	logger *zap.Logger
	cfg    Config
	udp    *udpsock.Pool
	tcp    *tcppool.Pool
	mem    *memacct.Counter
	rnd    rng.Source

	mu    sync.Mutex
	index *btree.BTreeG[*entry]
	lru   *list.List // creation order, for jostling under the MaxActive cap
}

// NewEngine wires a serviced-query engine on top of an already-open UDP
// port/ID pool and TCP connection pool; it drives both but does not own
// their sockets.
func NewEngine(cfg Config, udp *udpsock.Pool, tcp *tcppool.Pool, rnd rng.Source, mem *memacct.Counter, logger *zap.Logger) *Engine {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger: logger,
		cfg:    cfg,
		udp:    udp,
		tcp:    tcp,
		mem:    mem,
		rnd:    rnd,
		index:  btree.NewG[*entry](32, func(a, b *entry) bool { return lessKey(a.key, b.key) }),
		lru:    list.New(),
	}
}

// Submit implements serviced_query: attach-or-create against the
// (qbuf, destination, dnssec) index, with duplicate-subscriber rejection
// under the caller's equality predicate.
func (e *Engine) Submit(qname string, qtype, qclass uint16, rd, dnssec bool, dest netip.AddrPort, cb func(Result, interface{}), arg interface{}, argEq ArgEq) (Handle, error) {
	qbuf, err := wire.BuildQuery(qname, qtype, qclass, 0, rd, false, false, 0)
	if err != nil {
		return Handle{}, qerr.New(qerr.Protocol, err)
	}
	key := Key{QBuf: string(qbuf), Dest: dest, DNSSEC: dnssec}

	e.mu.Lock()
	if ex, found := e.index.Get(&entry{key: key}); found {
		ex.mu.Lock()
		for _, s := range ex.subs {
			if !s.removed && ex.argEq != nil && ex.argEq(s.arg, arg) {
				ex.mu.Unlock()
				e.mu.Unlock()
				return Handle{}, qerr.New(qerr.AlreadySubscribed, nil)
			}
		}
		ex.subs = append(ex.subs, &subscriber{cb: cb, arg: arg})
		ex.approxSize += approxSubscriberSize
		ex.mu.Unlock()
		e.mu.Unlock()
		if e.mem != nil {
			e.mem.Add(memacct.ServicedIndex, approxSubscriberSize)
		}
		return Handle{e: ex, arg: arg}, nil
	}

	if e.cfg.MaxActive > 0 && e.index.Len() >= e.cfg.MaxActive {
		ceilingHit := e.cfg.MaxMemory <= 0
		if !ceilingHit && e.mem != nil {
			ceilingHit = e.mem.Get(memacct.ServicedIndex) >= e.cfg.MaxMemory
		}
		if ceilingHit {
			victim := e.jostleVictimLocked()
			if victim == nil {
				e.mu.Unlock()
				return Handle{}, qerr.New(qerr.ResourceExhausted, nil)
			}
			e.mu.Unlock()
			e.cancelChild(victim)
			e.finalize(victim, Result{Err: qerr.New(qerr.ResourceExhausted, nil)})
			e.mu.Lock()
		}
	}

	size := int64(len(qbuf)) + approxSubscriberSize
	ent := &entry{
		key:        key,
		qname:      qname,
		qtype:      qtype,
		qclass:     qclass,
		rd:         rd,
		subs:       []*subscriber{{cb: cb, arg: arg}},
		argEq:      argEq,
		state:      StateInitial,
		udpTimeout: e.cfg.UDPBaseTimeout,
		approxSize: size,
	}
	e.index.ReplaceOrInsert(ent)
	ent.lruElem = e.lru.PushBack(ent)
	e.mu.Unlock()

	if e.mem != nil {
		e.mem.Add(memacct.ServicedIndex, size)
	}

	e.dispatch(ent)
	return Handle{e: ent, arg: arg}, nil
}

// jostleVictimLocked returns the oldest tracked entry not already mid
// fan-out, or nil if every entry is finalizing. Callers must hold e.mu;
// the returned entry is not yet removed from the index or lru list.
func (e *Engine) jostleVictimLocked() *entry {
	for el := e.lru.Front(); el != nil; el = el.Next() {
		cand := el.Value.(*entry)
		cand.mu.Lock()
		deleted := cand.toBeDeleted
		cand.mu.Unlock()
		if !deleted {
			return cand
		}
	}
	return nil
}

// Stop detaches one subscriber by argument identity. If it was the last
// one, the underlying child request is cancelled and the entry destroyed
// with no callback invocation.
func (e *Engine) Stop(h Handle) {
	ent := h.e
	if ent == nil {
		return
	}
	ent.mu.Lock()
	active := 0
	for _, s := range ent.subs {
		if s.removed {
			continue
		}
		if ent.argEq != nil && ent.argEq(s.arg, h.arg) {
			s.removed = true
			continue
		}
		active++
	}
	lastGone := active == 0 && !ent.toBeDeleted
	if lastGone {
		ent.toBeDeleted = true
	}
	ent.mu.Unlock()

	if !lastGone {
		return
	}

	e.cancelChild(ent)
	e.removeFromIndex(ent)
}

func (e *Engine) removeFromIndex(ent *entry) {
	e.mu.Lock()
	e.index.Delete(&entry{key: ent.key})
	if ent.lruElem != nil {
		e.lru.Remove(ent.lruElem)
		ent.lruElem = nil
	}
	e.mu.Unlock()
	if e.mem != nil {
		e.mem.Add(memacct.ServicedIndex, -ent.approxSize)
	}
}

func (e *Engine) cancelChild(ent *entry) {
	ent.mu.Lock()
	hasUDP, udpKey := ent.hasUDP, ent.udpKey
	hasTCP, tcpH := ent.hasTCP, ent.tcpH
	ent.hasUDP, ent.hasTCP = false, false
	ent.mu.Unlock()

	if hasUDP {
		e.udp.Cancel(udpKey)
	}
	if hasTCP {
		tcpH.Cancel()
	}
}

// dispatch advances ent from its current state to the next send and
// hands the synthesized packet to the matching pool.
func (e *Engine) dispatch(ent *entry) {
	ent.mu.Lock()
	if ent.toBeDeleted {
		ent.mu.Unlock()
		return
	}
	if ent.state == StateInitial {
		if ent.key.DNSSEC {
			ent.state = StateUDPEDNS
		} else {
			ent.state = StateUDPPlain
		}
	}
	state := ent.state
	ent.gen++
	gen := ent.gen
	ent.mu.Unlock()

	withEDNS := state == StateUDPEDNS || state == StateTCPEDNS
	packet, err := wire.BuildQuery(ent.qname, ent.qtype, ent.qclass, 0, ent.rd, withEDNS, ent.key.DNSSEC, e.cfg.EDNSUDPPayload)
	if err != nil {
		e.finalize(ent, Result{Err: qerr.New(qerr.Protocol, err)})
		return
	}

	ent.mu.Lock()
	ent.lastEDNS = withEDNS
	ent.mu.Unlock()

	ent.mu.Lock()
	udpTimeout := ent.udpTimeout
	ent.mu.Unlock()

	switch state {
	case StateUDPEDNS, StateUDPPlain:
		key, err := e.udp.SendUDP(ent.key.Dest, packet, udpTimeout, func(r pending.Result) {
			e.onUDPResult(ent, gen, r)
		})
		if err != nil {
			e.finalize(ent, Result{Err: err})
			return
		}
		ent.mu.Lock()
		ent.hasUDP, ent.udpKey = true, key
		ent.mu.Unlock()

	case StateTCPEDNS, StateTCPPlain:
		if err := wire.SetID(packet, uint16(e.rnd.Uint32())); err != nil {
			e.finalize(ent, Result{Err: qerr.New(qerr.Protocol, err)})
			return
		}
		h := e.tcp.Submit(ent.key.Dest, packet, e.cfg.TCPTimeout, func(r tcppool.Result) {
			e.onTCPResult(ent, gen, r)
		})
		ent.mu.Lock()
		ent.hasTCP, ent.tcpH = true, h
		ent.mu.Unlock()
	}
}

func (e *Engine) onUDPResult(ent *entry, gen uint64, r pending.Result) {
	ent.mu.Lock()
	if ent.toBeDeleted || gen != ent.gen {
		ent.mu.Unlock()
		return
	}
	ent.hasUDP = false
	ent.mu.Unlock()

	if r.Err != nil {
		if qerr.Is(r.Err, qerr.Timeout) {
			e.onUDPTimeout(ent)
			return
		}
		e.finalize(ent, Result{Err: r.Err})
		return
	}
	e.onReply(ent, r.Payload, true)
}

func (e *Engine) onTCPResult(ent *entry, gen uint64, r tcppool.Result) {
	ent.mu.Lock()
	if ent.toBeDeleted || gen != ent.gen {
		ent.mu.Unlock()
		return
	}
	ent.hasTCP = false
	ent.mu.Unlock()

	if r.Err != nil {
		e.finalize(ent, Result{Err: r.Err})
		return
	}
	e.onReply(ent, r.Payload, false)
}

// onUDPTimeout handles the UDP retry/fallback transition: retry in the
// same state while under budget K, doubling the attempt deadline each
// time (capped at UDPTimeout) rather than resending at a fixed interval,
// else fall to TCP in the EDNS mode last used.
func (e *Engine) onUDPTimeout(ent *entry) {
	ent.mu.Lock()
	if ent.udpRetries < e.cfg.K {
		ent.udpRetries++
		ent.udpTimeout *= 2
		if ent.udpTimeout <= 0 || ent.udpTimeout > e.cfg.UDPTimeout {
			ent.udpTimeout = e.cfg.UDPTimeout
		}
		ent.mu.Unlock()
		e.dispatch(ent)
		return
	}
	if ent.lastEDNS {
		ent.state = StateTCPEDNS
	} else {
		ent.state = StateTCPPlain
	}
	ent.udpRetries = 0
	ent.mu.Unlock()
	e.dispatch(ent)
}

// onReply drives the FORMERR-demotion and TC-escalation edges, and
// otherwise finalizes with the reply payload.
func (e *Engine) onReply(ent *entry, payload []byte, fromUDP bool) {
	rcode, err := wire.Rcode(payload)
	if err != nil {
		// Malformed reply: UDP drops it silently (treated as if no reply
		// arrived yet, the outstanding timer will retry/escalate), TCP
		// faults the slot as a protocol error.
		if fromUDP {
			return
		}
		e.finalize(ent, Result{Err: qerr.New(qerr.Protocol, err)})
		return
	}

	const rcodeFormErr = 1
	if rcode == rcodeFormErr {
		ent.mu.Lock()
		switch ent.state {
		case StateUDPEDNS:
			ent.state = StateUDPPlain
			ent.udpRetries = 0
			ent.udpTimeout = e.cfg.UDPBaseTimeout
		case StateTCPEDNS:
			ent.state = StateTCPPlain
		default:
			ent.mu.Unlock()
			e.finalize(ent, Result{Payload: payload})
			return
		}
		ent.mu.Unlock()
		e.dispatch(ent)
		return
	}

	if fromUDP {
		if tc, err := wire.Truncated(payload); err == nil && tc {
			ent.mu.Lock()
			if ent.lastEDNS {
				ent.state = StateTCPEDNS
			} else {
				ent.state = StateTCPPlain
			}
			ent.mu.Unlock()
			e.dispatch(ent)
			return
		}
	}

	e.finalize(ent, Result{Payload: payload})
}

// finalize marks the entry to-be-deleted, unlinks it from the index,
// then invokes each not-yet-removed subscriber in list order. A
// subscriber that calls Stop from inside its own callback only affects
// the not-yet-dispatched tail.
func (e *Engine) finalize(ent *entry, result Result) {
	ent.mu.Lock()
	if ent.toBeDeleted {
		ent.mu.Unlock()
		return
	}
	ent.toBeDeleted = true
	ent.state = stateTerminal
	subs := ent.subs
	ent.mu.Unlock()

	e.removeFromIndex(ent)

	for _, s := range subs {
		ent.mu.Lock()
		skip := s.removed
		ent.mu.Unlock()
		if skip {
			continue
		}
		s.cb(result, s.arg)
	}
}

// Len reports the number of live serviced-query entries; used by tests to
// confirm an entry's index footprint is gone after fan-out.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Len()
}

// MemoryInUse reports live bytes held across the serviced-query index;
// qbuf copies dominate since subscriber lists are small.
func (e *Engine) MemoryInUse() int64 {
	if e.mem == nil {
		return 0
	}
	return e.mem.Get(memacct.ServicedIndex)
}
