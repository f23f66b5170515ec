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

// Package udpsock implements the port/ID pool: a fixed set of bound UDP
// source sockets per address family, allocated (socket, id) pairs by
// rejection sampling against the pending-UDP table, and reply
// demultiplexing off the header id + source address.
package udpsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/IrineSistiana/mosqout/internal/pending"
	"github.com/IrineSistiana/mosqout/internal/qerr"
	"github.com/IrineSistiana/mosqout/internal/reactor"
	"github.com/IrineSistiana/mosqout/internal/rng"
)

// maxDraws bounds the rejection-sampling loop; on exhaustion the request
// fails with a resource-exhausted error rather than spinning forever.
const maxDraws = 16

// Config describes how to open the socket set.
type Config struct {
	// NumPorts is the per-interface, per-family socket count.
	NumPorts int
	// Interfaces is a list of local addresses to bind to. A nil/empty
	// list binds the wildcard address for each enabled family.
	Interfaces []string
	DoIP4      bool
	DoIP6      bool
	// PortBase is the first sequential port to bind, or a negative
	// value to request system-assigned (ephemeral) ports.
	PortBase int
}

type socket struct {
	conn   *net.UDPConn
	fd     reactor.FDHandle
	family int // 4 or 6
}

// Pool owns every outgoing UDP socket for one engine instance.
type Pool struct {
	logger *zap.Logger
	rx     reactor.Reactor
	pend   *pending.Table
	rnd    rng.Source

	byFamily map[int][]*socket
	all      []*socket
}

// Open binds cfg.NumPorts sockets per enabled family (and per
// interface, or the wildcard address if none given) and registers each
// with rx for reply delivery.
func Open(ctx context.Context, cfg Config, rx reactor.Reactor, pend *pending.Table, rnd rng.Source, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		logger:   logger,
		rx:       rx,
		pend:     pend,
		rnd:      rnd,
		byFamily: make(map[int][]*socket),
	}

	ifaces := cfg.Interfaces
	families := familiesOf(cfg)
	if len(ifaces) == 0 {
		ifaces = []string{""}
	}

	portIdx := 0
	for _, fam := range families {
		for _, iface := range ifaces {
			for i := 0; i < cfg.NumPorts; i++ {
				conn, err := bindOne(ctx, fam, iface, cfg.PortBase, portIdx)
				if err != nil {
					p.Close()
					return nil, fmt.Errorf("udpsock: bind %s socket on %q: %w", familyName(fam), iface, err)
				}
				portIdx++

				sk := &socket{conn: conn, family: fam}
				sk.fd = rx.RegisterFD(conn, p.makeCallback(sk))
				p.byFamily[fam] = append(p.byFamily[fam], sk)
				p.all = append(p.all, sk)
			}
		}
	}

	if len(p.all) == 0 {
		return nil, errors.New("udpsock: no socket family enabled")
	}
	return p, nil
}

func familiesOf(cfg Config) []int {
	var fams []int
	if cfg.DoIP4 {
		fams = append(fams, 4)
	}
	if cfg.DoIP6 {
		fams = append(fams, 6)
	}
	return fams
}

func familyName(fam int) string {
	if fam == 6 {
		return "udp6"
	}
	return "udp4"
}

func bindOne(ctx context.Context, fam int, iface string, portBase, idx int) (*net.UDPConn, error) {
	network := familyName(fam)
	port := 0
	if portBase >= 0 {
		port = portBase + idx
	}
	addr := net.JoinHostPort(iface, fmt.Sprintf("%d", port))

	lc := net.ListenConfig{}
	if portBase >= 0 {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			return setReusePort(network, address, c)
		}
	}

	pc, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// Close unregisters and closes every socket.
func (p *Pool) Close() {
	for _, sk := range p.all {
		p.rx.UnregisterFD(sk.fd)
	}
}

func (p *Pool) makeCallback(sk *socket) reactor.PacketCallback {
	return func(buf []byte, from net.Addr) {
		p.onDatagram(sk, buf, from)
	}
}

func (p *Pool) onDatagram(sk *socket, buf []byte, from net.Addr) {
	ua, ok := from.(*net.UDPAddr)
	if !ok {
		p.logger.Debug("udpsock: unexpected addr type on reply", zap.String("type", fmt.Sprintf("%T", from)))
		return
	}
	id, err := peekID(buf)
	if err != nil {
		p.logger.Debug("udpsock: short datagram dropped", zap.Stringer("from", ua))
		return
	}

	key := pending.Key{ID: id, Addr: ua.AddrPort().Addr()}
	entry, found := p.pend.Remove(key)
	if !found {
		// Reply matches no pending entry (stale, spoofed, or duplicate); silently dropped.
		p.logger.Debug("udpsock: reply matched no pending request", zap.Uint16("id", id), zap.Stringer("from", ua))
		return
	}
	p.rx.CancelTimer(entry.Timer)
	entry.OnResult(pending.Result{Payload: buf})
}

func peekID(b []byte) (uint16, error) {
	if len(b) < 12 {
		return 0, errors.New("udpsock: short datagram")
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// SendUDP allocates a (socket, id) pair by rejection sampling, sends
// payload (with its id rewritten) to dest, arms a timeout timer, and
// registers the pending entry. onResult is invoked at most once: with
// the reply payload, or with a Timeout qerr.Error. A send failure is
// returned as a Network qerr.Error without invoking onResult, and Cancel
// suppresses the callback.
func (p *Pool) SendUDP(dest netip.AddrPort, payload []byte, timeout time.Duration, onResult func(pending.Result)) (pending.Key, error) {
	fam := 4
	if dest.Addr().Is6() && !dest.Addr().Is4In6() {
		fam = 6
	}
	socks := p.byFamily[fam]
	if len(socks) == 0 {
		return pending.Key{}, qerr.New(qerr.Network, fmt.Errorf("udpsock: no socket bound for family %s", familyName(fam)))
	}

	for attempt := 0; attempt < maxDraws; attempt++ {
		sk := socks[int(p.rnd.Uint32())%len(socks)]
		id := uint16(p.rnd.Uint32())
		key := pending.Key{ID: id, Addr: dest.Addr()}

		deadline := time.Now().Add(timeout)
		entry := &pending.Entry{Key: key, Deadline: deadline, OnResult: onResult}
		if !p.pend.Insert(entry) {
			continue // id collision on this (id, remote-addr); redraw.
		}

		out := append([]byte(nil), payload...)
		setID(out, id)
		if _, err := sk.conn.WriteToUDPAddrPort(out, dest); err != nil {
			p.pend.Remove(key)
			return key, qerr.New(qerr.Network, err)
		}

		entry.Timer = p.rx.RegisterTimer(deadline, func() { p.onTimeout(key) })
		return key, nil
	}
	return pending.Key{}, qerr.New(qerr.ResourceExhausted, errors.New("udpsock: exhausted rejection-sampling draws for (port, id)"))
}

func (p *Pool) onTimeout(key pending.Key) {
	entry, found := p.pend.RemoveDetached(key)
	if !found {
		return // already replied to or cancelled; timer fire is a no-op.
	}
	entry.OnResult(pending.Result{Err: qerr.New(qerr.Timeout, errors.New("udpsock: no reply before deadline"))})
}

// Cancel aborts an outstanding request before it completes: the pending
// entry is removed and its timer cancelled. No callback is invoked.
func (p *Pool) Cancel(key pending.Key) {
	entry, found := p.pend.Remove(key)
	if !found {
		return
	}
	p.rx.CancelTimer(entry.Timer)
}

func setID(b []byte, id uint16) {
	b[0] = byte(id >> 8)
	b[1] = byte(id)
}
