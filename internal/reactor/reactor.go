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

// Package reactor defines the abstract timer + socket-ready source an
// engine consumes to construct its sockets and deadlines. One Reactor
// belongs to exactly one engine instance; its Loop implementation
// guarantees all registered callbacks run on a single goroutine, one at
// a time, to completion.
package reactor

import (
	"net"
	"time"
)

// TimerHandle identifies a registered timer for cancellation.
type TimerHandle uint64

// FDHandle identifies a registered readable socket for unregistration.
type FDHandle uint64

// PacketCallback is invoked with a datagram and its source address. buf
// is only valid for the duration of the call: the reactor owns it and
// may reuse its backing array for a later read on any of its registered
// sockets as soon as the callback returns. The reactor never hands the callback the
// buffer currently being filled by a concurrent read.
type PacketCallback func(buf []byte, from net.Addr)

// Reactor is the abstract timer + socket-ready source the engine is
// built against. Production code uses Loop; tests can substitute a fake.
type Reactor interface {
	// RegisterTimer arranges for cb to run, on the reactor's single
	// callback goroutine, at or after deadline. It fires at most once.
	RegisterTimer(deadline time.Time, cb func()) TimerHandle

	// CancelTimer prevents a not-yet-fired timer from firing. A no-op if
	// the timer already fired or was already cancelled.
	CancelTimer(h TimerHandle)

	// RegisterFD starts reading datagrams from conn and invokes cb on
	// the reactor's callback goroutine for each one.
	RegisterFD(conn net.PacketConn, cb PacketCallback) FDHandle

	// UnregisterFD stops reading from the socket registered as h and
	// closes it.
	UnregisterFD(h FDHandle)

	// Close shuts the reactor down: all registered FDs are closed, all
	// pending timers are dropped, and the callback goroutine exits.
	Close()
}
