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

package udpsock

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IrineSistiana/mosqout/internal/pending"
	"github.com/IrineSistiana/mosqout/internal/qerr"
	"github.com/IrineSistiana/mosqout/internal/reactor"
	"github.com/IrineSistiana/mosqout/internal/rng"
)

// echoServer replies to every datagram it receives with the same bytes,
// optionally mutating the id, and can be told to stay silent.
func echoServer(t *testing.T, mutate func([]byte)) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			reply := append([]byte(nil), buf[:n]...)
			if mutate != nil {
				mutate(reply)
			}
			conn.WriteToUDP(reply, from)
		}
	}()
	return conn
}

func newTestPool(t *testing.T) (*Pool, *reactor.Loop) {
	t.Helper()
	loop := reactor.NewLoop(2048, nil)
	pend := pending.NewTable(nil)
	pool, err := Open(context.Background(), Config{NumPorts: 4, DoIP4: true, PortBase: -1}, loop, pend, rng.NewLocked(1), nil)
	require.NoError(t, err)
	return pool, loop
}

func TestSendUDPReceivesReply(t *testing.T) {
	pool, loop := newTestPool(t)
	defer loop.Close()
	defer pool.Close()

	srv := echoServer(t, nil)
	defer srv.Close()

	dest := srv.LocalAddr().(*net.UDPAddr).AddrPort()
	done := make(chan pending.Result, 1)

	payload := make([]byte, 12)
	_, err := pool.SendUDP(dest, payload, time.Second, func(r pending.Result) { done <- r })
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.Err)
		require.NotEmpty(t, r.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
}

func TestSendUDPTimeout(t *testing.T) {
	pool, loop := newTestPool(t)
	defer loop.Close()
	defer pool.Close()

	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	dest := silent.LocalAddr().(*net.UDPAddr).AddrPort()
	done := make(chan pending.Result, 1)

	payload := make([]byte, 12)
	start := time.Now()
	_, err = pool.SendUDP(dest, payload, 100*time.Millisecond, func(r pending.Result) { done <- r })
	require.NoError(t, err)

	select {
	case r := <-done:
		elapsed := time.Since(start)
		require.True(t, qerr.Is(r.Err, qerr.Timeout))
		require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestUnmatchedReplyIsDropped(t *testing.T) {
	pool, loop := newTestPool(t)
	defer loop.Close()
	defer pool.Close()

	// A reply referencing an id nobody is waiting for must not panic
	// or misfire any callback.
	other, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer other.Close()

	// Craft and send an unsolicited reply straight at one of the pool's
	// bound sockets.
	target := pool.byFamily[4][0].conn.LocalAddr().(*net.UDPAddr)
	msg := make([]byte, 12)
	msg[0], msg[1] = 0xAB, 0xCD
	_, err = other.WriteToUDP(msg, target)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, poolPendingLen(pool))
}

func poolPendingLen(p *Pool) int {
	return p.pend.Len()
}
