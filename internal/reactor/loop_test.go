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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoopTimerFires(t *testing.T) {
	l := NewLoop(512, nil)
	defer l.Close()

	done := make(chan struct{})
	l.RegisterTimer(time.Now().Add(20*time.Millisecond), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopTimerCancel(t *testing.T) {
	l := NewLoop(512, nil)
	defer l.Close()

	fired := false
	h := l.RegisterTimer(time.Now().Add(30*time.Millisecond), func() { fired = true })
	l.CancelTimer(h)

	time.Sleep(80 * time.Millisecond)
	require.False(t, fired)
}

func TestLoopFDReadDispatchesToSingleGoroutine(t *testing.T) {
	l := NewLoop(512, nil)
	defer l.Close()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	var mu sync.Mutex
	var received [][]byte
	gotAll := make(chan struct{})

	l.RegisterFD(conn, func(buf []byte, from net.Addr) {
		mu.Lock()
		cp := append([]byte(nil), buf...)
		received = append(received, cp)
		n := len(received)
		mu.Unlock()
		if n == 3 {
			close(gotAll)
		}
	})

	sender, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	for i := 0; i < 3; i++ {
		_, err := sender.Write([]byte{byte(i)})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-gotAll:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive all datagrams")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
}

func TestLoopUnregisterFDClosesSocket(t *testing.T) {
	l := NewLoop(512, nil)
	defer l.Close()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	h := l.RegisterFD(conn, func(buf []byte, from net.Addr) {})
	l.UnregisterFD(h)

	// Reading from a closed conn should error; give the read-loop
	// goroutine a moment to exit on its own.
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte{1})
	require.Error(t, err)
}
