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

package outbound

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IrineSistiana/mosqout/internal/pending"
	"github.com/IrineSistiana/mosqout/internal/qerr"
	"github.com/IrineSistiana/mosqout/selector"
)

func TestSendUDPTimeoutScenario(t *testing.T) {
	// A silent destination reports Timeout in the expected window and
	// leaves the pending index empty afterward.
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	e, err := Create(context.Background(), Config{NumUDPPorts: 2, DoIP4: true, PortBase: -1}, nil, nil, nil, nil)
	require.NoError(t, err)
	defer e.Destroy()

	dest := silent.LocalAddr().(*net.UDPAddr).AddrPort()
	done := make(chan pending.Result, 1)
	start := time.Now()

	_, err = e.SendUDP(dest, make([]byte, 12), 500, func(r pending.Result) { done <- r })
	require.NoError(t, err)

	select {
	case r := <-done:
		elapsed := time.Since(start)
		require.True(t, qerr.Is(r.Err, qerr.Timeout))
		require.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
		require.LessOrEqual(t, elapsed, 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	require.Equal(t, 0, e.pend.Len())
}

func TestSelectTargetWiring(t *testing.T) {
	e, err := Create(context.Background(), Config{NumUDPPorts: 1, DoIP4: true, PortBase: -1}, nil, nil, nil, nil)
	require.NoError(t, err)
	defer e.Destroy()

	addr := netip.MustParseAddr("192.0.2.1")
	dp := selector.NewDelegationPoint([]netip.Addr{addr})

	dnssec := true
	chosen, ok := e.SelectTarget(dp, "example.", 1, &dnssec)
	require.True(t, ok)
	require.Equal(t, addr, chosen)
}

func TestCreateDestroyIsIdempotentToClose(t *testing.T) {
	e, err := Create(context.Background(), Config{NumUDPPorts: 1, DoIP4: true, PortBase: -1}, nil, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Destroy())
	require.NoError(t, e.Destroy())
}
