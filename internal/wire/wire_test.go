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

package wire

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestBuildQueryRoundTrip(t *testing.T) {
	b, err := BuildQuery("example.", dns.TypeA, dns.ClassINET, 0x1234, true, false, false, 0)
	require.NoError(t, err)

	id, err := PeekID(b)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), id)

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(b))
	require.True(t, m.RecursionDesired)
	require.Equal(t, uint16(0x1234), m.Id)
	require.Nil(t, m.IsEdns0())
}

func TestBuildQueryWithEDNSSetsDoBit(t *testing.T) {
	b, err := BuildQuery("example.", dns.TypeA, dns.ClassINET, 7, true, true, true, 1232)
	require.NoError(t, err)

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(b))
	opt := m.IsEdns0()
	require.NotNil(t, opt)
	require.True(t, opt.Do())
	require.True(t, HasOPT(b))
}

func TestSetID(t *testing.T) {
	b, err := BuildQuery("example.", dns.TypeA, dns.ClassINET, 1, true, false, false, 0)
	require.NoError(t, err)
	require.NoError(t, SetID(b, 99))
	id, err := PeekID(b)
	require.NoError(t, err)
	require.Equal(t, uint16(99), id)
}

func TestPeekIDShortHeader(t *testing.T) {
	_, err := PeekID([]byte{0x01})
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestTruncatedAndRcode(t *testing.T) {
	b, err := BuildQuery("example.", dns.TypeA, dns.ClassINET, 1, true, false, false, 0)
	require.NoError(t, err)
	tc, err := Truncated(b)
	require.NoError(t, err)
	require.False(t, tc)

	rc, err := Rcode(b)
	require.NoError(t, err)
	require.Equal(t, 0, rc)
}
