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

// Package wire holds the minimal amount of DNS wire handling this engine
// needs: the header id, the TC bit and rcode, and EDNS(0) OPT
// construction. Full message parsing belongs to the upstream iterative
// resolver, not here.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/miekg/dns"

	"github.com/IrineSistiana/mosqout/internal/pool"
)

// HeaderLen is the fixed DNS header size; the id lives in its first two
// octets.
const HeaderLen = 12

var (
	// ErrShortHeader is returned when a datagram is too small to even
	// contain a DNS header. Callers drop this silently on UDP and fault
	// the slot on TCP; this error is how callers distinguish that case
	// from a legitimate id mismatch.
	ErrShortHeader = errors.New("wire: message shorter than dns header")
)

// PeekID reads the 16-bit transaction id from the first 12 octets of a
// raw DNS message without fully parsing it.
func PeekID(b []byte) (uint16, error) {
	if len(b) < HeaderLen {
		return 0, ErrShortHeader
	}
	return binary.BigEndian.Uint16(b[0:2]), nil
}

// SetID rewrites the transaction id in place.
func SetID(b []byte, id uint16) error {
	if len(b) < HeaderLen {
		return ErrShortHeader
	}
	binary.BigEndian.PutUint16(b[0:2], id)
	return nil
}

// Truncated reports the TC bit of a raw DNS message.
func Truncated(b []byte) (bool, error) {
	if len(b) < HeaderLen {
		return false, ErrShortHeader
	}
	return b[2]&0x02 != 0, nil
}

// Rcode extracts the base (non-extended) response code from a raw DNS
// message.
func Rcode(b []byte) (int, error) {
	if len(b) < HeaderLen {
		return 0, ErrShortHeader
	}
	return int(b[3] & 0x0f), nil
}

// BuildQuery packs qname/qtype/qclass/flags into a wire query, appending
// an EDNS(0) OPT record with DO=dnssec when withEDNS is set. udpPayload
// is the advertised UDP payload size carried in the OPT record; it is
// ignored when withEDNS is false.
func BuildQuery(qname string, qtype, qclass uint16, id uint16, rd bool, withEDNS, dnssec bool, udpPayload uint16) ([]byte, error) {
	m := new(dns.Msg)
	m.Id = id
	m.RecursionDesired = rd
	m.Question = []dns.Question{{Name: dns.Fqdn(qname), Qtype: qtype, Qclass: qclass}}

	if withEDNS {
		o := new(dns.OPT)
		o.Hdr.Name = "."
		o.Hdr.Rrtype = dns.TypeOPT
		if udpPayload < dns.MinMsgSize {
			udpPayload = dns.MinMsgSize
		}
		o.SetUDPSize(udpPayload)
		o.SetDo(dnssec)
		m.Extra = append(m.Extra, o)
	}

	return m.Pack()
}

// HasOPT reports whether a packed message carries an OPT record. It
// fully unpacks b and returns false if b does not parse.
func HasOPT(b []byte) bool {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return false
	}
	return m.IsEdns0() != nil
}

// ReadTCPFrame reads one RFC 1035 2-byte-length-prefixed message from a
// pool-backed buffer. The caller owns the returned slice and must
// pool.ReleaseBuf it.
func ReadTCPFrame(readFull func([]byte) error) ([]byte, error) {
	hdr := make([]byte, 2)
	if err := readFull(hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr)
	if n == 0 {
		return nil, errors.New("wire: zero length tcp frame")
	}
	buf := pool.GetBuf(int(n))
	if err := readFull(buf); err != nil {
		pool.ReleaseBuf(buf)
		return nil, err
	}
	return buf, nil
}

// WriteTCPFrame prefixes b with its big-endian 2-byte length.
func WriteTCPFrame(b []byte) []byte {
	out := pool.GetBuf(len(b) + 2)
	binary.BigEndian.PutUint16(out[:2], uint16(len(b)))
	copy(out[2:], b)
	return out
}
