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

// Package mosqout is the outbound-query engine of a recursive DNS
// resolver: it issues queries to authoritative name servers over UDP
// and TCP, deduplicates concurrent identical questions, drives retries
// and EDNS fallback, and picks which server to ask next from a
// delegation point's candidate addresses.
//
// The package itself carries no exported surface beyond documentation;
// callers use package outbound to create and drive an engine instance.
// Everything under internal/ is private wiring: the event reactor
// (internal/reactor), the UDP port/ID pool (internal/udpsock) and its
// pending-request table (internal/pending), the TCP connection pool
// (internal/tcppool), the serviced-query state machine
// (internal/serviced), and memory accounting (internal/memacct). The
// target-selection policy lives in the public selector package since
// outbound callers construct delegation points directly.
package mosqout
