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

// Package selector implements the target-selection policy: an
// RTT-banded, randomized address picker over a delegation point's
// candidates, using infra-cache hints for lameness and DNSSEC support.
package selector

import (
	"net/netip"
	"sync"
	"time"

	"github.com/IrineSistiana/mosqout/internal/rng"
)

// InfraInfo is what the infra cache reports about one server for one
// zone/qtype, or the zero value with Found=false if it has no history.
type InfraInfo struct {
	Lame       bool
	DNSSECLame bool
	RTT        time.Duration
	Found      bool
}

// InfraCache is the external collaborator that reports what is known
// about a server's health for a given zone and query type, or nothing
// if it has no history.
type InfraCache interface {
	Lookup(addr netip.Addr, zone string, qtype uint16, now time.Time) InfraInfo
}

// DoNotQueryList is the external do-not-query collaborator.
type DoNotQueryList interface {
	Contains(addr netip.Addr) bool
}

// Candidate is one delegation-point address. Attempts and Retired are
// mutated only by Policy.Select.
type Candidate struct {
	Addr     netip.Addr
	Attempts int
	Retired  bool
}

// DelegationPoint is the candidate list a caller selects against,
// potentially across many Select calls as an iterative resolution
// proceeds (attempt counters persist across calls on the same point).
type DelegationPoint struct {
	mu         sync.Mutex
	Candidates []*Candidate
}

// NewDelegationPoint builds a delegation point from a fixed set of
// addresses, each starting with a zero attempt counter.
func NewDelegationPoint(addrs []netip.Addr) *DelegationPoint {
	dp := &DelegationPoint{Candidates: make([]*Candidate, len(addrs))}
	for i, a := range addrs {
		dp.Candidates[i] = &Candidate{Addr: a}
	}
	return dp
}

// Policy holds the tunables for target selection and the external
// collaborators its algorithm consults.
type Policy struct {
	Infra      InfraCache
	DoNotQuery DoNotQueryList
	Rand       rng.Source

	RTTBand                time.Duration
	UsefulServerTopTimeout time.Duration
	OutboundMsgRetry       int
	UnknownServerRTT       time.Duration // "UNKNOWN_SERVER_NICENESS"
	DoIP6                  bool
}

type survivor struct {
	cand *Candidate
	rtt  time.Duration
}

// Select returns one address from dp, or ok=false if every candidate
// was rejected. dnssecExpected is
// read for the caller's current expectation and cleared (never set) if
// the chosen candidate's selection RTT crossed UsefulServerTopTimeout.
func (p *Policy) Select(dp *DelegationPoint, zone string, qtype uint16, now time.Time, dnssecExpected *bool) (netip.Addr, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()

	survivors := make([]survivor, 0, len(dp.Candidates))
	for _, c := range dp.Candidates {
		if c.Retired {
			continue
		}
		if p.DoNotQuery != nil && p.DoNotQuery.Contains(c.Addr) {
			continue
		}
		if c.Addr.Is6() && !p.DoIP6 {
			continue
		}

		var rawRTT time.Duration
		var dnssecLame bool
		if p.Infra == nil {
			rawRTT = p.UnknownServerRTT
		} else {
			info := p.Infra.Lookup(c.Addr, zone, qtype, now)
			if !info.Found {
				rawRTT = p.UnknownServerRTT
			} else {
				if info.Lame {
					continue
				}
				rawRTT = info.RTT
				dnssecLame = info.DNSSECLame
			}
		}

		// The raw RTT (before any dnssec-lame penalty) gates rejection;
		// the penalty only applies as a soft ranking adjustment below.
		if rawRTT >= p.UsefulServerTopTimeout {
			continue
		}
		selRTT := rawRTT
		if dnssecLame {
			selRTT += p.UsefulServerTopTimeout
		}
		survivors = append(survivors, survivor{cand: c, rtt: selRTT})
	}

	if len(survivors) == 0 {
		return netip.Addr{}, false
	}

	low := survivors[0].rtt
	for _, s := range survivors[1:] {
		if s.rtt < low {
			low = s.rtt
		}
	}

	inBest := make(map[*Candidate]bool, len(survivors))
	var best []survivor
	for _, s := range survivors {
		d := s.rtt - low
		if d < 0 {
			d = -d
		}
		if d <= p.RTTBand {
			best = append(best, s)
			inBest[s.cand] = true
		}
	}

	dp.Candidates = reorderFront(dp.Candidates, inBest)

	var chosen survivor
	if len(best) == 1 {
		chosen = best[0]
	} else {
		idx := 0
		if p.Rand != nil {
			idx = int(p.Rand.Uint32()) % len(best)
		}
		chosen = best[idx]
	}

	if chosen.rtt >= p.UsefulServerTopTimeout {
		*dnssecExpected = false
	}

	chosen.cand.Attempts++
	if chosen.cand.Attempts >= p.OutboundMsgRetry {
		chosen.cand.Retired = true
	}

	return chosen.cand.Addr, true
}

// reorderFront moves the candidates marked in inBest to the front of
// the list, preserving the relative order of both the moved set and the
// remainder.
func reorderFront(candidates []*Candidate, inBest map[*Candidate]bool) []*Candidate {
	out := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if inBest[c] {
			out = append(out, c)
		}
	}
	for _, c := range candidates {
		if !inBest[c] {
			out = append(out, c)
		}
	}
	return out
}
