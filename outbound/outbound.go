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

// Package outbound is the provided interface: create/destroy an engine,
// and submit plain UDP/TCP requests or deduplicated serviced queries
// against it. It is the single entry point that wires the
// reactor, port/ID pool, TCP pool, serviced-query engine, and
// target-selection policy into one instance per worker.
package outbound

import (
	"context"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IrineSistiana/mosqout/internal/cfgutil"
	"github.com/IrineSistiana/mosqout/internal/memacct"
	"github.com/IrineSistiana/mosqout/internal/pending"
	"github.com/IrineSistiana/mosqout/internal/reactor"
	"github.com/IrineSistiana/mosqout/internal/rng"
	"github.com/IrineSistiana/mosqout/internal/serviced"
	"github.com/IrineSistiana/mosqout/internal/tcppool"
	"github.com/IrineSistiana/mosqout/internal/udpsock"
	"github.com/IrineSistiana/mosqout/selector"
)

// dialTCP is the default tcppool.DialFunc: a plain TCP dial to the
// chosen destination, honoring the caller's context deadline.
func dialTCP(ctx context.Context, dest netip.AddrPort) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", dest.String())
}

// Config is the configuration Create recognises.
type Config struct {
	// Socket set.
	NumUDPPorts int      `mapstructure:"num_udp_ports"`
	Interfaces  []string `mapstructure:"interfaces"`
	DoIP4       bool     `mapstructure:"do_ip4"`
	DoIP6       bool     `mapstructure:"do_ip6"`
	// PortBase < 0 requests ephemeral ports; > 0 is a sequential base.
	// Zero, the unset value, is treated as ephemeral.
	PortBase    int `mapstructure:"port_base"`
	NumTCPSlots int `mapstructure:"num_tcp_slots"`
	BufSize     int `mapstructure:"buf_size"`

	// Serviced-query tunables.
	RTTBand                time.Duration `mapstructure:"rtt_band"`
	UsefulServerTopTimeout time.Duration `mapstructure:"useful_server_top_timeout"`
	OutboundMsgRetry       int           `mapstructure:"outbound_msg_retry"`
	UnknownServerNiceness  time.Duration `mapstructure:"unknown_server_niceness"`
	UDPRetryBudget         int           `mapstructure:"udp_retry_budget"`
	UDPTimeout             time.Duration `mapstructure:"udp_timeout"`
	TCPTimeout             time.Duration `mapstructure:"tcp_timeout"`
	EDNSUDPPayload         uint16        `mapstructure:"edns_udp_payload"`
}

func (c *Config) setDefaults() {
	cfgutil.SetDefaultNum(&c.NumUDPPorts, 8)
	cfgutil.SetDefaultNum(&c.NumTCPSlots, 32)
	cfgutil.SetDefaultNum(&c.BufSize, 4096)
	if !c.DoIP4 && !c.DoIP6 {
		c.DoIP4 = true
	}
	if c.PortBase == 0 {
		c.PortBase = -1
	}
	cfgutil.SetDefaultNum(&c.OutboundMsgRetry, 3)
	cfgutil.SetDefaultNum(&c.UDPRetryBudget, 3)
	if c.RTTBand <= 0 {
		c.RTTBand = 400 * time.Millisecond
	}
	if c.UsefulServerTopTimeout <= 0 {
		c.UsefulServerTopTimeout = 2 * time.Second
	}
	if c.UnknownServerNiceness <= 0 {
		c.UnknownServerNiceness = 376 * time.Millisecond
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

// DecodeConfig fills a Config from a generic map (e.g. YAML/JSON decoded
// into map[string]interface{}), per the ambient configuration stack.
func DecodeConfig(in map[string]interface{}) (Config, error) {
	var c Config
	if err := cfgutil.DecodeMap(in, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Engine is one outbound-query engine instance: a single reactor owns
// every socket and timer it drives, and one goroutine runs the reactor
// loop, so UDP reply and timer callbacks never execute concurrently.
// TCP replies and TCP connection errors are delivered from the TCP
// pool's per-slot goroutines instead, so those callbacks can run
// concurrently with reactor callbacks.
type Engine struct {
	logger *zap.Logger
	loop   *reactor.Loop
	pend   *pending.Table
	udp    *udpsock.Pool
	tcp    *tcppool.Pool
	mem    *memacct.Counter
	rnd    rng.Source
	sv     *serviced.Engine
	sel    *selector.Policy
}

// Create builds a new engine instance. infra and doNotQuery are borrowed
// external collaborators; rnd may be nil to use an internally seeded
// source.
func Create(ctx context.Context, cfg Config, infra selector.InfraCache, doNotQuery selector.DoNotQueryList, rnd rng.Source, logger *zap.Logger) (*Engine, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if rnd == nil {
		rnd = rng.NewLocked(time.Now().UnixNano())
	}

	mem := memacct.New()
	loop := reactor.NewLoop(cfg.BufSize, mem)
	pend := pending.NewTable(mem)

	udpCfg := udpsock.Config{
		NumPorts:   cfg.NumUDPPorts,
		Interfaces: cfg.Interfaces,
		DoIP4:      cfg.DoIP4,
		DoIP6:      cfg.DoIP6,
		PortBase:   cfg.PortBase,
	}
	udp, err := udpsock.Open(ctx, udpCfg, loop, pend, rnd, logger)
	if err != nil {
		loop.Close()
		return nil, err
	}

	tcp := tcppool.New(cfg.NumTCPSlots, dialTCP, loop, mem, logger)

	svCfg := serviced.Config{
		K:              cfg.UDPRetryBudget,
		UDPTimeout:     cfg.UDPTimeout,
		TCPTimeout:     cfg.TCPTimeout,
		EDNSUDPPayload: cfg.EDNSUDPPayload,
	}
	sv := serviced.NewEngine(svCfg, udp, tcp, rnd, mem, logger)

	sel := &selector.Policy{
		Infra:                  infra,
		DoNotQuery:             doNotQuery,
		Rand:                   rnd,
		RTTBand:                cfg.RTTBand,
		UsefulServerTopTimeout: cfg.UsefulServerTopTimeout,
		OutboundMsgRetry:       cfg.OutboundMsgRetry,
		UnknownServerRTT:       cfg.UnknownServerNiceness,
		DoIP6:                  cfg.DoIP6,
	}

	return &Engine{
		logger: logger,
		loop:   loop,
		pend:   pend,
		udp:    udp,
		tcp:    tcp,
		mem:    mem,
		rnd:    rnd,
		sv:     sv,
		sel:    sel,
	}, nil
}

// Destroy tears down every resource the engine owns. The UDP and TCP
// pools are closed concurrently via
// golang.org/x/sync/errgroup since neither depends on the other's
// shutdown completing; the reactor loop is closed last so no in-flight
// callback finds its timers or sockets gone out from under it.
func (e *Engine) Destroy() error {
	var g errgroup.Group
	g.Go(func() error {
		e.udp.Close()
		return nil
	})
	g.Go(func() error {
		e.tcp.Close()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	e.loop.Close()
	return nil
}

// SendUDP sends packet to dest over the bound UDP socket pool and
// invokes cb with the result. timeoutMS is in milliseconds.
func (e *Engine) SendUDP(dest netip.AddrPort, packet []byte, timeoutMS int, cb func(pending.Result)) (pending.Key, error) {
	return e.udp.SendUDP(dest, packet, time.Duration(timeoutMS)*time.Millisecond, cb)
}

// SendTCP submits packet to dest over the TCP connection pool and
// invokes cb with the result. timeoutS is in seconds.
func (e *Engine) SendTCP(dest netip.AddrPort, packet []byte, timeoutS int, cb func(tcppool.Result)) tcppool.Handle {
	if e.tcp == nil {
		panic("outbound: engine created without a TCP pool")
	}
	return e.tcp.Submit(dest, packet, time.Duration(timeoutS)*time.Second, cb)
}

// ServicedQuery attaches to an existing deduplicated query against dest
// or creates a new retry-driven one.
func (e *Engine) ServicedQuery(qname string, qtype, qclass uint16, rd, dnssec bool, dest netip.AddrPort, cb func(serviced.Result, interface{}), arg interface{}, argEq serviced.ArgEq) (serviced.Handle, error) {
	return e.sv.Submit(qname, qtype, qclass, rd, dnssec, dest, cb, arg, argEq)
}

// ServicedStop detaches the subscriber identified by h.
func (e *Engine) ServicedStop(h serviced.Handle) {
	e.sv.Stop(h)
}

// MemoryInUse returns total live bytes across every bookkept category.
func (e *Engine) MemoryInUse() int64 {
	return e.mem.Total()
}

// SelectTarget picks one address from dp for (qname, qtype), clearing
// *dnssecExpected if the chosen candidate's selection RTT (after the
// dnssec-lame penalty) is at or above UsefulServerTopTimeout.
func (e *Engine) SelectTarget(dp *selector.DelegationPoint, qname string, qtype uint16, dnssecExpected *bool) (netip.Addr, bool) {
	return e.sel.Select(dp, qname, qtype, time.Now(), dnssecExpected)
}
