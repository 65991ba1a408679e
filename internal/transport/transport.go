// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package transport implements the peer transport and timer source every
// consensus/broadcast machine is driven through: a length-prefixed TCP
// connection per directed peer edge, and one-shot timeouts fired on the
// same single-threaded dispatch loop as inbound messages. Grounded on
// original_source's network.hpp (class Network): that class multiplexes
// sockets and timeouts through one select() call on one thread. Go has no
// select() over arbitrary file descriptors, so each connection and each
// armed timer gets its own goroutine whose only job is to funnel its event
// back onto a single dispatch channel — the rest of the module still only
// ever observes one event at a time, in the order events actually
// occurred, which is the property the original's single-threaded loop was
// providing.
package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// Resolver resolves a member identity to its reachable TCP address, the
// role original_source's pki_client.hpp's queryAddrPKI plays for
// Network.connect.
type Resolver interface {
	ResolveAddr(id types.MemberID) (host string, port uint16, err error)
}

type peerConn struct {
	id   types.MemberID
	conn net.Conn
}

type timerState struct {
	timer     *time.Timer
	cancelled bool
}

// Transport is a length-prefixed TCP peer transport doubling as a timer
// source: it implements both api.Comm and api.Clock. Exactly one goroutine
// (the one running Run's dispatch loop) ever calls into the rest of the
// module; every other goroutine it owns only ever posts a closure onto the
// events channel.
type Transport struct {
	logger   api.Logger
	resolver Resolver
	listener net.Listener

	handleMessage func([]byte)

	events chan func()
	ctx    context.Context

	mu    sync.Mutex
	peers map[string]*peerConn

	timersMu    sync.Mutex
	timers      map[api.TimerID]*timerState
	nextTimerID uint64
}

// New binds listenAddr and returns a Transport ready to Run. resolver is
// consulted lazily, the first time a peer is sent to.
func New(logger api.Logger, resolver Resolver, listenAddr string) (*Transport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen")
	}
	return &Transport{
		logger:   logger,
		resolver: resolver,
		listener: ln,
		events:   make(chan func(), 256),
		ctx:      context.Background(),
		peers:    make(map[string]*peerConn),
		timers:   make(map[api.TimerID]*timerState),
	}, nil
}

// Addr returns the bound listening address, for publishing to the
// directory service.
func (t *Transport) Addr() net.Addr { return t.listener.Addr() }

// SetHandleMessage registers the single handler every framed inbound
// payload is delivered to, on the dispatch goroutine. Idempotent, mirroring
// network.hpp's setHandleMessage (first call wins).
func (t *Transport) SetHandleMessage(f func([]byte)) {
	if t.handleMessage == nil {
		t.handleMessage = f
	}
}

// Run drives the accept loop and the dispatch loop until ctx is cancelled
// or the listener fails. Connect, Send, Broadcast and AfterFunc must only
// be called after Run has started (directly from the handler Run invokes,
// or from the goroutine that calls Run before it blocks).
func (t *Transport) Run(ctx context.Context) error {
	t.ctx = ctx
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.acceptLoop(ctx) })
	g.Go(func() error { return t.dispatchLoop(ctx) })
	err := g.Wait()
	t.closeAll()
	return err
}

func (t *Transport) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.listener.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "transport: accept")
			}
		}
		go t.readLoop(ctx, conn)
	}
}

// readLoop is the Go analogue of network.hpp's readClient: it frames
// inbound bytes (a u32 big-endian length prefix followed by that many
// bytes) and hands each complete frame to the dispatch loop.
func (t *Transport) readLoop(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := wire.ReadFramed(conn)
		if err != nil {
			return
		}
		msg := payload
		select {
		case t.events <- func() { t.deliver(msg) }:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case fn := <-t.events:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Transport) deliver(payload []byte) {
	if t.handleMessage != nil {
		t.handleMessage(payload)
	}
}

// Connect lazily dials id's outbound connection, resolving its address via
// Resolver first. A no-op if already connected.
func (t *Transport) Connect(id types.MemberID) error {
	key := id.String()

	t.mu.Lock()
	_, already := t.peers[key]
	t.mu.Unlock()
	if already {
		return nil
	}

	host, port, err := t.resolver.ResolveAddr(id)
	if err != nil {
		return errors.Wrapf(err, "transport: resolve %s", key)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return errors.Wrapf(err, "transport: dial %s", key)
	}

	t.mu.Lock()
	if existing, already := t.peers[key]; already {
		t.mu.Unlock()
		conn.Close()
		_ = existing
		return nil
	}
	t.peers[key] = &peerConn{id: id, conn: conn}
	t.mu.Unlock()
	return nil
}

// Disconnect closes and forgets id's outbound connection, if any.
func (t *Transport) Disconnect(id types.MemberID) {
	key := id.String()

	t.mu.Lock()
	p, ok := t.peers[key]
	if ok {
		delete(t.peers, key)
	}
	t.mu.Unlock()

	if ok {
		p.conn.Close()
	}
}

// Send implements api.Comm: unicast, connecting lazily if needed.
func (t *Transport) Send(peer types.MemberID, payload []byte) {
	if err := t.Connect(peer); err != nil {
		t.logger.Warnf("transport: send to %s: %v", peer, err)
		return
	}
	t.writeTo(peer, payload)
}

// SendSample implements api.Comm: unicast to every peer named in sample.
func (t *Transport) SendSample(sample []types.MemberID, payload []byte) {
	for _, id := range sample {
		t.Send(id, payload)
	}
}

// Broadcast implements api.Comm: send to every peer this Transport is
// currently connected to, mirroring network.hpp's broadcast() iterating
// m_outboundClients. The caller is responsible for having Connect-ed every
// group member it wants reached (original_source's mls_client.cpp does
// this at startup and again for every member a commit adds).
func (t *Transport) Broadcast(payload []byte) {
	t.mu.Lock()
	targets := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		targets = append(targets, p)
	}
	t.mu.Unlock()

	for _, p := range targets {
		if err := wire.WriteFramed(p.conn, payload); err != nil {
			t.logger.Warnf("transport: broadcast to %s: %v", p.id, err)
			t.Disconnect(p.id)
		}
	}
}

func (t *Transport) writeTo(peer types.MemberID, payload []byte) {
	key := peer.String()
	t.mu.Lock()
	p, ok := t.peers[key]
	t.mu.Unlock()
	if !ok {
		return
	}
	if err := wire.WriteFramed(p.conn, payload); err != nil {
		t.logger.Warnf("transport: write to %s: %v", peer, err)
		t.Disconnect(peer)
	}
}

// AfterFunc implements api.Clock. The timer fires on its own goroutine but
// only ever posts fn onto the dispatch loop; fn itself always runs on the
// single dispatch goroutine, same as every other event.
func (t *Transport) AfterFunc(d time.Duration, fn func()) api.TimerID {
	t.timersMu.Lock()
	id := api.TimerID(t.nextTimerID)
	t.nextTimerID++
	state := &timerState{}
	t.timers[id] = state
	t.timersMu.Unlock()

	ctx := t.ctx
	state.timer = time.AfterFunc(d, func() {
		t.timersMu.Lock()
		cancelled := state.cancelled
		delete(t.timers, id)
		t.timersMu.Unlock()
		if cancelled {
			return
		}
		select {
		case t.events <- fn:
		case <-ctx.Done():
		}
	})
	return id
}

// Cancel implements api.Clock. Safe to call more than once or after the
// timer already fired.
func (t *Transport) Cancel(id api.TimerID) {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()

	state, ok := t.timers[id]
	if !ok {
		return
	}
	state.cancelled = true
	state.timer.Stop()
	delete(t.timers, id)
}

func (t *Transport) closeAll() {
	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}

	t.timersMu.Lock()
	timers := t.timers
	t.timers = make(map[api.TimerID]*timerState)
	t.timersMu.Unlock()
	for _, s := range timers {
		s.timer.Stop()
	}
}
