// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiveNetCode/distributed-mls/internal/logutil"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
)

// staticResolver resolves every id to a fixed, pre-registered address, the
// role the directory service plays in production.
type staticResolver struct {
	mu    sync.Mutex
	addrs map[string]string
}

func newStaticResolver() *staticResolver {
	return &staticResolver{addrs: make(map[string]string)}
}

func (r *staticResolver) register(id types.MemberID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[id.String()] = addr
}

func (r *staticResolver) ResolveAddr(id types.MemberID) (string, uint16, error) {
	r.mu.Lock()
	addr, ok := r.addrs[id.String()]
	r.mu.Unlock()
	if !ok {
		return "", 0, assert.AnError
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}

func newTestTransport(t *testing.T, resolver Resolver) *Transport {
	tr, err := New(logutil.New(t.Name(), true), resolver, "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)

	return tr
}

func TestSendDeliversAcrossTwoTransports(t *testing.T) {
	resolver := newStaticResolver()

	a := newTestTransport(t, resolver)
	b := newTestTransport(t, resolver)

	resolver.register(types.MemberID("b"), b.Addr().String())
	resolver.register(types.MemberID("a"), a.Addr().String())

	received := make(chan []byte, 1)
	b.SetHandleMessage(func(payload []byte) { received <- payload })

	require.NoError(t, a.Connect(types.MemberID("b")))
	a.Send(types.MemberID("b"), []byte("hello"))

	select {
	case payload := <-received:
		assert.Equal(t, []byte("hello"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBroadcastOnlyReachesConnectedPeers(t *testing.T) {
	resolver := newStaticResolver()

	a := newTestTransport(t, resolver)
	b := newTestTransport(t, resolver)
	c := newTestTransport(t, resolver)

	resolver.register(types.MemberID("b"), b.Addr().String())

	receivedB := make(chan []byte, 1)
	b.SetHandleMessage(func(payload []byte) { receivedB <- payload })
	receivedC := make(chan []byte, 1)
	c.SetHandleMessage(func(payload []byte) { receivedC <- payload })

	require.NoError(t, a.Connect(types.MemberID("b")))
	a.Broadcast([]byte("gossip"))

	select {
	case payload := <-receivedB:
		assert.Equal(t, []byte("gossip"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery to connected peer")
	}

	select {
	case <-receivedC:
		t.Fatal("broadcast reached a peer that was never Connect-ed")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectStopsFurtherDelivery(t *testing.T) {
	resolver := newStaticResolver()

	a := newTestTransport(t, resolver)
	b := newTestTransport(t, resolver)
	resolver.register(types.MemberID("b"), b.Addr().String())

	received := make(chan []byte, 2)
	b.SetHandleMessage(func(payload []byte) { received <- payload })

	require.NoError(t, a.Connect(types.MemberID("b")))
	a.Send(types.MemberID("b"), []byte("first"))
	<-received

	a.Disconnect(types.MemberID("b"))
	a.Broadcast([]byte("should not arrive"))

	select {
	case <-received:
		t.Fatal("message delivered after Disconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAfterFuncFiresAndCancelPreventsIt(t *testing.T) {
	resolver := newStaticResolver()
	tr := newTestTransport(t, resolver)

	fired := make(chan struct{}, 1)
	tr.AfterFunc(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	id := tr.AfterFunc(10*time.Millisecond, func() { fired <- struct{}{} })
	tr.Cancel(id)

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}
