// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package gossip

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiveNetCode/distributed-mls/internal/logutil"
	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// fakeState is the minimal api.GroupState gossip actually touches: Members
// and Ref. Ref is the identity function on the payload, which is enough for
// a test's distinct-payload-per-message assumption.
type fakeState struct {
	members []types.MemberID
	self    types.MemberID
}

func (f *fakeState) Epoch() types.Epoch                                  { return 0 }
func (f *fakeState) Index() types.LeafIndex                              { return 0 }
func (f *fakeState) MemberByIndex(types.LeafIndex) (types.MemberID, bool) { return nil, false }
func (f *fakeState) Indexes() []types.LeafIndex                          { return nil }
func (f *fakeState) Sign(payload []byte) types.AuthContent               { return types.AuthContent{Payload: payload} }
func (f *fakeState) Verify(types.AuthContent) bool                       { return true }
func (f *fakeState) Ref(msg []byte) types.MessageRef                     { return types.MessageRef(msg) }
func (f *fakeState) ValidateProposal([]byte) (types.MessageRef, bool)    { return nil, false }
func (f *fakeState) ValidateCommit([]byte) ([]types.MessageRef, bool)    { return nil, false }
func (f *fakeState) ValidateApplication([]byte) bool                     { return false }
func (f *fakeState) CommitMembershipDelta([]byte) ([]types.MemberID, []types.MemberID) {
	return nil, nil
}
func (f *fakeState) CommitUpdates([]byte) []types.MemberID  { return nil }
func (f *fakeState) CommitSender([]byte) types.LeafIndex    { return 0 }
func (f *fakeState) CommitProposalCount([]byte) int         { return 0 }
func (f *fakeState) ApplyCommit([]byte) error                { return nil }
func (f *fakeState) RotateSelfKey(ed25519.PrivateKey)        {}

func (f *fakeState) Members(excludeSelf bool) []types.MemberID {
	if !excludeSelf {
		return f.members
	}
	out := make([]types.MemberID, 0, len(f.members))
	for _, id := range f.members {
		if !id.Equal(f.self) {
			out = append(out, id)
		}
	}
	return out
}

var _ api.GroupState = (*fakeState)(nil)

// fakeComm records every Send/SendSample/Broadcast call instead of actually
// delivering anything.
type fakeComm struct {
	sent      []sentMsg
	broadcast [][]byte
}

type sentMsg struct {
	to      types.MemberID
	payload []byte
}

func (c *fakeComm) Send(peer types.MemberID, payload []byte) {
	c.sent = append(c.sent, sentMsg{to: peer, payload: payload})
}

func (c *fakeComm) SendSample(sample []types.MemberID, payload []byte) {
	for _, id := range sample {
		c.Send(id, payload)
	}
}

func (c *fakeComm) Broadcast(payload []byte) {
	c.broadcast = append(c.broadcast, payload)
}

var _ api.Comm = (*fakeComm)(nil)

func membersOf(n int) []types.MemberID {
	ids := make([]types.MemberID, n)
	for i := range ids {
		ids[i] = types.MemberID{byte('a' + i)}
	}
	return ids
}

func newTestBcast(t *testing.T, n int) (*Bcast, *fakeComm, *fakeState) {
	members := membersOf(n)
	state := &fakeState{members: members, self: members[0]}
	comm := &fakeComm{}
	var delivered [][]byte
	b := New(comm, logutil.New(t.Name(), true), state, members[0], func(payload []byte) {
		delivered = append(delivered, payload)
	})
	_ = delivered
	return b, comm, state
}

func TestInitSeedsSampleUpToMinimumSize(t *testing.T) {
	b, comm, _ := newTestBcast(t, 10)
	b.Init()

	assert.Equal(t, MinimumSampleSize, b.SampleSize())
	assert.Len(t, comm.sent, MinimumSampleSize, "Init should subscribe to every sampled peer")
}

func TestDispatchDeliversLocallyAndForwardsToSample(t *testing.T) {
	b, comm, _ := newTestBcast(t, 10)
	b.Init()
	comm.sent = nil

	var delivered [][]byte
	b.deliver = func(payload []byte) { delivered = append(delivered, payload) }

	b.Dispatch([]byte("hello"))

	require.Len(t, delivered, 1)
	assert.Equal(t, []byte("hello"), delivered[0])
	assert.Equal(t, MinimumSampleSize, len(comm.sent), "dispatch should forward to every sampled peer")
}

func TestReceiveMessageDeduplicatesGossip(t *testing.T) {
	b, comm, _ := newTestBcast(t, 10)
	b.Init()

	var delivered [][]byte
	b.deliver = func(payload []byte) { delivered = append(delivered, payload) }

	msg := wire.GossipMessage{Subtype: wire.GossipGossip, Payload: []byte("dup-me")}
	b.ReceiveMessage(msg)
	sentAfterFirst := len(comm.sent)
	b.ReceiveMessage(msg)

	assert.Len(t, delivered, 1, "a re-delivered GOSSIP must not be delivered twice")
	assert.Equal(t, sentAfterFirst, len(comm.sent), "a duplicate GOSSIP must not be re-forwarded")
}

func TestNewEpochPurgesCacheSoAReplayedMessageIsAcceptedAgain(t *testing.T) {
	b, comm, _ := newTestBcast(t, 10)
	b.Init()

	var delivered [][]byte
	b.deliver = func(payload []byte) { delivered = append(delivered, payload) }

	msg := wire.GossipMessage{Subtype: wire.GossipGossip, Payload: []byte("seen-once")}
	b.ReceiveMessage(msg)
	require.Len(t, delivered, 1)

	b.NewEpoch(nil)
	_ = comm

	b.ReceiveMessage(msg)
	assert.Len(t, delivered, 2, "NewEpoch must purge the cache, since a new epoch's proposals are a fresh namespace")
}

func TestSubscribeAddsSenderAndReplaysCache(t *testing.T) {
	b, comm, state := newTestBcast(t, 2)
	b.Init()
	comm.sent = nil

	b.Dispatch([]byte("already-cached"))
	comm.sent = nil

	newMember := types.MemberID{'z'}
	b.ReceiveMessage(wire.GossipMessage{Subtype: wire.GossipSubscribe, SubscriberID: []byte(newMember)})

	assert.Contains(t, b.sample, newMember.String())

	var replayed int
	for _, s := range comm.sent {
		if s.to.Equal(newMember) {
			replayed++
		}
	}
	assert.Equal(t, 1, replayed, "subscribing must replay every cached message to the new subscriber")
	_ = state
}

func TestSampleTargetFloorsAtMinimum(t *testing.T) {
	assert.Equal(t, MinimumSampleSize, sampleTarget(2))
	assert.GreaterOrEqual(t, sampleTarget(1_000_000), MinimumSampleSize)
}
