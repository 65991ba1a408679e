// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package pbft

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiveNetCode/distributed-mls/internal/logutil"
	"github.com/HiveNetCode/distributed-mls/internal/testutil"
	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// fakeState is a minimal api.GroupState covering an n-member group, in the
// style of internal/rc and internal/cac's test doubles.
type fakeState struct {
	n       int
	selfIdx types.LeafIndex
}

func (f *fakeState) Epoch() types.Epoch     { return 0 }
func (f *fakeState) Index() types.LeafIndex { return f.selfIdx }
func (f *fakeState) MemberByIndex(idx types.LeafIndex) (types.MemberID, bool) {
	return types.MemberID([]byte{byte('A' + idx)}), true
}
func (f *fakeState) Indexes() []types.LeafIndex {
	idx := make([]types.LeafIndex, f.n)
	for i := range idx {
		idx[i] = types.LeafIndex(i)
	}
	return idx
}
func (f *fakeState) Members(bool) []types.MemberID { return nil }
func (f *fakeState) Sign(payload []byte) types.AuthContent {
	return types.AuthContent{Sender: f.selfIdx, SenderType: types.SenderTypeMember, Epoch: 0, Payload: payload}
}
func (f *fakeState) Verify(types.AuthContent) bool                    { return true }
func (f *fakeState) Ref(msg []byte) types.MessageRef                  { return types.MessageRef(msg) }
func (f *fakeState) ValidateProposal([]byte) (types.MessageRef, bool) { return nil, false }
func (f *fakeState) ValidateCommit([]byte) ([]types.MessageRef, bool) { return nil, false }
func (f *fakeState) ValidateApplication([]byte) bool                  { return false }
func (f *fakeState) CommitMembershipDelta([]byte) ([]types.MemberID, []types.MemberID) {
	return nil, nil
}
func (f *fakeState) CommitUpdates([]byte) []types.MemberID { return nil }
func (f *fakeState) CommitSender([]byte) types.LeafIndex   { return 0 }
func (f *fakeState) CommitProposalCount([]byte) int         { return 0 }
func (f *fakeState) ApplyCommit([]byte) error                { return nil }
func (f *fakeState) RotateSelfKey(ed25519.PrivateKey)        {}

var _ api.GroupState = (*fakeState)(nil)

type byteCodec struct{}

func (byteCodec) Marshal(m []byte) []byte               { return m }
func (byteCodec) Unmarshal(data []byte) ([]byte, error) { return data, nil }

const pbftRTT = 10 * time.Millisecond

// replica bundles one simulated member's Instance onto a shared, synchronous
// message bus: broadcast/send append to the bus's queue rather than firing
// immediately, so a test drains it in a controlled order.
type replica struct {
	idx      types.LeafIndex
	inst     *Instance[[]byte]
	clock    *testutil.FakeClock
	decided  [][]byte
}

type bus struct {
	replicas map[types.LeafIndex]*replica
	queue    []func()
}

func newBus(n int) (*bus, []*replica) {
	b := &bus{replicas: make(map[types.LeafIndex]*replica)}
	list := make([]*replica, n)
	for idx := 0; idx < n; idx++ {
		leafIdx := types.LeafIndex(idx)
		state := &fakeState{n: n, selfIdx: leafIdx}
		clock := testutil.NewFakeClock()
		r := &replica{idx: leafIdx, clock: clock}
		r.inst = New[[]byte](state, clock, logutil.New("pbft-test", true), byteCodec{},
			func(msg wire.PBFTMessage) { b.enqueueBroadcast(leafIdx, msg) },
			func(msg wire.PBFTMessage, to types.MemberID) { b.enqueueSend(leafIdx, msg, to) },
			func(m []byte) { r.decided = append(r.decided, m) },
			pbftRTT,
		)
		r.inst.NewEpoch()
		b.replicas[leafIdx] = r
		list[idx] = r
	}
	return b, list
}

func (b *bus) enqueueBroadcast(from types.LeafIndex, msg wire.PBFTMessage) {
	for idx, r := range b.replicas {
		if idx == from {
			continue
		}
		r := r
		b.queue = append(b.queue, func() { r.inst.ReceiveMessage(msg) })
	}
}

func (b *bus) enqueueSend(from types.LeafIndex, msg wire.PBFTMessage, to types.MemberID) {
	for idx, r := range b.replicas {
		if types.MemberID([]byte{byte('A' + idx)}).String() != to.String() {
			continue
		}
		r := r
		b.queue = append(b.queue, func() { r.inst.ReceiveMessage(msg) })
	}
}

// drain runs every queued delivery to completion, including deliveries
// enqueued by handlers run during the drain itself (a PRE-PREPARE handler's
// PREPARE broadcast, for instance).
func (b *bus) drain() {
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		next()
	}
}

// These scenarios run n=7 replicas (f=2, 2f+1=5). A broadcast excludes its
// own sender (mirroring transport.Broadcast's real peer-loop semantics), so
// each replica counts its own PREPARE and COMMIT locally alongside the votes
// it hears from the others.
const convergenceN = 7

func TestHappyPathQuorumDecidesSameValueAtEveryReplica(t *testing.T) {
	b, replicas := newBus(convergenceN)

	value := []byte("commit-body")
	proposer := replicas[1]
	proposer.inst.Propose(value)
	b.drain()

	for _, r := range replicas {
		require.True(t, r.inst.Delivered(), "replica %d never decided", r.idx)
		require.Len(t, r.decided, 1, "replica %d", r.idx)
		assert.Equal(t, value, r.decided[0])
	}
}

func TestLeaderProposalSkipsNetworkAndPrePreparesDirectly(t *testing.T) {
	b, replicas := newBus(convergenceN)

	value := []byte("commit-body")
	leader := replicas[0]
	leader.inst.Propose(value)

	require.Len(t, b.queue, convergenceN-1, "the leader must broadcast PRE-PREPARE directly without a PROPOSE round trip")

	b.drain()
	for _, r := range replicas {
		require.True(t, r.inst.Delivered(), "replica %d never decided", r.idx)
	}
}

func TestReproposingAfterProposeIsANoOp(t *testing.T) {
	_, replicas := newBus(convergenceN)
	leader := replicas[0]

	leader.inst.Propose([]byte("first"))
	leader.inst.Propose([]byte("second"))

	assert.Equal(t, []byte("first"), *leader.inst.proposedMessage)
}

func TestCommitDeliversExactlyOnceDespiteExtraVotes(t *testing.T) {
	b, replicas := newBus(convergenceN)

	value := []byte("commit-body")
	replicas[1].inst.Propose(value)
	b.drain()

	for _, r := range replicas {
		require.Len(t, r.decided, 1)
	}

	// A stray extra COMMIT for the already-decided value, replayed at every
	// replica, must not deliver a second time.
	ref := replicas[0].inst.state.Ref(value)
	content := wire.ConsensusMessageContent{View: 0, ConsensusMessage: ref}
	for _, r := range replicas {
		signed := r.inst.state.Sign(wire.MarshalConsensusMessageContent(content))
		msg := wire.PBFTMessage{Subtype: wire.PBFTCommit, Signed: signed}
		for _, target := range replicas {
			target.inst.ReceiveMessage(msg)
		}
	}

	for _, r := range replicas {
		assert.Len(t, r.decided, 1, "replica %d delivered more than once", r.idx)
	}
}

func TestViewChangeQuorumAdvancesViewAndRotatesLeader(t *testing.T) {
	_, replicas := newBus(4)
	target := replicas[3]

	require.Equal(t, uint32(0), target.inst.CurrentView())
	initialLeader := target.inst.currentLeaderIdx

	content := wire.ViewChangeMessageContent{View: 1}
	for _, sender := range []types.LeafIndex{0, 1, 2} {
		signed := types.AuthContent{
			Sender:     sender,
			SenderType: types.SenderTypeMember,
			Epoch:      0,
			Payload:    wire.MarshalViewChangeMessageContent(content),
		}
		target.inst.ReceiveMessage(wire.PBFTMessage{Subtype: wire.PBFTViewChange, ViewChangeSigned: signed})
	}

	assert.Equal(t, uint32(1), target.inst.CurrentView())
	assert.NotEqual(t, initialLeader, target.inst.currentLeaderIdx, "view change must rotate the leader")
}

func TestFuturePrePrepareIsBufferedAndReplayedOnViewChange(t *testing.T) {
	_, replicas := newBus(4)
	target := replicas[3]

	value := []byte("commit-body")
	ref := target.inst.state.Ref(value)
	content := wire.ConsensusMessageContent{View: 1, ConsensusMessage: ref}
	leaderForView1 := replicas[1] // (1+0)%4 == 1
	signed := leaderForView1.inst.state.Sign(wire.MarshalConsensusMessageContent(content))

	target.inst.ReceiveMessage(wire.PBFTMessage{
		Subtype:                   wire.PBFTPrePrepare,
		PrePrepareSigned:          signed,
		PrePrepareProposedContent: value,
	})
	assert.False(t, target.inst.hasSentPrepare, "a view-1 PRE-PREPARE must not be processed while still in view 0")

	vcContent := wire.ViewChangeMessageContent{View: 1}
	for _, sender := range []types.LeafIndex{0, 1, 2} {
		vcSigned := types.AuthContent{Sender: sender, SenderType: types.SenderTypeMember, Epoch: 0, Payload: wire.MarshalViewChangeMessageContent(vcContent)}
		target.inst.ReceiveMessage(wire.PBFTMessage{Subtype: wire.PBFTViewChange, ViewChangeSigned: vcSigned})
	}

	require.Equal(t, uint32(1), target.inst.CurrentView())
	assert.True(t, target.inst.hasSentPrepare, "the buffered PRE-PREPARE must replay once view 1 is entered")
}
