// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package cac

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

// fakeState is a minimal api.GroupState: Sign always signs as selfIdx,
// Verify always accepts, Ref is the identity function on the encoded bytes.
type fakeState struct {
	n       int
	selfIdx types.LeafIndex
}

func (f *fakeState) Epoch() types.Epoch { return 0 }
func (f *fakeState) Index() types.LeafIndex { return f.selfIdx }
func (f *fakeState) MemberByIndex(types.LeafIndex) (types.MemberID, bool) { return nil, false }
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
func (f *fakeState) CommitProposalCount([]byte) int        { return 0 }
func (f *fakeState) ApplyCommit([]byte) error               { return nil }
func (f *fakeState) RotateSelfKey(ed25519.PrivateKey)       {}

var _ api.GroupState = (*fakeState)(nil)

type byteCodec struct{}

func (byteCodec) Marshal(m []byte) []byte             { return m }
func (byteCodec) Unmarshal(data []byte) ([]byte, error) { return data, nil }

func firstChoice(candidates [][]byte) []byte { return candidates[0] }

// deliveredMessage captures one call to DeliverFunc, for tests that drive
// CAC Broadcast all the way to delivery.
type deliveredMessage struct {
	body        []byte
	conflictSet []types.MessageRef
	sigs        []types.CACSignature
}

func newTestInstance(t *testing.T, n int) (*Instance[[]byte], *[]wire.CACMessage) {
	inst, sent, _ := newTestInstanceWithDelivery(t, n)
	return inst, sent
}

func newTestInstanceWithDelivery(t *testing.T, n int) (*Instance[[]byte], *[]wire.CACMessage, *[]deliveredMessage) {
	var sent []wire.CACMessage
	var delivered []deliveredMessage
	inst := NewInstance[[]byte](0, &fakeState{n: n, selfIdx: 0}, byteCodec{}, firstChoice,
		func([]byte) {},
		func(m []byte, conflictSet []types.MessageRef, sigs []types.CACSignature) {
			delivered = append(delivered, deliveredMessage{body: m, conflictSet: conflictSet, sigs: sigs})
		},
		func(m wire.CACMessage) { sent = append(sent, m) },
		logutil.New(t.Name(), true),
	)
	inst.NewEpoch()
	return inst, &sent, &delivered
}

// witnessSig builds a well-formed WITNESS AuthContent from sender for ref
// at the given sequence number.
func witnessSig(sender types.LeafIndex, seq uint32, ref types.MessageRef) types.AuthContent {
	state := &fakeState{selfIdx: sender}
	return state.Sign(wire.MarshalCACSignatureData(types.CACSignatureData{Sequence: seq, Role: types.RoleWitness, MessageRef: ref}))
}

func TestBroadcastEmitsSelfWitnessSignatureOnce(t *testing.T) {
	inst, sent := newTestInstance(t, 4)

	inst.Broadcast([]byte("commit-1"))

	require.True(t, inst.HasStarted())
	require.Len(t, *sent, 1)
	msg := (*sent)[0]
	assert.Equal(t, types.RoleWitness, msg.Role)
	assert.True(t, msg.HasMessage)
	assert.Equal(t, []byte("commit-1"), msg.MessageBody)
	assert.Len(t, msg.Sigs, 1)

	// A second Broadcast after a signature has already been emitted this
	// epoch must not emit another one.
	inst.Broadcast([]byte("commit-2"))
	assert.Len(t, *sent, 1)
}

func TestNewEpochResetsStartedFlagAndSignatureHistory(t *testing.T) {
	inst, _ := newTestInstance(t, 4)

	inst.Broadcast([]byte("commit-1"))
	require.True(t, inst.HasStarted())
	require.NotEmpty(t, inst.Signatures())

	inst.NewEpoch()

	assert.False(t, inst.HasStarted())
	assert.Empty(t, inst.Signatures())
}

func TestVerifyCACSignatureRejectsWrongEpoch(t *testing.T) {
	state := &fakeState{n: 4, selfIdx: 0}
	content := types.AuthContent{
		Sender:     1,
		SenderType: types.SenderTypeMember,
		Epoch:      state.Epoch() + 1,
		Payload:    wire.MarshalCACSignatureData(types.CACSignatureData{Sequence: 0, Role: types.RoleWitness, MessageRef: types.MessageRef("ref")}),
	}

	_, ok := VerifyCACSignature(state, content)
	assert.False(t, ok, "a signature stamped with a different epoch must be rejected")
}

func TestVerifyCACSignatureAcceptsWellFormedSignature(t *testing.T) {
	state := &fakeState{n: 4, selfIdx: 0}
	content := types.AuthContent{
		Sender:     2,
		SenderType: types.SenderTypeMember,
		Epoch:      state.Epoch(),
		Payload:    wire.MarshalCACSignatureData(types.CACSignatureData{Sequence: 0, Role: types.RoleReady, MessageRef: types.MessageRef("ref")}),
	}

	sig, ok := VerifyCACSignature(state, content)
	require.True(t, ok)
	assert.Equal(t, types.LeafIndex(2), sig.SenderIdx)
	assert.True(t, sig.IsReady())
}

func TestMessageLooksUpKnownPayloadByRef(t *testing.T) {
	inst, _ := newTestInstance(t, 4)
	inst.Broadcast([]byte("commit-1"))

	ref := inst.state.Ref([]byte("commit-1"))
	m, ok := inst.Message(ref)
	require.True(t, ok)
	assert.Equal(t, []byte("commit-1"), m)

	_, ok = inst.Message(types.MessageRef("unknown"))
	assert.False(t, ok)
}

// TestWitnessQuorumTriggersFastPathDelivery drives every member's WITNESS
// signature for the same, uncontested message and checks the n>5t fast
// path (spec §4.2 progress rule 3) fires exactly once as the last one
// lands.
func TestWitnessQuorumTriggersFastPathDelivery(t *testing.T) {
	inst, _, delivered := newTestInstanceWithDelivery(t, 4)

	inst.Broadcast([]byte("commit-1"))
	require.Empty(t, *delivered, "a single self-witness must not reach quorum")

	ref := inst.state.Ref([]byte("commit-1"))
	for _, sender := range []types.LeafIndex{1, 2, 3} {
		sig := witnessSig(sender, 0, ref)
		inst.ReceiveMessage(wire.CACMessage{Role: types.RoleWitness, Sigs: []types.AuthContent{sig}})
	}

	require.Len(t, *delivered, 1, "all four members witnessing must trigger fast-path delivery exactly once")
	assert.Equal(t, []byte("commit-1"), (*delivered)[0].body)

	// A stray replay of the same quorum-completing signature must not
	// re-trigger delivery.
	inst.ReceiveMessage(wire.CACMessage{Role: types.RoleWitness, Sigs: []types.AuthContent{witnessSig(3, 0, ref)}})
	assert.Len(t, *delivered, 1, "delivery must not fire twice for the same ref")
}

// TestOutOfOrderSignaturesInASingleMessageAreAllProcessed covers spec §8's
// out-of-order-signatures scenario: a peer's re-broadcast batch can carry
// one sender's signatures in any order (real map iteration over
// validSignatures is unordered), and every one of them must still end up
// accepted once the gap-filling earlier sequence numbers are in the same
// batch.
func TestOutOfOrderSignaturesInASingleMessageAreAllProcessed(t *testing.T) {
	inst, _ := newTestInstance(t, 4)

	refA := types.MessageRef("ref-a")
	refB := types.MessageRef("ref-b")
	refC := types.MessageRef("ref-c")

	// Delivered out of sequence order: 2, 0, 1.
	sigs := []types.AuthContent{
		witnessSig(1, 2, refC),
		witnessSig(1, 0, refA),
		witnessSig(1, 1, refB),
	}
	inst.ReceiveMessage(wire.CACMessage{Role: types.RoleWitness, Sigs: sigs})

	accepted := inst.Signatures()
	require.Len(t, accepted, 3, "every signature in the batch must eventually be accepted despite arriving out of order")

	seen := make(map[string]uint32)
	for _, authContent := range accepted {
		data, err := wire.UnmarshalCACSignatureData(authContent.Payload)
		require.NoError(t, err)
		seen[data.MessageRef.String()] = data.Sequence
	}
	assert.Equal(t, uint32(0), seen[refA.String()])
	assert.Equal(t, uint32(1), seen[refB.String()])
	assert.Equal(t, uint32(2), seen[refC.String()])
}
