// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package groupstate implements the default pkg/api.GroupState: an
// in-memory member roster authenticated with ed25519 and a blake2b-256
// labelled hash standing in for the cipher-suite's content reference. The
// real CGKA/MLS tree (key schedule, HPKE-encrypted path secrets, welcome
// construction) is out of scope per spec.md §1; this package only needs to
// produce and check the (sender, epoch, payload) signatures and membership
// deltas the consensus stack reasons about.
package groupstate

import (
	"crypto/ed25519"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// refLabel domain-separates the labelled hash from any other blake2b use in
// the process, mirroring original_source's per-purpose MLS_UTIL_HASH
// macros.
var refLabel = []byte("distributed-mls ref v1")

// member is one roster entry: identity plus the verification key it signs
// with in the current epoch.
type member struct {
	id        types.MemberID
	publicKey ed25519.PublicKey
}

// State is the default GroupState. It is driven exclusively from the
// single-threaded cascade event loop; the mutex only guards against the
// directory/transport goroutines that read Members/Index concurrently for
// wire addressing.
type State struct {
	mu sync.RWMutex

	epoch types.Epoch

	// roster is indexed by LeafIndex; a removed member leaves a nil hole so
	// indexes already referenced by in-flight signatures stay stable within
	// the epoch they were produced in.
	roster []*member

	selfIndex   types.LeafIndex
	selfPrivate ed25519.PrivateKey

	// pendingProposals caches every proposal this member has validated,
	// keyed by its MessageRef, so a later commit can resolve its
	// ProposalRefs without re-transmitting proposal bodies. Mirrors
	// original_source's ExtendedMLSState::_pending_proposals.
	pendingProposals map[string]wire.ProposalContent
}

// New constructs a GroupState seeded with an initial roster at epoch 0.
// self must be one of members; selfPrivate is the ed25519 key matching
// self's published public key.
func New(members []types.MemberID, publicKeys []ed25519.PublicKey, self types.MemberID, selfPrivate ed25519.PrivateKey) (*State, error) {
	return NewAtEpoch(members, publicKeys, self, selfPrivate, 0)
}

// NewAtEpoch is New, but for a member joining an already-running group via
// a Welcome: the roster it is seeded with is the post-commit membership,
// so it must start at that commit's resulting epoch rather than 0.
func NewAtEpoch(members []types.MemberID, publicKeys []ed25519.PublicKey, self types.MemberID, selfPrivate ed25519.PrivateKey, epoch types.Epoch) (*State, error) {
	if len(members) != len(publicKeys) {
		return nil, errors.New("groupstate: members and publicKeys length mismatch")
	}

	s := &State{
		epoch:            epoch,
		roster:           make([]*member, len(members)),
		pendingProposals: make(map[string]wire.ProposalContent),
	}

	selfFound := false
	for i, id := range members {
		s.roster[i] = &member{id: id, publicKey: publicKeys[i]}
		if id.Equal(self) {
			s.selfIndex = types.LeafIndex(i)
			selfFound = true
		}
	}
	if !selfFound {
		return nil, errors.New("groupstate: self not present in initial roster")
	}
	s.selfPrivate = selfPrivate

	return s, nil
}

func (s *State) Epoch() types.Epoch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *State) Index() types.LeafIndex {
	return s.selfIndex
}

func (s *State) Members(excludeSelf bool) []types.MemberID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]types.MemberID, 0, len(s.roster))
	for idx, m := range s.roster {
		if m == nil {
			continue
		}
		if excludeSelf && types.LeafIndex(idx) == s.selfIndex {
			continue
		}
		ids = append(ids, m.id)
	}
	return ids
}

func (s *State) MemberByIndex(idx types.LeafIndex) (types.MemberID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(idx) >= len(s.roster) || s.roster[idx] == nil {
		return nil, false
	}
	return s.roster[idx].id, true
}

func (s *State) Indexes() []types.LeafIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := make([]types.LeafIndex, 0, len(s.roster))
	for idx, m := range s.roster {
		if m != nil {
			idxs = append(idxs, types.LeafIndex(idx))
		}
	}
	return idxs
}

// signingBytes binds sender, epoch and payload together before signing, so
// a signature cannot be replayed under a different sender or epoch.
func signingBytes(sender types.LeafIndex, epoch types.Epoch, payload []byte) []byte {
	w := wire.NewWriter()
	w.WriteU32(uint32(sender))
	w.WriteU64(uint64(epoch))
	w.WriteBytes(payload)
	return w.Bytes()
}

func (s *State) Sign(payload []byte) types.AuthContent {
	s.mu.RLock()
	epoch := s.epoch
	self := s.selfIndex
	priv := s.selfPrivate
	s.mu.RUnlock()

	sig := ed25519.Sign(priv, signingBytes(self, epoch, payload))
	return types.AuthContent{
		Sender:     self,
		SenderType: types.SenderTypeMember,
		Epoch:      epoch,
		Payload:    payload,
		Signature:  sig,
	}
}

func (s *State) Verify(content types.AuthContent) bool {
	if content.SenderType != types.SenderTypeMember {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(content.Sender) >= len(s.roster) || s.roster[content.Sender] == nil {
		return false
	}
	pub := s.roster[content.Sender].publicKey
	return ed25519.Verify(pub, signingBytes(content.Sender, content.Epoch, content.Payload), content.Signature)
}

// Ref is the labelled hash of msg: blake2b-256 over a domain-separation
// label and msg, truncated to nothing (the full 32 bytes is kept, unlike
// original_source's 4-byte MLS_UTIL_HASH truncation — collisions across a
// live group are not an acceptable risk here).
func (s *State) Ref(msg []byte) types.MessageRef {
	h, err := blake2b.New256(refLabel)
	if err != nil {
		panic(err)
	}
	h.Write(msg)
	return types.MessageRef(h.Sum(nil))
}

// decodeAuthContent unmarshals msg as a wire-encoded AuthContent and checks
// it carries a member signature for the current epoch, verified against the
// roster.
func (s *State) decodeAuthContent(msg []byte) (types.AuthContent, bool) {
	content, err := wire.UnmarshalAuthContent(msg)
	if err != nil {
		return types.AuthContent{}, false
	}
	if content.Epoch != s.Epoch() {
		return types.AuthContent{}, false
	}
	if !s.Verify(content) {
		return types.AuthContent{}, false
	}
	return content, true
}

func (s *State) ValidateProposal(msg []byte) (types.MessageRef, bool) {
	content, ok := s.decodeAuthContent(msg)
	if !ok {
		return nil, false
	}

	proposal, err := wire.UnmarshalProposalContent(content.Payload)
	if err != nil {
		return nil, false
	}

	ref := s.Ref(msg)

	s.mu.Lock()
	s.pendingProposals[ref.String()] = proposal
	s.mu.Unlock()

	return ref, true
}

func (s *State) ValidateCommit(msg []byte) ([]types.MessageRef, bool) {
	content, ok := s.decodeAuthContent(msg)
	if !ok {
		return nil, false
	}

	commit, err := wire.UnmarshalCommitContent(content.Payload)
	if err != nil {
		return nil, false
	}

	refs := make([]types.MessageRef, len(commit.ProposalRefs))
	for i, r := range commit.ProposalRefs {
		refs[i] = types.MessageRef(r)
	}
	return refs, true
}

func (s *State) ValidateApplication(msg []byte) bool {
	_, ok := s.decodeAuthContent(msg)
	return ok
}

// resolveCommitProposals decodes msg's CommitContent and looks up every
// referenced proposal in the pending cache. Callers (internal/delivery) must
// only invoke CommitMembershipDelta/ApplyCommit once every referenced
// proposal has in fact been seen (spec §5's "incomplete_commits" gate).
func (s *State) resolveCommitProposals(content types.AuthContent) ([]wire.ProposalContent, error) {
	commit, err := wire.UnmarshalCommitContent(content.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "groupstate: decode commit content")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	proposals := make([]wire.ProposalContent, 0, len(commit.ProposalRefs))
	for _, r := range commit.ProposalRefs {
		p, ok := s.pendingProposals[types.MessageRef(r).String()]
		if !ok {
			return nil, errors.Errorf("groupstate: commit references unresolved proposal %x", r)
		}
		proposals = append(proposals, p)
	}
	return proposals, nil
}

func (s *State) CommitMembershipDelta(msg []byte) (added, removed []types.MemberID) {
	content, err := wire.UnmarshalAuthContent(msg)
	if err != nil {
		return nil, nil
	}
	proposals, err := s.resolveCommitProposals(content)
	if err != nil {
		return nil, nil
	}

	for _, p := range proposals {
		switch p.Type {
		case wire.ProposalAdd:
			added = append(added, types.MemberID(p.Member))
		case wire.ProposalRemove:
			removed = append(removed, types.MemberID(p.Member))
		}
	}
	return added, removed
}

func (s *State) CommitUpdates(msg []byte) []types.MemberID {
	content, err := wire.UnmarshalAuthContent(msg)
	if err != nil {
		return nil
	}
	proposals, err := s.resolveCommitProposals(content)
	if err != nil {
		return nil
	}

	var updated []types.MemberID
	for _, p := range proposals {
		if p.Type == wire.ProposalUpdate {
			updated = append(updated, types.MemberID(p.Member))
		}
	}
	return updated
}

func (s *State) CommitSender(msg []byte) types.LeafIndex {
	content, err := wire.UnmarshalAuthContent(msg)
	if err != nil {
		return 0
	}
	return content.Sender
}

func (s *State) CommitProposalCount(msg []byte) int {
	content, err := wire.UnmarshalAuthContent(msg)
	if err != nil {
		return 0
	}
	commit, err := wire.UnmarshalCommitContent(content.Payload)
	if err != nil {
		return 0
	}
	return len(commit.ProposalRefs)
}

// ApplyCommit applies msg's membership delta to the roster and advances the
// epoch. Adds are appended at the first nil hole (or at the end); removes
// leave a nil hole rather than compacting, so LeafIndex stays stable for
// everyone else for the epoch just ending.
func (s *State) ApplyCommit(msg []byte) error {
	content, err := wire.UnmarshalAuthContent(msg)
	if err != nil {
		return errors.Wrap(err, "groupstate: decode commit")
	}
	proposals, err := s.resolveCommitProposals(content)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range proposals {
		switch p.Type {
		case wire.ProposalAdd:
			m := &member{id: types.MemberID(p.Member), publicKey: ed25519.PublicKey(p.PublicKey)}
			placed := false
			for i, slot := range s.roster {
				if slot == nil {
					s.roster[i] = m
					placed = true
					break
				}
			}
			if !placed {
				s.roster = append(s.roster, m)
			}
		case wire.ProposalRemove:
			for i, slot := range s.roster {
				if slot != nil && slot.id.Equal(types.MemberID(p.Member)) {
					s.roster[i] = nil
				}
			}
		case wire.ProposalUpdate:
			for i, slot := range s.roster {
				if slot != nil && slot.id.Equal(types.MemberID(p.Member)) {
					s.roster[i].publicKey = ed25519.PublicKey(p.PublicKey)
				}
			}
		}
	}

	s.epoch++
	s.pendingProposals = make(map[string]wire.ProposalContent)

	return nil
}

func (s *State) RotateSelfKey(priv ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfPrivate = priv
}

var _ api.GroupState = (*State)(nil)
