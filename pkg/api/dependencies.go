// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package api collects the external interfaces the consensus/broadcast
// stack is built against: the opaque Group State, the peer transport, the
// logger, and a monotonic timer source. Every consensus machine in
// internal/ is constructed with these as injected dependencies so it can be
// driven deterministically in tests.
package api

import (
	"crypto/ed25519"
	"time"

	"github.com/HiveNetCode/distributed-mls/pkg/types"
)

// GroupState is the opaque interface to the CGKA/MLS group: epoch,
// membership, signing and verification, and the domain validation of
// proposals/commits/application messages. Consensus machines never touch
// the underlying cryptographic tree directly; they only ever call these
// operations. See SPEC_FULL.md's "Supplemented features" note: this
// interface names operations 1:1 with original_source's
// ExtendedMLSState.
type GroupState interface {
	// Epoch returns the monotonic epoch of the current group state.
	Epoch() types.Epoch

	// Index returns the caller's own leaf index in the current epoch.
	Index() types.LeafIndex

	// Members returns the identifiers of all members, optionally excluding
	// self.
	Members(excludeSelf bool) []types.MemberID

	// MemberByIndex resolves a leaf index to a member identifier within the
	// current epoch.
	MemberByIndex(idx types.LeafIndex) (types.MemberID, bool)

	// Indexes returns every member's leaf index in the current epoch.
	Indexes() []types.LeafIndex

	// Sign produces an AuthContent wrapping payload, signed as self in the
	// current epoch.
	Sign(payload []byte) types.AuthContent

	// Verify reports whether an AuthContent's signature is valid for its
	// claimed sender in the current epoch.
	Verify(content types.AuthContent) bool

	// Ref returns the content-addressed reference of an arbitrary encoded
	// message (the cipher-suite's labelled hash).
	Ref(msg []byte) types.MessageRef

	// ValidateProposal reports whether msg is a well-formed proposal for the
	// current epoch and returns its reference if so.
	ValidateProposal(msg []byte) (types.MessageRef, bool)

	// ValidateCommit reports whether msg is a well-formed commit for the
	// current epoch and, if so, the set of proposal references it
	// references.
	ValidateCommit(msg []byte) ([]types.MessageRef, bool)

	// ValidateApplication reports whether msg is a well-formed application
	// message for the current epoch.
	ValidateApplication(msg []byte) bool

	// CommitMembershipDelta returns the members added and removed by a
	// (previously validated) commit.
	CommitMembershipDelta(msg []byte) (added, removed []types.MemberID)

	// CommitUpdates returns the members whose signing key a (previously
	// validated) commit rotates. Callers needing this must read it before
	// ApplyCommit, which clears the pending-proposal cache these lookups
	// resolve against.
	CommitUpdates(msg []byte) []types.MemberID

	// CommitSender returns the leaf index of the member that proposed a
	// (previously validated) commit.
	CommitSender(msg []byte) types.LeafIndex

	// CommitProposalCount returns how many proposals a (previously
	// validated) commit carries, used by the commit-choice tie-break.
	CommitProposalCount(msg []byte) int

	// ApplyCommit advances the group state to the epoch immediately
	// following a (previously validated, dependency-complete) commit: it
	// applies the commit's membership delta and increments Epoch. Not named
	// in original_source's ExtendedMLSState (there, mls::State::handle
	// returns a fresh State the caller swaps in); here the Group State
	// mutates itself in place, since the delivery facade never needs to
	// compare the pre- and post-commit state.
	ApplyCommit(msg []byte) error

	// RotateSelfKey replaces the signing key Sign uses going forward. The
	// caller's own committed Update proposal only carries the new public
	// half onto the wire (ApplyCommit updates the roster entry from that);
	// the private half never crosses the wire, so activating a self-update
	// is the one membership change a caller must also apply locally.
	RotateSelfKey(priv ed25519.PrivateKey)
}

// Comm is the peer transport surface the consensus/broadcast stack is
// driven through: unicast, sampled fan-out, and full broadcast to every
// currently-known peer (self excluded).
type Comm interface {
	// Send unicasts payload to a single named peer.
	Send(peer types.MemberID, payload []byte)

	// SendSample unicasts payload to every peer named in sample.
	SendSample(sample []types.MemberID, payload []byte)

	// Broadcast sends payload to every peer Comm currently knows about,
	// excluding self.
	Broadcast(payload []byte)
}

// TimerID identifies an armed timeout. IDs are monotonically allocated and
// never reused within a process lifetime.
type TimerID uint64

// Clock arms and cancels one-shot timeouts, fired synchronously from the
// single-threaded event loop (spec §5: "Timers as first-class data").
// Every machine that arms a timeout owns the IDs it arms and must cancel
// them on every terminal transition.
type Clock interface {
	// AfterFunc arms a one-shot timeout that invokes fn after d, unless
	// cancelled first. Returns the TimerID to later Cancel.
	AfterFunc(d time.Duration, fn func()) TimerID

	// Cancel deregisters a previously armed timeout. Safe to call more than
	// once or after the timeout already fired.
	Cancel(id TimerID)
}

// Logger is the narrow logging surface every component depends on,
// identical in shape to the teacher's pkg/api.Logger so the same zap-backed
// adapter can satisfy it.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Panicf(template string, args ...interface{})
}
