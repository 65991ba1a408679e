// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package types defines the data model shared by every consensus/broadcast
// layer of the delivery service: member identifiers, epochs, message
// references and the authenticated-content envelope the Group State signs.
package types

import (
	"bytes"
	"fmt"
	"sort"
)

// MemberID is an opaque, globally unique identifier for a group member,
// stable across epochs.
type MemberID []byte

func (m MemberID) String() string {
	return fmt.Sprintf("%x", []byte(m))
}

func (m MemberID) Equal(other MemberID) bool {
	return bytes.Equal(m, other)
}

// LeafIndex is a member's position in the current group. Stable only within
// an epoch; maps to/from a MemberID via the GroupState.
type LeafIndex uint32

// Epoch is the monotonic counter advanced exactly when a commit is
// delivered.
type Epoch uint64

// MessageRef is a content-addressed identifier: the output of the
// cipher-suite's labelled hash over a message. Equality is byte equality.
type MessageRef []byte

func (r MessageRef) String() string {
	return fmt.Sprintf("%x", []byte(r))
}

func (r MessageRef) Equal(other MessageRef) bool {
	return bytes.Equal(r, other)
}

// SortRefs sorts a slice of MessageRef byte-lexically in place, the
// canonical order required whenever a set of refs must hash identically
// across members (spec: canonicalisation for content-addressing).
func SortRefs(refs []MessageRef) {
	sort.Slice(refs, func(i, j int) bool {
		return bytes.Compare(refs[i], refs[j]) < 0
	})
}

// SenderType distinguishes the sender of an AuthContent. Only "member" is
// valid on the consensus path; any other sender type is rejected.
type SenderType uint8

const (
	SenderTypeMember SenderType = 1
)

// AuthContent is the signed triple (sender, epoch, payload) whose signature
// the GroupState can verify. It is the Go analogue of MLS's
// AuthenticatedContent, opaque except for the fields the consensus stack
// needs to read.
type AuthContent struct {
	Sender     LeafIndex
	SenderType SenderType
	Epoch      Epoch
	Payload    []byte
	Signature  []byte
}

// SortKey returns a stable byte-lexical sort key for an AuthContent: its signed
// payload. Used wherever a list of AuthContent must be canonically ordered
// (CAC2Content signature lists, RC retract lists).
func (a AuthContent) SortKey() []byte {
	return a.Payload
}

func SortAuthContents(list []AuthContent) {
	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i].SortKey(), list[j].SortKey()) < 0
	})
}

// Role distinguishes the two quorum-building roles of a CAC signature.
type Role uint8

const (
	RoleWitness Role = 1
	RoleReady   Role = 2
)

func (r Role) String() string {
	if r == RoleWitness {
		return "WITNESS"
	}
	return "READY"
}

// CACSignatureData is the structured payload carried inside an AuthContent
// by a CAC Broadcast signature: (sequence, role, referenced message).
type CACSignatureData struct {
	Sequence  uint32
	Role      Role
	MessageRef MessageRef
}

// CACSignature pairs a verified CACSignatureData with the AuthContent that
// carries it and the sender that produced it, the unit CAC Broadcast
// reasons about internally. Invariant: for any given sender, the set of
// sequence numbers emitted in the current epoch is exactly {0,...,k-1}.
type CACSignature struct {
	Sequence   uint32
	Role       Role
	Ref        MessageRef
	SenderIdx  LeafIndex
	AuthContent AuthContent
}

func (s CACSignature) IsWitness() bool { return s.Role == RoleWitness }
func (s CACSignature) IsReady() bool   { return s.Role == RoleReady }

func (s CACSignature) String() string {
	role := "W"
	if s.IsReady() {
		role = "R"
	}
	return fmt.Sprintf("(s:%d,seq:%d,%s,%s)", s.SenderIdx, s.Sequence, role, s.Ref)
}

// ConflictEntry pairs a commit sender with the reference of the commit they
// broadcast; the unit of a Restrained Consensus conflict set.
type ConflictEntry struct {
	Sender LeafIndex
	Ref    MessageRef
}

// ConflictSet is an ordered list of ConflictEntry, one per distinct
// BRB1-delivered commit sender.
type ConflictSet []ConflictEntry

// Equal compares two conflict sets as unordered sets of (sender, ref) pairs.
func (c ConflictSet) Equal(other ConflictSet) bool {
	if len(c) != len(other) {
		return false
	}
	index := make(map[LeafIndex]MessageRef, len(c))
	for _, e := range c {
		index[e.Sender] = e.Ref
	}
	for _, e := range other {
		ref, ok := index[e.Sender]
		if !ok || !ref.Equal(e.Ref) {
			return false
		}
	}
	return true
}

// CAC2Content is the payload CAC Broadcast's second instance (CAC2) carries:
// the set of conflicting refs BRB1 (or RC) produced plus the proofs
// justifying that outcome. Both lists must be canonically sorted before
// marshalling so identical decisions hash identically across members.
type CAC2Content struct {
	ConflictingRefs []MessageRef
	Signatures      []AuthContent
}

// Canonicalize sorts ConflictingRefs byte-lexically and Signatures by their
// signed-payload bytes, in place.
func (c *CAC2Content) Canonicalize() {
	SortRefs(c.ConflictingRefs)
	SortAuthContents(c.Signatures)
}

// QuorumParams holds the derived Byzantine quorum thresholds for a given
// group size n and tolerance parameter k. Kept in one place (spec design
// note: "numeric quorum policy... in one module") so tests can parameterise
// over them directly.
type QuorumParams struct {
	N, K int
	T    int // ⌊(n−k)/5⌋
	QW   int // 4t + k
	QR   int // n − t
}

// NewQuorumParams derives t, qw, qr from n and k as specified.
func NewQuorumParams(n, k int) QuorumParams {
	t := (n - k) / 5
	return QuorumParams{
		N:  n,
		K:  k,
		T:  t,
		QW: 4*t + k,
		QR: n - t,
	}
}

// FastPathRegime reports whether the group is in the n > 5t regime that
// allows CAC Broadcast's fast, single-round delivery path.
func (q QuorumParams) FastPathRegime() bool {
	return q.N > 5*q.T
}
