// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package wire

import "github.com/pkg/errors"

// ProposalType discriminates a group-state proposal (spec §3's "commit"
// membership changes), the minimal set original_source's proposal handling
// exercises: add, remove, update (key rotation, no membership change).
type ProposalType uint8

const (
	ProposalAdd    ProposalType = 1
	ProposalRemove ProposalType = 2
	ProposalUpdate ProposalType = 3
)

// ProposalContent is the payload signed inside a proposal's AuthContent.
// Member identifies the add/remove target; PublicKey carries the new key
// material for add and update.
type ProposalContent struct {
	Type      ProposalType
	Member    []byte
	PublicKey []byte
}

func MarshalProposalContent(p ProposalContent) []byte {
	w := NewWriter()
	w.WriteU8(uint8(p.Type))
	w.WriteBytes(p.Member)
	w.WriteBytes(p.PublicKey)
	return w.Bytes()
}

func UnmarshalProposalContent(buf []byte) (ProposalContent, error) {
	var p ProposalContent
	r := NewReader(buf)

	t, err := r.ReadU8()
	if err != nil {
		return p, err
	}
	member, err := r.ReadBytes()
	if err != nil {
		return p, err
	}
	pub, err := r.ReadBytes()
	if err != nil {
		return p, err
	}

	p.Type = ProposalType(t)
	p.Member = member
	p.PublicKey = pub
	return p, nil
}

// CommitContent is the payload signed inside a commit's AuthContent: the
// references of the proposals it commits. Per spec §5 ("Commit
// completeness"), commits carry proposals by reference, not by value; the
// Group State resolves each ref against proposals it has separately
// validated.
type CommitContent struct {
	ProposalRefs [][]byte
}

func MarshalCommitContent(c CommitContent) []byte {
	w := NewWriter()
	WriteList(w, c.ProposalRefs, func(w *Writer, ref []byte) { w.WriteBytes(ref) })
	return w.Bytes()
}

func UnmarshalCommitContent(buf []byte) (CommitContent, error) {
	r := NewReader(buf)
	refs, err := ReadList(r, func(r *Reader) ([]byte, error) { return r.ReadBytes() })
	if err != nil {
		return CommitContent{}, errors.Wrap(err, "unmarshal commit content")
	}
	return CommitContent{ProposalRefs: refs}, nil
}
