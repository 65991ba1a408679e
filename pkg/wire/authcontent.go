// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package wire

import (
	"github.com/HiveNetCode/distributed-mls/pkg/types"
)

// WriteAuthContent encodes an AuthContent: sender leaf index, sender type,
// epoch, payload and signature.
func WriteAuthContent(w *Writer, a types.AuthContent) {
	w.WriteU32(uint32(a.Sender))
	w.WriteU8(uint8(a.SenderType))
	w.WriteU64(uint64(a.Epoch))
	w.WriteBytes(a.Payload)
	w.WriteBytes(a.Signature)
}

func ReadAuthContent(r *Reader) (types.AuthContent, error) {
	var a types.AuthContent

	sender, err := r.ReadU32()
	if err != nil {
		return a, err
	}
	senderType, err := r.ReadU8()
	if err != nil {
		return a, err
	}
	epoch, err := r.ReadU64()
	if err != nil {
		return a, err
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return a, err
	}
	sig, err := r.ReadBytes()
	if err != nil {
		return a, err
	}

	a.Sender = types.LeafIndex(sender)
	a.SenderType = types.SenderType(senderType)
	a.Epoch = types.Epoch(epoch)
	a.Payload = payload
	a.Signature = sig
	return a, nil
}

func MarshalAuthContent(a types.AuthContent) []byte {
	w := NewWriter()
	WriteAuthContent(w, a)
	return w.Bytes()
}

func UnmarshalAuthContent(buf []byte) (types.AuthContent, error) {
	return ReadAuthContent(NewReader(buf))
}

// WriteCACSignatureData encodes the (sequence, role, message ref) triple
// carried as the payload of a CAC signature's AuthContent.
func WriteCACSignatureData(w *Writer, d types.CACSignatureData) {
	w.WriteU32(d.Sequence)
	w.WriteU8(uint8(d.Role))
	w.WriteBytes(d.MessageRef)
}

func ReadCACSignatureData(r *Reader) (types.CACSignatureData, error) {
	var d types.CACSignatureData

	seq, err := r.ReadU32()
	if err != nil {
		return d, err
	}
	role, err := r.ReadU8()
	if err != nil {
		return d, err
	}
	ref, err := r.ReadBytes()
	if err != nil {
		return d, err
	}

	d.Sequence = seq
	d.Role = types.Role(role)
	d.MessageRef = ref
	return d, nil
}

func MarshalCACSignatureData(d types.CACSignatureData) []byte {
	w := NewWriter()
	WriteCACSignatureData(w, d)
	return w.Bytes()
}

func UnmarshalCACSignatureData(buf []byte) (types.CACSignatureData, error) {
	return ReadCACSignatureData(NewReader(buf))
}

// WriteConflictEntry encodes a (LeafIndex, MessageRef) pair, the unit of a
// Restrained Consensus conflict set / power set element.
func WriteConflictEntry(w *Writer, e types.ConflictEntry) {
	w.WriteU32(uint32(e.Sender))
	w.WriteBytes(e.Ref)
}

func ReadConflictEntry(r *Reader) (types.ConflictEntry, error) {
	var e types.ConflictEntry

	sender, err := r.ReadU32()
	if err != nil {
		return e, err
	}
	ref, err := r.ReadBytes()
	if err != nil {
		return e, err
	}

	e.Sender = types.LeafIndex(sender)
	e.Ref = ref
	return e, nil
}

// WriteCAC2Content encodes a CAC2Content: sorted conflicting refs and
// sorted signatures.
func WriteCAC2Content(w *Writer, c types.CAC2Content) {
	WriteList(w, c.ConflictingRefs, func(w *Writer, ref types.MessageRef) { w.WriteBytes(ref) })
	WriteList(w, c.Signatures, WriteAuthContent)
}

func ReadCAC2Content(r *Reader) (types.CAC2Content, error) {
	var c types.CAC2Content

	refs, err := ReadList(r, func(r *Reader) (types.MessageRef, error) { return r.ReadBytes() })
	if err != nil {
		return c, err
	}
	sigs, err := ReadList(r, ReadAuthContent)
	if err != nil {
		return c, err
	}

	c.ConflictingRefs = refs
	c.Signatures = sigs
	return c, nil
}

func MarshalCAC2Content(c types.CAC2Content) []byte {
	w := NewWriter()
	WriteCAC2Content(w, c)
	return w.Bytes()
}

func UnmarshalCAC2Content(buf []byte) (types.CAC2Content, error) {
	return ReadCAC2Content(NewReader(buf))
}
