// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package wire

// WelcomeMember is one roster entry carried inside a WelcomeContent: the
// real CGKA/MLS tree this would normally hand a joiner (HPKE path secrets,
// the ratchet tree) is out of scope per groupstate's simplified model, so a
// Welcome only needs to convey the post-commit roster the joiner seeds its
// GroupState with.
type WelcomeMember struct {
	ID        []byte
	PublicKey []byte
}

// WelcomeContent is the payload wrapped by a DDSMessage's Welcome blob: the
// full post-commit roster and the epoch it was produced at, the minimum a
// joiner needs to construct a GroupState matching every existing member's.
type WelcomeContent struct {
	Epoch   uint64
	Members []WelcomeMember
}

func MarshalWelcomeContent(w WelcomeContent) []byte {
	out := NewWriter()
	out.WriteU64(w.Epoch)
	WriteList(out, w.Members, func(out *Writer, m WelcomeMember) {
		out.WriteBytes(m.ID)
		out.WriteBytes(m.PublicKey)
	})
	return out.Bytes()
}

func UnmarshalWelcomeContent(buf []byte) (WelcomeContent, error) {
	var w WelcomeContent
	r := NewReader(buf)

	epoch, err := r.ReadU64()
	if err != nil {
		return w, err
	}
	members, err := ReadList(r, func(r *Reader) (WelcomeMember, error) {
		var m WelcomeMember
		id, err := r.ReadBytes()
		if err != nil {
			return m, err
		}
		pub, err := r.ReadBytes()
		if err != nil {
			return m, err
		}
		return WelcomeMember{ID: id, PublicKey: pub}, nil
	})
	if err != nil {
		return w, err
	}

	w.Epoch = epoch
	w.Members = members
	return w, nil
}
