// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package directory

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// encodeAddress packs an IPv4 host and port into the bbolt value layout:
// 4 bytes of big-endian address followed by 2 bytes of big-endian port,
// the Go analogue of pki.cpp storing a raw struct sockaddr_in.
func encodeAddress(host string, port uint16) ([]byte, error) {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, errors.Errorf("directory: %q is not an IPv4 address", host)
	}
	buf := make([]byte, 6)
	copy(buf[:4], ip)
	binary.BigEndian.PutUint16(buf[4:], port)
	return buf, nil
}

func decodeAddress(buf []byte) (host string, port uint16) {
	ip := net.IP(buf[:4])
	return ip.String(), binary.BigEndian.Uint16(buf[4:])
}

// ipToUint32 and uint32ToIP convert between the dotted-quad form used by
// net.Dial and the big-endian uint32 form wire.PKIQueryResponse/
// PKIAddrResponse carry on the wire.
func ipToUint32(host string) uint32 {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip)
}

func uint32ToIP(v uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return net.IP(buf[:]).String()
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
