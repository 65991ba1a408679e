// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package wire

import "github.com/pkg/errors"

// PKIRequestType discriminates a directory service request (spec §6).
type PKIRequestType uint32

const (
	PKIRequestPublish PKIRequestType = 1
	PKIRequestQuery   PKIRequestType = 2
	PKIRequestAddr    PKIRequestType = 3
)

// PKIPort is the directory service's well-known TCP port.
const PKIPort = 10501

// PKIPublishRequest publishes a member's reachability and a batch of
// prekeys for others to consume via QUERY.
type PKIPublishRequest struct {
	ID   string
	Port uint16
	Keys [][]byte
}

// PKIQueryRequest is shared by QUERY and ADDR, which differ only in
// response shape.
type PKIQueryRequest struct {
	ID string
}

// PKIRequest is the directory service's request envelope.
type PKIRequest struct {
	Type    PKIRequestType
	Publish PKIPublishRequest
	Query   PKIQueryRequest
}

func MarshalPKIRequest(req PKIRequest) []byte {
	w := NewWriter()
	w.WriteU32(uint32(req.Type))
	switch req.Type {
	case PKIRequestPublish:
		w.WriteString(req.Publish.ID)
		w.WriteU16(req.Publish.Port)
		WriteList(w, req.Publish.Keys, func(w *Writer, k []byte) { w.WriteBytes(k) })
	case PKIRequestQuery, PKIRequestAddr:
		w.WriteString(req.Query.ID)
	}
	return w.Bytes()
}

func UnmarshalPKIRequest(buf []byte) (PKIRequest, error) {
	var req PKIRequest
	r := NewReader(buf)

	t, err := r.ReadU32()
	if err != nil {
		return req, err
	}
	req.Type = PKIRequestType(t)

	switch req.Type {
	case PKIRequestPublish:
		id, err := r.ReadString()
		if err != nil {
			return req, err
		}
		port, err := r.ReadU16()
		if err != nil {
			return req, err
		}
		keys, err := ReadList(r, func(r *Reader) ([]byte, error) { return r.ReadBytes() })
		if err != nil {
			return req, err
		}
		req.Publish = PKIPublishRequest{ID: id, Port: port, Keys: keys}
	case PKIRequestQuery, PKIRequestAddr:
		id, err := r.ReadString()
		if err != nil {
			return req, err
		}
		req.Query = PKIQueryRequest{ID: id}
	default:
		return req, errors.Errorf("wire: unknown PKI request type %d", t)
	}
	return req, nil
}

// PKIQueryResponse answers QUERY: reachability plus one dequeued prekey.
type PKIQueryResponse struct {
	Success bool
	IP      uint32
	Port    uint16
	Prekey  []byte
}

func MarshalPKIQueryResponse(resp PKIQueryResponse) []byte {
	w := NewWriter()
	if !resp.Success {
		w.WriteU8(0)
		return w.Bytes()
	}
	w.WriteU8(1)
	w.WriteU32(resp.IP)
	w.WriteU16(resp.Port)
	w.WriteBytes(resp.Prekey)
	return w.Bytes()
}

func UnmarshalPKIQueryResponse(buf []byte) (PKIQueryResponse, error) {
	var resp PKIQueryResponse
	r := NewReader(buf)

	success, err := r.ReadU8()
	if err != nil {
		return resp, err
	}
	resp.Success = success != 0
	if !resp.Success {
		return resp, nil
	}

	ip, err := r.ReadU32()
	if err != nil {
		return resp, err
	}
	port, err := r.ReadU16()
	if err != nil {
		return resp, err
	}
	prekey, err := r.ReadBytes()
	if err != nil {
		return resp, err
	}

	resp.IP = ip
	resp.Port = port
	resp.Prekey = prekey
	return resp, nil
}

// PKIAddrResponse answers ADDR: reachability only, no prekey.
type PKIAddrResponse struct {
	Success bool
	IP      uint32
	Port    uint16
}

func MarshalPKIAddrResponse(resp PKIAddrResponse) []byte {
	w := NewWriter()
	if !resp.Success {
		w.WriteU8(0)
		return w.Bytes()
	}
	w.WriteU8(1)
	w.WriteU32(resp.IP)
	w.WriteU16(resp.Port)
	return w.Bytes()
}

func UnmarshalPKIAddrResponse(buf []byte) (PKIAddrResponse, error) {
	var resp PKIAddrResponse
	r := NewReader(buf)

	success, err := r.ReadU8()
	if err != nil {
		return resp, err
	}
	resp.Success = success != 0
	if !resp.Success {
		return resp, nil
	}

	ip, err := r.ReadU32()
	if err != nil {
		return resp, err
	}
	port, err := r.ReadU16()
	if err != nil {
		return resp, err
	}

	resp.IP = ip
	resp.Port = port
	return resp, nil
}

// PKIPublishResponse answers PUBLISH.
type PKIPublishResponse struct {
	Success bool
}

func MarshalPKIPublishResponse(resp PKIPublishResponse) []byte {
	w := NewWriter()
	if resp.Success {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
	return w.Bytes()
}

func UnmarshalPKIPublishResponse(buf []byte) (PKIPublishResponse, error) {
	r := NewReader(buf)
	success, err := r.ReadU8()
	return PKIPublishResponse{Success: success != 0}, err
}
