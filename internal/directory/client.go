// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package directory

import (
	"net"

	"github.com/pkg/errors"

	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

// Client is a directory service client: one short-lived TCP connection per
// request, mirroring pki_client.hpp's connectToPKI/close-per-call style.
type Client struct {
	logger  api.Logger
	address string
}

// NewClient builds a Client dialing the directory service at address
// (host:port).
func NewClient(logger api.Logger, address string) *Client {
	return &Client{logger: logger, address: address}
}

// Publish announces id's reachable port and a batch of prekey packages,
// superseding any previously published batch.
func (c *Client) Publish(id types.MemberID, port uint16, keys [][]byte) error {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return errors.Wrap(err, "directory: dial")
	}
	defer conn.Close()

	req := wire.PKIRequest{
		Type:    wire.PKIRequestPublish,
		Publish: wire.PKIPublishRequest{ID: id.String(), Port: port, Keys: keys},
	}
	if err := wire.WriteFramed(conn, wire.MarshalPKIRequest(req)); err != nil {
		return errors.Wrap(err, "directory: write publish request")
	}

	raw, err := wire.ReadFramed(conn)
	if err != nil {
		return errors.Wrap(err, "directory: read publish response")
	}
	resp, err := wire.UnmarshalPKIPublishResponse(raw)
	if err != nil {
		return errors.Wrap(err, "directory: decode publish response")
	}
	if !resp.Success {
		return errors.New("directory: publish rejected")
	}
	return nil
}

// QueryPrekey resolves id's reachability and dequeues one prekey package,
// for proposing an Add for id.
func (c *Client) QueryPrekey(id types.MemberID) (host string, port uint16, prekey []byte, err error) {
	resp, err := c.query(id.String(), wire.PKIRequestQuery)
	if err != nil {
		return "", 0, nil, err
	}
	if !resp.Success {
		return "", 0, nil, errors.Errorf("directory: no prekey available for %s", id)
	}
	return uint32ToIP(resp.IP), resp.Port, resp.Prekey, nil
}

// ResolveAddr implements transport.Resolver: it resolves id's reachability
// without consuming a prekey.
func (c *Client) ResolveAddr(id types.MemberID) (string, uint16, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return "", 0, errors.Wrap(err, "directory: dial")
	}
	defer conn.Close()

	req := wire.PKIRequest{Type: wire.PKIRequestAddr, Query: wire.PKIQueryRequest{ID: id.String()}}
	if err := wire.WriteFramed(conn, wire.MarshalPKIRequest(req)); err != nil {
		return "", 0, errors.Wrap(err, "directory: write addr request")
	}

	raw, err := wire.ReadFramed(conn)
	if err != nil {
		return "", 0, errors.Wrap(err, "directory: read addr response")
	}
	resp, err := wire.UnmarshalPKIAddrResponse(raw)
	if err != nil {
		return "", 0, errors.Wrap(err, "directory: decode addr response")
	}
	if !resp.Success {
		return "", 0, errors.Errorf("directory: %s is not published", id)
	}
	return uint32ToIP(resp.IP), resp.Port, nil
}

func (c *Client) query(id string, reqType wire.PKIRequestType) (wire.PKIQueryResponse, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return wire.PKIQueryResponse{}, errors.Wrap(err, "directory: dial")
	}
	defer conn.Close()

	req := wire.PKIRequest{Type: reqType, Query: wire.PKIQueryRequest{ID: id}}
	if err := wire.WriteFramed(conn, wire.MarshalPKIRequest(req)); err != nil {
		return wire.PKIQueryResponse{}, errors.Wrap(err, "directory: write query request")
	}

	raw, err := wire.ReadFramed(conn)
	if err != nil {
		return wire.PKIQueryResponse{}, errors.Wrap(err, "directory: read query response")
	}
	return wire.UnmarshalPKIQueryResponse(raw)
}
