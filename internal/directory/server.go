// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package directory implements the Simplified PKI / Directory Service
// (spec §6): members publish their reachability and a batch of prekey
// packages, and other members query either just the reachability (to open
// a peer transport connection) or the reachability plus one dequeued
// prekey (to propose an Add for that member). Grounded on
// original_source's pki.cpp/pki.hpp/pki_client.hpp, which hold the same
// two tables purely in memory for the lifetime of one process; this port
// persists them in a bbolt database so a directory restart does not strand
// every member that already published.
package directory

import (
	"net"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/wire"
)

var (
	bucketAddresses = []byte("addresses")
	bucketPrekeys   = []byte("prekeys")
)

// Server is the directory's listening side.
type Server struct {
	logger   api.Logger
	db       *bolt.DB
	listener net.Listener
}

// New opens (creating if absent) the bbolt database at dbPath and binds
// listenAddr.
func New(logger api.Logger, dbPath string, listenAddr string) (*Server, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "directory: open db")
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketAddresses); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPrekeys)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "directory: init buckets")
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "directory: listen")
	}

	return &Server{logger: logger, db: db, listener: ln}, nil
}

// Addr returns the bound listening address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until the listener is closed. Each connection
// carries exactly one request/response exchange, processed to completion
// before the next Accept, mirroring pki.cpp's main loop; a directory only
// ever sees short-lived publish/query exchanges, so no per-connection
// concurrency is needed to keep up with load.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		s.process(conn)
	}
}

// Close stops accepting connections and closes the database, aggregating
// both failures if both occur.
func (s *Server) Close() error {
	var result *multierror.Error
	if err := s.listener.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close listener"))
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close database"))
	}
	return result.ErrorOrNil()
}

func (s *Server) process(conn net.Conn) {
	defer conn.Close()

	raw, err := wire.ReadFramed(conn)
	if err != nil {
		s.logger.Warnf("directory: read request: %v", err)
		return
	}
	req, err := wire.UnmarshalPKIRequest(raw)
	if err != nil {
		s.logger.Warnf("directory: decode request: %v", err)
		return
	}

	switch req.Type {
	case wire.PKIRequestPublish:
		s.handlePublish(conn, req.Publish)
	case wire.PKIRequestQuery:
		s.handleQuery(conn, req.Query.ID, true)
	case wire.PKIRequestAddr:
		s.handleQuery(conn, req.Query.ID, false)
	default:
		s.logger.Warnf("directory: unknown request type %d", req.Type)
	}
}

func (s *Server) handlePublish(conn net.Conn, req wire.PKIPublishRequest) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err == nil {
		err = s.db.Update(func(tx *bolt.Tx) error {
			addr, err := encodeAddress(host, req.Port)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketAddresses).Put([]byte(req.ID), addr); err != nil {
				return err
			}

			// A republish supersedes the member's previous prekey batch,
			// matching pki.cpp's prekeys[id] = keys (assignment, not
			// extension): drop the sub-bucket and recreate it empty.
			if err := tx.Bucket(bucketPrekeys).DeleteBucket([]byte(req.ID)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			keys, err := tx.Bucket(bucketPrekeys).CreateBucket([]byte(req.ID))
			if err != nil {
				return err
			}
			for _, key := range req.Keys {
				seq, err := keys.NextSequence()
				if err != nil {
					return err
				}
				if err := keys.Put(seqKey(seq), key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err != nil {
		s.logger.Warnf("directory: publish %s: %v", req.ID, err)
	}

	resp := wire.PKIPublishResponse{Success: err == nil}
	if werr := wire.WriteFramed(conn, wire.MarshalPKIPublishResponse(resp)); werr != nil {
		s.logger.Warnf("directory: write publish response to %s: %v", req.ID, werr)
	}
}

func (s *Server) handleQuery(conn net.Conn, id string, wantPrekey bool) {
	var host string
	var port uint16
	var prekey []byte
	found := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAddresses).Get([]byte(id))
		if raw == nil {
			return nil
		}
		host, port = decodeAddress(raw)

		if !wantPrekey {
			found = true
			return nil
		}

		keys := tx.Bucket(bucketPrekeys).Bucket([]byte(id))
		if keys == nil {
			return nil
		}
		k, v := keys.Cursor().First()
		if k == nil {
			return nil
		}
		prekey = append([]byte(nil), v...)
		found = true
		return keys.Delete(k)
	})
	if err != nil {
		s.logger.Warnf("directory: query %s: %v", id, err)
	}

	success := err == nil && found
	ip := ipToUint32(host)

	var werr error
	if wantPrekey {
		werr = wire.WriteFramed(conn, wire.MarshalPKIQueryResponse(wire.PKIQueryResponse{
			Success: success, IP: ip, Port: port, Prekey: prekey,
		}))
	} else {
		werr = wire.WriteFramed(conn, wire.MarshalPKIAddrResponse(wire.PKIAddrResponse{
			Success: success, IP: ip, Port: port,
		}))
	}
	if werr != nil {
		s.logger.Warnf("directory: write query response to %s: %v", id, werr)
	}
}
