// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// genesisConfig names the initial roster a fresh group is created with:
// every founding member's identity and published signing key, the minimum
// a GroupState needs to verify anyone's signature from epoch 0. Mirrors
// the roster a real deployment would pull from the directory service one
// member at a time; collecting it into one file sidesteps needing every
// founder online simultaneously to bootstrap.
//
// GroupID is a display/audit label only (the original_source CLI's fixed
// GROUP_ID constant, generalized to one value per group instead of a
// single hardcoded constant shared by every group this client ever
// creates); the Group State itself never needs to know it. Left blank, a
// fresh one is generated at create time.
type genesisConfig struct {
	GroupID string          `toml:"group_id"`
	Members []genesisMember `toml:"members"`
}

// groupID returns g.GroupID, generating and assigning a random one if the
// genesis file left it blank.
func (g *genesisConfig) groupID() string {
	if g.GroupID == "" {
		g.GroupID = uuid.New().String()
	}
	return g.GroupID
}

type genesisMember struct {
	ID        string `toml:"id"`
	PublicKey string `toml:"public_key"`
}

func loadGenesis(path string) (genesisConfig, error) {
	var cfg genesisConfig
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, errors.Wrap(err, "decode genesis file")
}

func (g genesisConfig) publicKeys() ([][]byte, [][]byte, error) {
	ids := make([][]byte, len(g.Members))
	keys := make([][]byte, len(g.Members))
	for i, m := range g.Members {
		ids[i] = []byte(m.ID)
		key, err := hex.DecodeString(m.PublicKey)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "decode public key for %s", m.ID)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, nil, errors.Errorf("public key for %s has wrong size %d", m.ID, len(key))
		}
		keys[i] = key
	}
	return ids, keys, nil
}

// loadOrCreateKey reads an ed25519 private key stored as hex at path,
// generating and persisting a fresh one if the file does not exist.
func loadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		priv, decErr := hex.DecodeString(string(raw))
		if decErr != nil {
			return nil, errors.Wrap(decErr, "decode key file")
		}
		return ed25519.PrivateKey(priv), nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read key file")
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv)), 0600); err != nil {
		return nil, errors.Wrap(err, "write key file")
	}
	return priv, nil
}
