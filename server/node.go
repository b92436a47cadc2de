// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/gofrs/uuid/v5"
	"github.com/twmb/murmur3"
)

// NodeToHash generates a 6-byte hash from the node name, used as the hardware address of v1 connection ids.
func NodeToHash(node string) [6]byte {
	hash := murmur3.Sum64([]byte(node))
	var hashBytes [8]byte
	binary.BigEndian.PutUint64(hashBytes[:], hash)
	var hashArr [6]byte
	copy(hashArr[:], hashBytes[:6])
	return hashArr
}

// NewConnectionIDGen returns a generator of v1 uuids unique to this node.
func NewConnectionIDGen(node string) *uuid.Gen {
	return uuid.NewGenWithHWAF(func() (net.HardwareAddr, error) {
		hash := NodeToHash(node)
		return hash[:], nil
	})
}

// NodeTopic is the bus topic of the process whose connection ids carry the given node hash.
func NodeTopic(hash [6]byte) string {
	return fmt.Sprintf("node:%x", hash[:])
}

// ConnectionNode returns the node hash carried by a v1 connection id.
func ConnectionNode(connectionID string) ([6]byte, error) {
	var hash [6]byte
	id, err := uuid.FromString(connectionID)
	if err != nil {
		return hash, err
	}
	if id.Version() != uuid.V1 {
		return hash, fmt.Errorf("connection id version %d has no node", id.Version())
	}
	copy(hash[:], id[10:])
	return hash, nil
}
