// Copyright 2026 StelloVault Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package database

import (
	"encoding/binary"
)

// The ledger key space is namespaced per registry. Each registry owns its
// prefix exclusively; cross-registry references are id lookups, never
// shared keys.

// Key builds a namespaced ledger key from a registry namespace and any
// number of path segments. Each segment carries a big-endian length prefix,
// so distinct segment lists always map to distinct keys even when a segment
// contains the separator byte
func Key(namespace string, parts ...[]byte) []byte {
	key := []byte(namespace)
	for _, part := range parts {
		key = append(key, '/')
		key = binary.BigEndian.AppendUint32(key, uint32(len(part))) //nolint:gosec
		key = append(key, part...)
	}
	return key
}

// Uint64Key encodes an id as a big-endian path segment so that keys sort
// in id order under prefix iteration
func Uint64Key(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// CounterKey returns the key of a registry's sequential id counter
func CounterKey(namespace string) []byte {
	return Key(namespace, []byte("next_id"))
}

// InitKey returns the key recording a registry's one-time initialization
func InitKey(namespace string) []byte {
	return Key(namespace, []byte("init"))
}
