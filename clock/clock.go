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

// Package clock provides the ledger time source. Expiry and deadlines in
// the registries are values compared against Now(); there are no timers
package clock

import (
	"sync"
	"time"
)

// Clock returns the current ledger time as unix seconds
type Clock interface {
	Now() uint64
}

// System is a Clock backed by the host wall clock
type System struct{}

func (System) Now() uint64 {
	now := time.Now().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

// Mock is a manually-advanced Clock for tests
type Mock struct {
	mu  sync.RWMutex
	now uint64
}

func NewMock(now uint64) *Mock {
	return &Mock{now: now}
}

func (m *Mock) Now() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

func (m *Mock) Set(now uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Mock) Advance(delta uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += delta
}
