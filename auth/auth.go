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

// Package auth models the platform's principal-authorization primitive.
// An operation declares which principal must have pre-authorized the call;
// the check is a synchronous predicate evaluated before any state mutation
// and is never retried.
package auth

import (
	"errors"
	"sync"
)

// ErrUnauthorized is returned when a principal has not authorized a call
var ErrUnauthorized = errors.New("unauthorized")

// Principal is an address-like identity capable of authorizing calls
type Principal string

// Authorizer verifies that a principal has pre-authorized a specific call.
// The payload carries call-specific data (such as a confirmation digest)
// when an operation requires authorization over exact call contents
type Authorizer interface {
	Authorize(principal Principal, operation string, payload []byte) error
}

type grantKey struct {
	principal Principal
	operation string
	payload   string
}

// Static is an Authorizer backed by explicit pre-authorization grants. The
// host platform provides the production implementation; Static serves
// development and tests
type Static struct {
	mu       sync.RWMutex
	grants   map[grantKey]struct{}
	allowAll bool
}

func NewStatic() *Static {
	return &Static{
		grants: make(map[grantKey]struct{}),
	}
}

// AllowAll returns an Authorizer that accepts every call
func AllowAll() *Static {
	s := NewStatic()
	s.allowAll = true
	return s
}

// Grant pre-authorizes every call to operation by principal
func (s *Static) Grant(principal Principal, operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey{principal: principal, operation: operation}] = struct{}{}
}

// GrantCall pre-authorizes a single exact call, bound to its payload
func (s *Static) GrantCall(
	principal Principal,
	operation string,
	payload []byte,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey{
		principal: principal,
		operation: operation,
		payload:   string(payload),
	}] = struct{}{}
}

// Revoke removes a blanket grant for a principal and operation
func (s *Static) Revoke(principal Principal, operation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, grantKey{principal: principal, operation: operation})
}

func (s *Static) Authorize(
	principal Principal,
	operation string,
	payload []byte,
) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.allowAll {
		return nil
	}
	// Exact-call grants are consumed before blanket grants
	if len(payload) > 0 {
		key := grantKey{
			principal: principal,
			operation: operation,
			payload:   string(payload),
		}
		if _, ok := s.grants[key]; ok {
			return nil
		}
	}
	key := grantKey{principal: principal, operation: operation}
	if _, ok := s.grants[key]; ok {
		return nil
	}
	return ErrUnauthorized
}
