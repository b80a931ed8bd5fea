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

package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMock(t *testing.T) {
	m := NewMock(1000)
	assert.Equal(t, uint64(1000), m.Now())
	m.Advance(50)
	assert.Equal(t, uint64(1050), m.Now())
	m.Set(2000)
	assert.Equal(t, uint64(2000), m.Now())
}

func TestSystem(t *testing.T) {
	s := System{}
	assert.Greater(t, s.Now(), uint64(0))
}
